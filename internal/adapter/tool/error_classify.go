package tool

import (
	"strings"

	"unillm/internal/domain"
)

// transientMarkers are lower-case fragments of error text that mark a
// failure as worth retrying when no sentinel is wrapped.
var transientMarkers = [...]string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
}

// classifyToolError reports whether a handler error is transient, so the
// model can be told that calling the tool again may work.
func classifyToolError(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsRetryableError(err):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
