package tool

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"unillm/internal/domain"
)

const passwordCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+[]{}|;:,.<>?"

// Password length bounds. A zero length picks a random length in
// [minPasswordLength, defaultMaxPasswordLength].
const (
	minPasswordLength        = 16
	defaultMaxPasswordLength = 32
	maxPasswordLength        = 256
)

// Builtins returns the tools the CLI registers by default.
func Builtins(logger *slog.Logger) []domain.Tool {
	return []domain.Tool{
		NewCurrentTimeTool(time.Now, logger),
		NewPasswordTool(logger),
	}
}

// NewCurrentTimeTool reports the local date and time as given by now.
func NewCurrentTimeTool(now func() time.Time, logger *slog.Logger) domain.Tool {
	return NewFuncTool("get_current_time", "Get system time and date", nil, logger,
		func(_ context.Context, _ struct{}) (any, error) {
			return "current_time: " + now().Format("2006-01-02 15:04:05 MST"), nil
		})
}

type passwordParams struct {
	Length int `json:"length"`
}

// NewPasswordTool generates a random password from crypto/rand.
func NewPasswordTool(logger *slog.Logger) domain.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"length":{"type":"integer","minimum":0,"maximum":256,"description":"Password length; 0 picks a secure default"}},"required":["length"]}`)
	return NewFuncTool("generate_secure_password",
		"Generates a secure password with a given length. Use 0 when the user does not specify a length.",
		schema, logger,
		func(_ context.Context, p passwordParams) (any, error) {
			if p.Length < 0 || p.Length > maxPasswordLength {
				return ErrResult("length must be 0-%d", maxPasswordLength)
			}
			return generatePassword(p.Length)
		})
}

func generatePassword(length int) (string, error) {
	if length == 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(defaultMaxPasswordLength-minPasswordLength+1))
		if err != nil {
			return "", fmt.Errorf("random length: %w", err)
		}
		length = minPasswordLength + int(n.Int64())
	}

	out := make([]byte, length)
	limit := big.NewInt(int64(len(passwordCharset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random index: %w", err)
		}
		out[i] = passwordCharset[n.Int64()]
	}
	return string(out), nil
}
