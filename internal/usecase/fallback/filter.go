package fallback

import "strings"

// MarkerFilter removes marker spans from content as it streams, so a
// consumer never sees invocation JSON. Text that could be the start of a
// marker is held back until the next fragment decides it.
//
// The filter only affects what is shown live; extraction runs on the
// unfiltered text once the turn completes.
type MarkerFilter struct {
	pending string
	inside  bool
}

// NewMarkerFilter returns a filter positioned outside any marker.
func NewMarkerFilter() *MarkerFilter {
	return &MarkerFilter{}
}

// Write consumes the next content fragment and returns the part that is
// safe to show. The result may be empty.
func (f *MarkerFilter) Write(fragment string) string {
	f.pending += fragment

	var out strings.Builder
	for {
		if f.inside {
			i := strings.Index(f.pending, CloseMarker)
			if i < 0 {
				f.pending = f.pending[len(f.pending)-partialSuffix(f.pending, CloseMarker):]
				return out.String()
			}
			f.pending = f.pending[i+len(CloseMarker):]
			f.inside = false
			continue
		}

		i := strings.Index(f.pending, OpenMarker)
		if i < 0 {
			hold := partialSuffix(f.pending, OpenMarker)
			out.WriteString(f.pending[:len(f.pending)-hold])
			f.pending = f.pending[len(f.pending)-hold:]
			return out.String()
		}
		out.WriteString(f.pending[:i])
		f.pending = f.pending[i+len(OpenMarker):]
		f.inside = true
	}
}

// Flush returns held-back text at end of stream. Content inside an
// unterminated marker is discarded.
func (f *MarkerFilter) Flush() string {
	out := ""
	if !f.inside {
		out = f.pending
	}
	f.pending = ""
	f.inside = false
	return out
}

// partialSuffix returns the length of the longest proper prefix of marker
// that s ends with.
func partialSuffix(s, marker string) int {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
