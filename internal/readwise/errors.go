package readwise

import (
	"fmt"
	"unicode/utf8"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
)

// maxErrorBody caps the upstream body kept on an UpstreamError.
const maxErrorBody = 4 << 10

// UpstreamError is a non-2xx response from Readwise. It matches
// errors.ErrUpstream under errors.Is.
type UpstreamError struct {
	StatusCode int
	Body       string
	Method     string
	Path       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("readwise %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("readwise %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return apperrors.ErrUpstream
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "..."
}
