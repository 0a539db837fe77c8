package logging

import (
	"fmt"
	"log/slog"
)

// Common log attribute keys.
const (
	KeyTool     = "tool"
	KeyClientID = "client_id"
	KeyError    = "error"
	KeyStatus   = "status"
	KeyPath     = "path"
	KeyCallID   = "call_id"
)

// Tool returns a slog attribute for the tool name.
func Tool(name string) slog.Attr {
	return slog.String(KeyTool, name)
}

// ClientID returns a slog attribute for the OAuth client id.
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

// CallID returns a slog attribute for a gateway call id.
func CallID(id string) slog.Attr {
	return slog.String(KeyCallID, id)
}

// Path returns a slog attribute for a request path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// Err returns a slog attribute for an error. A nil error yields an empty
// group, which slog omits from output.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}

	return slog.String(KeyError, err.Error())
}

// SanitizeToken masks a credential for logging. Only the length is
// reported; even a prefix of a code or token is enough to aid replay.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}

	return fmt.Sprintf("[token:%d chars]", len(token))
}
