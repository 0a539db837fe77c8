package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
)

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// appendQuery adds params to rawURI, joining with "&" when the URI already
// carries a query string.
func appendQuery(rawURI string, params url.Values) string {
	sep := "?"
	if strings.Contains(rawURI, "?") {
		sep = "&"
	}

	return rawURI + sep + params.Encode()
}

// HandleAuthorize returns the /authorize handler. There is no consent step:
// any configured client_id is granted a code immediately and redirected
// back to redirect_uri.
func HandleAuthorize(broker *Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
			return
		}

		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		state := q.Get("state")

		if redirectURI == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
			return
		}

		u, err := url.Parse(redirectURI)
		if err != nil || u.Scheme == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "redirect_uri must be an absolute URI")
			return
		}

		code, err := broker.IssueCode(clientID, redirectURI)
		if err != nil {
			logger.Warn("authorize rejected",
				logging.ClientID(clientID),
				slog.String("ip", remoteIP(r)),
				logging.Err(err),
			)

			var oe *Error
			if errors.As(err, &oe) && errors.Is(oe.Err, apperrors.ErrInvalidClient) {
				writeJSONError(w, http.StatusUnauthorized, "invalid_client", oe.Description)
				return
			}

			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue authorization code")

			return
		}

		params := url.Values{}
		params.Set("code", code)

		if state != "" {
			params.Set("state", state)
		}

		logger.Info("authorization code issued",
			logging.ClientID(clientID),
			slog.String("ip", remoteIP(r)),
		)

		http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
	}
}
