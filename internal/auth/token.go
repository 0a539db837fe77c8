package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
)

// maxTokenBody caps the /token request body.
const maxTokenBody = 64 << 10

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// errorResponse is the RFC 6749 Section 5.2 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, ErrorDescription: description})
}

// statusFor maps an OAuth sentinel to its HTTP status. invalid_client is
// 401 per RFC 6749 Section 5.2; every other grant failure is 400.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidClient):
		return http.StatusUnauthorized, "invalid_client"
	case errors.Is(err, apperrors.ErrInvalidGrant):
		return http.StatusBadRequest, "invalid_grant"
	case errors.Is(err, apperrors.ErrUnsupportedGrantType):
		return http.StatusBadRequest, "unsupported_grant_type"
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// parseTokenRequest reads a JSON or form-encoded body. Client credentials
// in HTTP Basic auth take precedence over body fields.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	var req tokenRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxTokenBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}

		req = tokenRequest{
			GrantType:    r.PostFormValue("grant_type"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			RefreshToken: r.PostFormValue("refresh_token"),
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
		}
	}

	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	return req, nil
}

// HandleToken returns the /token handler.
func HandleToken(broker *Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
			return
		}

		req, err := parseTokenRequest(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		resp, err := broker.Exchange(ExchangeRequest{
			GrantType:    req.GrantType,
			Code:         req.Code,
			RedirectURI:  req.RedirectURI,
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
		})
		if err != nil {
			status, code := statusFor(err)

			description := "token exchange failed"

			var oe *Error
			if errors.As(err, &oe) {
				description = oe.Description
			}

			logger.Warn("token exchange rejected",
				logging.ClientID(req.ClientID),
				slog.String("grant_type", req.GrantType),
				slog.String("ip", remoteIP(r)),
				logging.Err(err),
			)
			writeJSONError(w, status, code, description)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
