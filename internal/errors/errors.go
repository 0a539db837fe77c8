package errors

import "errors"

// OAuth errors returned by the credential broker. Each maps to the RFC 6749
// error code of the same name.
var (
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrInvalidRequest       = errors.New("invalid_request")
)

// Gateway errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// Upstream errors.
var (
	ErrUpstream = errors.New("upstream request failed")
)
