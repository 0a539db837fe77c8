package auth

import (
	"context"
	"net/http"
)

type contextKey int

const (
	ctxClientID contextKey = iota
	ctxRemoteIP
)

// WithIdentity returns a copy of ctx carrying the authenticated client ID
// and the caller's IP.
func WithIdentity(ctx context.Context, clientID string, r *http.Request) context.Context {
	ctx = context.WithValue(ctx, ctxClientID, clientID)
	return context.WithValue(ctx, ctxRemoteIP, remoteIP(r))
}

// RequestClientID returns the authenticated client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}
