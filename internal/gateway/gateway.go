// Package gateway bridges one authenticated HTTP request on /call to a
// freshly built MCP server and tears that server down when the request
// ends. Nothing about a call survives it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/NinoDja/readwise-mcp-remote3/internal/auth"
	apperrors "github.com/NinoDja/readwise-mcp-remote3/internal/errors"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
	"github.com/NinoDja/readwise-mcp-remote3/internal/metrics"
	"github.com/NinoDja/readwise-mcp-remote3/internal/models"
)

// JSON-RPC error codes used outside the standard range.
const (
	CodeMethodNotAllowed = -32000
	CodeUnauthorized     = -32001
)

// maxCallBody caps the size of one JSON-RPC request.
const maxCallBody = 4 << 20

// Authenticator validates the Authorization header of a call.
type Authenticator interface {
	Validate(header string) (*models.AccessToken, bool)
}

// ServerFactory returns a new MCP server for every call.
type ServerFactory interface {
	NewServer() *mcp.Server
}

// Recorder observes call lifecycles. *metrics.Metrics implements it.
type Recorder interface {
	CallStarted()
	CallFinished()
	CallOutcome(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) CallStarted()       {}
func (nopRecorder) CallFinished()      {}
func (nopRecorder) CallOutcome(string) {}

// Gateway is the http.Handler for /call.
type Gateway struct {
	auth        Authenticator
	servers     ServerFactory
	logger      *slog.Logger
	recorder    Recorder
	metadataURL string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder reports call lifecycles to r.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithResourceMetadata advertises the protected resource metadata URL in
// the WWW-Authenticate header of 401 responses.
func WithResourceMetadata(url string) Option {
	return func(g *Gateway) { g.metadataURL = url }
}

// New returns a Gateway that authenticates with a and builds servers with f.
func New(a Authenticator, f ServerFactory, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		auth:     a,
		servers:  f,
		logger:   logger,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// rpcErrorResponse is a JSON-RPC error response with a null id, used when
// the request never reaches the MCP layer.
type rpcErrorResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	Error   *jsonrpc.Error `json:"error"`
	ID      any            `json:"id"`
}

func writeRPCError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(rpcErrorResponse{
		JSONRPC: "2.0",
		Error:   &jsonrpc.Error{Code: code, Message: message},
	})
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.logger.Debug("call rejected", logging.Path(r.URL.Path), slog.String("method", r.Method))
		g.recorder.CallOutcome(metrics.OutcomeMethodNotAllowed)

		w.Header().Set("Allow", http.MethodPost)
		writeRPCError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed.")

		return
	}

	token, ok := g.auth.Validate(r.Header.Get("Authorization"))
	if !ok {
		g.logger.Debug("call rejected", logging.Err(apperrors.ErrUnauthorized), slog.String("remote", r.RemoteAddr))
		g.recorder.CallOutcome(metrics.OutcomeUnauthorized)

		if g.metadataURL != "" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, g.metadataURL))
		}

		writeRPCError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")

		return
	}

	g.serve(w, r, token)
}

// serve runs one authenticated call against its own server.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, token *models.AccessToken) {
	start := time.Now()

	r = r.WithContext(auth.WithIdentity(r.Context(), token.ClientID, r))
	logger := g.logger.With(
		logging.CallID(uuid.NewString()),
		logging.ClientID(token.ClientID),
		slog.String("ip", auth.RequestRemoteIP(r.Context())),
	)
	r.Body = http.MaxBytesReader(w, r.Body, maxCallBody)
	normalizeAccept(r.Header)

	rw := &responseWriter{ResponseWriter: w}

	defer func() {
		v := recover()
		if v == nil {
			return
		}

		if v == http.ErrAbortHandler {
			panic(v)
		}

		logger.Error("call panicked",
			slog.Any("panic", v),
			slog.String("stack", string(debug.Stack())),
		)
		g.recorder.CallOutcome(metrics.OutcomePanic)

		if rw.wroteHeader {
			return
		}

		writeRPCError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Internal server error")
	}()

	server := g.servers.NewServer()
	g.recorder.CallStarted()

	finish := sync.OnceFunc(func() {
		g.recorder.CallFinished()
		logger.Debug("call released", slog.Duration("elapsed", time.Since(start)))
	})
	closeSessions := func() {
		for ss := range server.Sessions() {
			_ = ss.Close()
		}
	}

	// A disconnect ends the call at once. Closing a session waits for its
	// in-flight handler, so that happens off this path.
	stop := context.AfterFunc(r.Context(), func() {
		finish()
		go closeSessions()
	})
	defer func() {
		stop()
		finish()
		closeSessions()
	}()

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
		Logger:       logger,
	})

	// Tool handlers see the caller through the SDK's TokenInfo.
	identify := sdkauth.RequireBearerToken(func(ctx context.Context, _ string, _ *http.Request) (*sdkauth.TokenInfo, error) {
		return &sdkauth.TokenInfo{
			UserID:     auth.RequestClientID(ctx),
			Expiration: token.CreatedAt.Add(auth.TokenTTL),
		}, nil
	}, nil)

	identify(handler).ServeHTTP(rw, r)

	g.recorder.CallOutcome(callOutcome(rw.status(), r.Context().Err()))
	logger.Debug("call served", logging.Status(rw.status()))
}

// callOutcome classifies a served call for the calls counter.
func callOutcome(status int, ctxErr error) string {
	switch {
	case ctxErr != nil:
		return metrics.OutcomeCanceled
	case status >= http.StatusInternalServerError:
		return metrics.OutcomeServerError
	case status >= http.StatusBadRequest:
		return metrics.OutcomeClientError
	default:
		return metrics.OutcomeOK
	}
}

// normalizeAccept makes sure the Accept header satisfies the streamable
// transport, which wants both JSON and event-stream, so that plain
// JSON-RPC clients are served.
func normalizeAccept(h http.Header) {
	var jsonOK, streamOK bool

	for part := range strings.SplitSeq(strings.Join(h.Values("Accept"), ","), ",") {
		switch strings.TrimSpace(part) {
		case "application/json", "application/*":
			jsonOK = true
		case "text/event-stream", "text/*":
			streamOK = true
		case "*/*":
			jsonOK, streamOK = true, true
		}
	}

	if !jsonOK || !streamOK {
		h.Set("Accept", "application/json, text/event-stream")
	}
}

// responseWriter records whether the response has started so a panic is
// never answered twice.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
	code        int
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.code = code
	}

	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}

	return w.code
}
