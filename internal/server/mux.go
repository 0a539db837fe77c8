// Package server assembles the HTTP surface of readwise-mcp.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/NinoDja/readwise-mcp-remote3/internal/auth"
)

// ServiceName is reported by /health and /.
const ServiceName = "readwise-mcp"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Broker         *auth.Broker
	Gateway        http.Handler
	Metrics        http.Handler
	Tools          int
	Version        string
	ServerURL      string
	AllowedOrigins []string
	Logger         *slog.Logger

	// Started is the process start time used for uptime. Zero means now.
	Started time.Time
}

// NewMux builds the HTTP handler with OAuth discovery, authorization,
// token, call, health and metrics endpoints, wrapped in CORS handling.
func NewMux(cfg MuxConfig) http.Handler {
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL))
	mux.HandleFunc("/authorize", auth.HandleAuthorize(cfg.Broker, cfg.Logger))
	mux.HandleFunc("/token", auth.HandleToken(cfg.Broker, cfg.Logger))
	mux.Handle("/call", cfg.Gateway)
	mux.HandleFunc("GET /health", handleHealth(cfg))
	mux.HandleFunc("GET /{$}", handleInfo(cfg))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	return CORS(cfg.AllowedOrigins)(mux)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveCodes   int    `json:"active_codes"`
	ActiveTokens  int    `json:"active_tokens"`
	Tools         int    `json:"tools"`
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		counts := cfg.Broker.Counts()

		writeJSON(w, HealthResponse{
			Status:        "ok",
			Service:       ServiceName,
			Version:       cfg.Version,
			UptimeSeconds: int64(time.Since(cfg.Started).Seconds()),
			ActiveCodes:   counts.Codes,
			ActiveTokens:  counts.Tokens,
			Tools:         cfg.Tools,
		})
	}
}

// InfoResponse is the / body.
type InfoResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

func handleInfo(cfg MuxConfig) http.HandlerFunc {
	info := InfoResponse{
		Service: ServiceName,
		Version: cfg.Version,
		Endpoints: map[string]string{
			"authorize": cfg.ServerURL + "/authorize",
			"token":     cfg.ServerURL + "/token",
			"call":      cfg.ServerURL + "/call",
			"health":    cfg.ServerURL + "/health",
			"metadata":  cfg.ServerURL + "/.well-known/oauth-authorization-server",
		},
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, info)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsHeaders = "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version"
)

// CORS returns middleware answering preflight requests with 204 and
// tagging responses for the allowed origins. An entry of "*" allows any
// origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate, Mcp-Session-Id")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
