package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NinoDja/readwise-mcp-remote3/internal/auth"
	"github.com/NinoDja/readwise-mcp-remote3/internal/config"
	"github.com/NinoDja/readwise-mcp-remote3/internal/gateway"
	"github.com/NinoDja/readwise-mcp-remote3/internal/logging"
	"github.com/NinoDja/readwise-mcp-remote3/internal/mcpserver"
	"github.com/NinoDja/readwise-mcp-remote3/internal/metrics"
	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
	"github.com/NinoDja/readwise-mcp-remote3/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	handler, broker, err := buildHandler(cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Stop()

	srv := newHTTPServer(cfg.ListenAddr(), handler)

	if insecureServerURL(cfg) {
		logger.Warn("SERVER_URL is not https; bearer tokens will cross the network in clear text",
			slog.String("server_url", cfg.ServerURL),
		)
	}

	logger.Info("readwise-mcp starting",
		slog.String("version", Version),
		slog.String("listen", srv.Addr),
		slog.String("server_url", cfg.ServerURL),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHTTPServer has no WriteTimeout. A bulk or paged call runs many
// upstream requests, each bounded by READWISE_TIMEOUT, and a write
// deadline would drop the connection before the report is sent.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// insecureServerURL reports a production deployment advertising a plain
// http URL.
func insecureServerURL(cfg *config.Config) bool {
	return cfg.IsProduction() && strings.HasPrefix(cfg.ServerURL, "http://")
}

// buildHandler wires the broker, registry, gateway and metrics into the
// HTTP surface. The caller must Stop the returned broker.
func buildHandler(cfg *config.Config, logger *slog.Logger) (http.Handler, *auth.Broker, error) {
	creds, err := cfg.Clients()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing client credentials: %w", err)
	}

	clients := make(auth.ClientCredentials, len(creds))
	for _, c := range creds {
		clients[c.ClientID] = c.Secret
	}

	m := metrics.New()

	client := readwise.NewClient(cfg.ReadwiseBaseURL, cfg.ReadwiseToken, cfg.ReadwiseTimeout, logger,
		readwise.WithObserver(m),
		readwise.WithUserAgent("readwise-mcp/"+Version),
	)

	broker := auth.NewBroker(auth.NewMemoryStore(), clients, logger.With(slog.String("component", "auth")),
		auth.WithRecorder(m),
	)
	m.WatchStore(broker.Counts)

	registry := mcpserver.NewRegistry(client, logger.With(slog.String("component", "tools")),
		mcpserver.WithObserver(m),
		mcpserver.WithVersion(Version),
	)

	gw := gateway.New(broker, registry, logger.With(slog.String("component", "gateway")),
		gateway.WithRecorder(m),
		gateway.WithResourceMetadata(cfg.ServerURL+"/.well-known/oauth-protected-resource"),
	)

	logger.Info("tool registry ready",
		slog.Int("tools", registry.Len()),
		slog.Int("clients", len(clients)),
	)

	return server.NewMux(server.MuxConfig{
		Broker:         broker,
		Gateway:        gw,
		Metrics:        m.Handler(),
		Tools:          registry.Len(),
		Version:        Version,
		ServerURL:      cfg.ServerURL,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger.With(slog.String("component", "http")),
	}), broker, nil
}
