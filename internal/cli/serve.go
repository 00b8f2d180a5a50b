// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-funneltrack/eventstore"
	"github.com/mobiletoly/go-funneltrack/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest server",
	Long: `Serve exposes the forwarding endpoint (POST /api/track), the authenticated
bulk endpoint (POST /events), GET /health and GET /metrics. Events are appended
to Postgres when a database URL is configured, otherwise to a local SQLite file.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default from FUNNEL_ADDR or :8080)")
	serveCmd.Flags().String("database-url", "", "Postgres connection string")
	serveCmd.Flags().String("sqlite-path", "", "SQLite file used when no database URL is set")
	serveCmd.Flags().Float64("forward-rps", -1, "Per-address request rate on /api/track (0 = unlimited)")
	serveCmd.Flags().Bool("log-requests", false, "Log every HTTP request")
}

// serverComponents holds the initialized server components
type serverComponents struct {
	Handler http.Handler
	Sink    eventstore.Sink
	JWTAuth *eventstore.JWTAuth
	closers []func()
}

// Close releases the sink resources
func (sc *serverComponents) Close() {
	for i := len(sc.closers) - 1; i >= 0; i-- {
		sc.closers[i]()
	}
}

// setupServer wires the sink, authentication, rate limiting and metrics.
// This is shared by the serve command and tests.
func setupServer(ctx context.Context, c *config.Config, logRequests bool, logger *slog.Logger) (*serverComponents, error) {
	sc := &serverComponents{}

	switch {
	case c.DatabaseURL != "":
		poolConfig, err := pgxpool.ParseConfig(c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sc.closers = append(sc.closers, pool.Close)

		store, err := eventstore.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			sc.Close()
			return nil, err
		}
		sc.Sink = store
		logger.Info("Using Postgres event store")
	case c.SQLitePath != "":
		store, err := eventstore.NewSQLiteStore(c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite event store: %w", err)
		}
		sc.closers = append(sc.closers, func() { _ = store.Close() })
		sc.Sink = store
		logger.Info("Using SQLite event store", "path", c.SQLitePath)
	default:
		return nil, fmt.Errorf("no event store configured (set DATABASE_URL or FUNNEL_SQLITE_PATH): %w",
			eventstore.ErrMissingDestination)
	}

	if c.JWTSecret == config.DefaultSecret {
		logger.Warn("Using default JWT secret - change in production!")
	}
	sc.JWTAuth = eventstore.NewJWTAuth(c.JWTSecret)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handlers := eventstore.NewHTTPHandlers(eventstore.HandlersConfig{
		Sink:    sc.Sink,
		Auth:    sc.JWTAuth,
		Limiter: eventstore.NewRateLimiter(c.ForwardRPS, c.ForwardBurst),
		Metrics: eventstore.NewMetrics(reg),
		Logger:  logger,
	})
	sc.Handler = loggingMiddleware(logRequests, handlers.Routes(), logger)
	return sc, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v, _ := cmd.Flags().GetString("sqlite-path"); v != "" {
		cfg.SQLitePath = v
	}
	if v, _ := cmd.Flags().GetFloat64("forward-rps"); v >= 0 {
		cfg.ForwardRPS = v
	}
	logRequests, _ := cmd.Flags().GetBool("log-requests")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := setupServer(ctx, cfg, logRequests, logger)
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           components.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting funnel ingest server", "addr", httpServer.Addr)
		logger.Info("  POST /api/track  - forward a single event (unauthenticated, rate limited)")
		logger.Info("  POST /events     - append a batch (JWT Bearer token required)")
		logger.Info("  GET  /health     - liveness")
		logger.Info("  GET  /metrics    - Prometheus metrics")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}

// loggingMiddleware logs each request with its status and duration
func loggingMiddleware(enabled bool, next http.Handler, logger *slog.Logger) http.Handler {
	if !enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.Header.Get("User-Agent"),
			"content_length", r.ContentLength,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String())
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
