package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ws-server/callback"
	"ws-server/errs"
	"ws-server/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long: `Run the WebSocket echo server until SIGINT or SIGTERM.

Settings come from the optional YAML file first; flags override it.

Examples:
  ws-server-demo serve
  ws-server-demo serve --port 8080 --watchdog 10s
  ws-server-demo serve --config ws-server.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	defaults := defaultDemoConfig()
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	flags.Uint16VarP(&f.port, "port", "p", defaults.Server.Port, "WebSocket port")
	flags.Uint32Var(&f.maxConnections, "max-connections", defaults.Server.MaxConnections, "Maximum open connections (0 for no limit)")
	flags.DurationVar(&f.watchdog, "watchdog", defaults.Server.WatchdogPeriod, "Idle period before a silent client is dropped (0 disables)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Metrics and health address (empty disables)")
	flags.StringVar(&f.logLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warn, error")

	return cmd
}

func runServe(ctx context.Context, cfg demoConfig, logOut io.Writer) error {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fatal := make(chan error, 1)
	srv := server.NewFromConfig(cfg.Server,
		server.WithLogger(logger),
		server.WithRegistry(reg),
		server.WithFatalHandler(func(err error) {
			fatal <- err
		}),
	)
	wireEcho(srv, logger)

	if err := srv.Listen(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	metricsErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(reg, srv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- errs.Fatal(err, "metrics", "listen")
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-fatal:
	case runErr = <-metricsErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown", "error", err)
	}
	return runErr
}

// wireEcho installs the demo callbacks: open and close are logged, and
// every message is broadcast back to all clients unchanged.
func wireEcho(srv *server.Server, logger *slog.Logger) {
	srv.SetOnOpen(func(payload []byte) {
		logger.Info("client connected", "event", callback.Text(payload))
	})
	srv.SetOnError(func(payload []byte) {
		logger.Info("client disconnected", "reason", callback.Text(payload))
	})
	srv.SetOnMessage(func(payload []byte) {
		text := callback.Text(payload)
		logger.Debug("echo", "bytes", len(text))
		if err := srv.Broadcast(text); err != nil {
			logger.Warn("echo broadcast failed", "error", err)
		}
	})
}

// newRouter serves Prometheus metrics from reg and a health check that
// reports the open connection count.
func newRouter(reg prometheus.Gatherer, srv *server.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok connections=%d\n", srv.ConnectionCount())
	})

	return r
}
