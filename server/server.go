// Package server is the embeddable multi-client WebSocket server.
//
// A host creates a Server, registers its open, error and message callbacks,
// calls Listen and may Broadcast text to every connected client. Every
// accepted connection gets a ConnectionHandler that closes it after one
// full watchdog period without messages.
//
// Callbacks are shared by all connections and run synchronously on the
// connection that produced the event, so they must be safe for concurrent
// use. They carry no connection identity.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"ws-server/callback"
	"ws-server/engine"
	"ws-server/errs"
)

const tracerName = "ws-server/server"

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry enables Prometheus metrics on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.metrics = newMetrics(reg)
	}
}

// WithFatalHandler replaces the handler called when the listener cannot
// bind. The default logs the error and panics on the listener goroutine,
// which terminates the process.
func WithFatalHandler(fn func(error)) Option {
	return func(s *Server) {
		if fn != nil {
			s.fatal = fn
		}
	}
}

// WithHost sets the bind host; the default binds all interfaces.
func WithHost(host string) Option {
	return func(s *Server) {
		s.config.Host = host
	}
}

// WithConfig replaces the whole configuration, including the values passed
// to New.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithCloseGrace bounds how long a connection this side closed waits for
// the peer's close frame. The error callback fires once the peer answers
// or the grace runs out, so a peer that stopped reading is reported late
// by up to this much. The default is 5s.
func WithCloseGrace(d time.Duration) Option {
	return func(s *Server) {
		s.closeGrace = d
	}
}

// WithTracerProvider sets the provider for callback spans; the default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// Server owns the configuration, the callback registry and, once
// listening, the engine and its broadcaster.
type Server struct {
	registry   *callback.Registry
	baseLogger *slog.Logger
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	fatal      func(error)
	closeGrace time.Duration

	mu          sync.Mutex
	config      Config
	engine      *engine.Engine
	broadcaster *engine.Broadcaster
}

// New returns a server for port admitting at most maxConnections clients.
// It performs no I/O.
func New(maxConnections uint32, port uint16, opts ...Option) *Server {
	cfg := DefaultConfig()
	cfg.MaxConnections = maxConnections
	cfg.Port = port
	return NewFromConfig(cfg, opts...)
}

// NewFromConfig returns a server for cfg. The caller is expected to have
// validated cfg.
func NewFromConfig(cfg Config, opts ...Option) *Server {
	s := &Server{
		registry: callback.NewRegistry(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		config:   cfg,
	}
	s.fatal = s.defaultFatal
	for _, opt := range opts {
		opt(s)
	}
	s.baseLogger = s.logger
	s.logger = s.logger.With("component", "ws-server")
	return s
}

func (s *Server) defaultFatal(err error) {
	s.logger.Error("websocket server listen failed", "error", err)
	panic(fmt.Sprintf("WebSocket Server Listen Failed = %v", err))
}

// Config returns a copy of the current configuration.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetWatchdogPeriod sets the idle period. It only has an effect before
// Listen; connections use the value held when they are accepted.
func (s *Server) SetWatchdogPeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.logger.Warn("watchdog period ignored after listen", "period", d)
		return
	}
	s.config.WatchdogPeriod = d
}

// SetOnOpen sets the callback fired with "WS Connected" for every new
// connection.
func (s *Server) SetOnOpen(fn callback.Func) {
	s.registry.Set(callback.Open, fn)
}

// SetOnError sets the callback fired with the close reason whenever a
// connection closes, including watchdog closes ("Timeout").
func (s *Server) SetOnError(fn callback.Func) {
	s.registry.Set(callback.Error, fn)
}

// SetOnMessage sets the callback fired for every non-empty text message.
// The payload ends with a line-feed followed by a NUL.
func (s *Server) SetOnMessage(fn callback.Func) {
	s.registry.Set(callback.Message, fn)
}

// Listen builds the engine, captures its broadcaster and binds the
// configured address on a background goroutine. A bind failure goes to the
// fatal handler.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return errs.ErrAlreadyListening
	}

	cfg := s.config
	if err := cfg.Validate(); err != nil {
		return errs.Invalid(err, "server", "listen")
	}

	settings := engine.Settings{
		MaxConnections: int(cfg.MaxConnections),
		CloseGrace:     s.closeGrace,
		Logger:         s.baseLogger,
		OnRefuse: func(string) {
			s.metrics.connectionRefused()
		},
	}
	s.engine = engine.New(settings, s.newHandler(cfg.WatchdogPeriod))
	s.broadcaster = s.engine.Broadcaster()

	addr := cfg.Address()
	eng := s.engine
	go func() {
		if err := eng.Listen(addr); err != nil {
			s.fatal(errs.Fatal(err, "server", "listen"))
		}
	}()

	s.logger.Info("websocket server starting", "addr", addr,
		"max_connections", cfg.MaxConnections, "watchdog_period", cfg.WatchdogPeriod)
	return nil
}

// newHandler returns the engine factory. The watchdog period is frozen for
// every connection the engine accepts.
func (s *Server) newHandler(period time.Duration) engine.Factory {
	return func(out *engine.Sender) engine.Handler {
		return &ConnectionHandler{
			sender:         out,
			registry:       s.registry,
			watchdogPeriod: period,
			logger:         s.logger.With("conn_id", out.ID(), "remote_addr", out.RemoteAddr()),
			metrics:        s.metrics,
			tracer:         s.tracer,
		}
	}
}

// Addr returns the bound address, or nil until the listener is up.
func (s *Server) Addr() net.Addr {
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	return eng.Addr()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	eng := s.currentEngine()
	if eng == nil {
		return 0
	}
	return eng.ConnectionCount()
}

// Close asks every open connection to close normally. It does not wait
// and is a no-op before Listen.
func (s *Server) Close() error {
	b := s.currentBroadcaster()
	if b == nil {
		return nil
	}
	if err := b.Close(engine.CloseNormal); err != nil {
		return errs.Transient(err, "server", "close")
	}
	return nil
}

// Broadcast queues text as one text message for every open connection.
// It is fire-and-forget and a no-op before Listen.
func (s *Server) Broadcast(text string) error {
	b := s.currentBroadcaster()
	if b == nil {
		return nil
	}
	s.metrics.broadcast()
	if err := b.Send(engine.Text(text)); err != nil {
		return errs.Transient(err, "server", "broadcast")
	}
	return nil
}

// Shutdown stops accepting connections, closes the open ones and waits
// for them to finish or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	s.logger.Info("websocket server shutting down")
	return eng.Shutdown(ctx)
}

func (s *Server) currentEngine() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Server) currentBroadcaster() *engine.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcaster
}
