// Package engine is the WebSocket protocol engine behind ws-server.
//
// It accepts connections on a listener, performs the HTTP upgrade with
// gorilla/websocket, enforces an admission cap and drives one Handler per
// connection. Handlers see their connection through a Sender (send, close
// with reason, keyed timeouts); the whole server is reachable through a
// Broadcaster.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ws-server/errs"
)

// Settings tune the engine. Zero values select the defaults.
type Settings struct {
	// MaxConnections caps concurrently open connections; 0 means no cap.
	MaxConnections int
	// SendQueueSize is the per-connection outbound queue length.
	SendQueueSize int
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// CloseGrace is how long a locally closed connection waits for the
	// peer's close frame before the socket is dropped.
	CloseGrace time.Duration
	// ReadBufferSize and WriteBufferSize are passed to the upgrader.
	ReadBufferSize  int
	WriteBufferSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnRefuse is called for every connection refused by the cap.
	OnRefuse func(remoteAddr string)
}

const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 10 * time.Second
	defaultCloseGrace    = 5 * time.Second

	shutdownReason = "Server shutdown"
)

func (s Settings) withDefaults() Settings {
	if s.SendQueueSize <= 0 {
		s.SendQueueSize = defaultSendQueueSize
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.CloseGrace <= 0 {
		s.CloseGrace = defaultCloseGrace
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// Engine accepts WebSocket connections and dispatches their events.
type Engine struct {
	settings Settings
	factory  Factory
	upgrader websocket.Upgrader
	hub      *hub
	srv      *http.Server
	logger   *slog.Logger

	mu       sync.Mutex
	active   int
	shutdown bool
	addr     net.Addr
	wg       sync.WaitGroup
}

// New builds an engine that creates a Handler with factory for every
// accepted connection. The engine does no I/O until Listen or Serve.
func New(settings Settings, factory Factory) *Engine {
	settings = settings.withDefaults()
	e := &Engine{
		settings: settings,
		factory:  factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		logger: settings.Logger.With("component", "engine"),
	}
	e.hub = newHub(e.logger)
	e.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go e.hub.run()
	return e
}

// Broadcaster returns the handle that reaches every open connection.
func (e *Engine) Broadcaster() *Broadcaster {
	return &Broadcaster{hub: e.hub}
}

// Listen binds addr and serves until Shutdown. A bind failure is returned
// wrapped in errs.ErrBindFailed.
func (e *Engine) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w: %w", addr, errs.ErrBindFailed, err)
	}
	return e.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (e *Engine) Serve(ln net.Listener) error {
	e.mu.Lock()
	e.addr = ln.Addr()
	e.mu.Unlock()

	e.logger.Info("listening", "addr", ln.Addr().String(), "max_connections", e.settings.MaxConnections)
	err := e.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Listen/Serve.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// ConnectionCount returns the number of open connections.
func (e *Engine) ConnectionCount() int {
	return e.hub.size()
}

// ServeHTTP upgrades any request to a WebSocket connection.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.admit() {
		e.logger.Warn("connection refused", "remote_addr", r.RemoteAddr, "max_connections", e.settings.MaxConnections)
		if e.settings.OnRefuse != nil {
			e.settings.OnRefuse(r.RemoteAddr)
		}
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		e.release()
		return
	}

	c := newConn(e, ws, uuid.NewString(), r.RemoteAddr)
	c.handler = e.factory(c.sender)
	if !e.hub.add(c) {
		_ = ws.Close()
		e.release()
		return
	}

	if e.shuttingDown() {
		_ = c.sender.CloseWithReason(CloseAway, shutdownReason)
	}

	c.logger.Info("connection opened")
	go c.run()
}

func (e *Engine) shuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// admit reserves a connection slot and a place in the wait group.
func (e *Engine) admit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return false
	}
	if e.settings.MaxConnections > 0 && e.active >= e.settings.MaxConnections {
		return false
	}
	e.active++
	e.wg.Add(1)
	return true
}

func (e *Engine) release() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	e.wg.Done()
}

// Shutdown stops accepting, closes every connection with CloseAway and
// waits for their handlers to see OnClose or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()

	err := e.srv.Shutdown(ctx)
	e.hub.closeEvery(CloseAway, shutdownReason)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	defer e.hub.stop()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Broadcaster reaches every connection open at the time of the call.
// It is safe for concurrent use.
type Broadcaster struct {
	hub *hub
}

// Send queues msg for every open connection. Delivery is not
// acknowledged.
func (b *Broadcaster) Send(msg Message) error {
	if !b.hub.send(msg) {
		return errs.ErrNotListening
	}
	return nil
}

// Close asks every open connection to close with code.
func (b *Broadcaster) Close(code CloseCode) error {
	return b.CloseWithReason(code, "")
}

// CloseWithReason asks every open connection to close with code and
// reason.
func (b *Broadcaster) CloseWithReason(code CloseCode, reason string) error {
	if !b.hub.closeEvery(code, truncateReason(reason)) {
		return errs.ErrNotListening
	}
	return nil
}
