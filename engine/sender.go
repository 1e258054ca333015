package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"ws-server/errs"
)

// closeFrame is a close requested by this side of the connection.
type closeFrame struct {
	code   CloseCode
	reason string
}

// Sender is the outbound half of one connection. It is safe for concurrent
// use: messages are queued onto the connection's send channel and written
// by its writer goroutine.
type Sender struct {
	c *conn

	closeOnce  sync.Once
	localClose atomic.Pointer[closeFrame]

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	stopped  bool
}

func newSender(c *conn) *Sender {
	return &Sender{c: c, timers: make(map[*time.Timer]struct{})}
}

// ID returns the connection identifier.
func (s *Sender) ID() string {
	return s.c.id
}

// RemoteAddr returns the peer address as seen by the HTTP server.
func (s *Sender) RemoteAddr() string {
	return s.c.remoteAddr
}

// Send queues msg for this connection. It never blocks: a connection whose
// queue is full yields errs.ErrSendQueueFull.
func (s *Sender) Send(msg Message) error {
	if s.closing() {
		return errs.ErrConnectionClosed
	}
	select {
	case <-s.c.done:
		return errs.ErrConnectionClosed
	default:
	}
	select {
	case s.c.send <- msg:
		return nil
	default:
		return errs.ErrSendQueueFull
	}
}

// CloseWithReason starts the closing handshake. Messages already queued are
// written before the close frame; later Sends fail. Only the first close
// request is honoured.
func (s *Sender) CloseWithReason(code CloseCode, reason string) error {
	select {
	case <-s.c.done:
		return errs.ErrConnectionClosed
	default:
	}
	s.closeOnce.Do(func() {
		frame := &closeFrame{code: code, reason: truncateReason(reason)}
		s.localClose.Store(frame)
		s.c.closeReq <- *frame
	})
	return nil
}

// Timeout schedules OnTimeout(token) on this connection's event loop after
// d. Timers still pending when the connection closes never fire.
func (s *Sender) Timeout(d time.Duration, token Token) error {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.stopped {
		return errs.ErrConnectionClosed
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.timersMu.Lock()
		delete(s.timers, t)
		s.timersMu.Unlock()
		s.c.deliver(event{kind: eventTimeout, token: token})
	})
	s.timers[t] = struct{}{}
	return nil
}

func (s *Sender) closing() bool {
	return s.localClose.Load() != nil
}

func (s *Sender) stopTimers() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
