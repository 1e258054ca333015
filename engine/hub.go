package engine

import (
	"log/slog"
	"sync"
)

// broadcastRequest is either a message for every connection or, when
// close is set, a close of every connection. Both travel on one channel so
// a close requested after a broadcast is applied after it.
type broadcastRequest struct {
	msg    Message
	close  bool
	code   CloseCode
	reason string
}

// hub tracks the open connections. Its run loop is the only goroutine that
// touches the connection set; everything else talks to it over channels.
type hub struct {
	conns      map[*conn]struct{}
	register   chan *conn
	unregister chan *conn
	broadcast  chan broadcastRequest
	count      chan chan int

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		conns:      make(map[*conn]struct{}),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		broadcast:  make(chan broadcastRequest, 256),
		count:      make(chan chan int),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.conns[c] = struct{}{}
			h.logger.Debug("connection registered", "conn_id", c.id, "total", len(h.conns))

		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				h.logger.Debug("connection unregistered", "conn_id", c.id, "total", len(h.conns))
			}

		case req := <-h.broadcast:
			for c := range h.conns {
				if req.close {
					_ = c.sender.CloseWithReason(req.code, req.reason)
					continue
				}
				if err := c.sender.Send(req.msg); err != nil {
					h.logger.Warn("broadcast not delivered", "conn_id", c.id, "error", err)
				}
			}

		case reply := <-h.count:
			reply <- len(h.conns)

		case <-h.quit:
			return
		}
	}
}

func (h *hub) add(c *conn) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *hub) remove(c *conn) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *hub) send(msg Message) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.broadcast <- broadcastRequest{msg: msg}:
		return true
	case <-h.quit:
		return false
	}
}

func (h *hub) closeEvery(code CloseCode, reason string) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.broadcast <- broadcastRequest{close: true, code: code, reason: reason}:
		return true
	case <-h.quit:
		return false
	}
}

func (h *hub) size() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}

func (h *hub) stopped() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}
