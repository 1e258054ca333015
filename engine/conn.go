package engine

import (
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

type eventKind int

const (
	eventMessage eventKind = iota
	eventTimeout
	eventClosed
)

type event struct {
	kind   eventKind
	msg    Message
	token  Token
	code   CloseCode
	reason string
}

// conn is one accepted connection. Three goroutines serve it: the reader
// pushes frames into events, the writer drains send, and run owns the
// Handler and processes events one at a time.
type conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	engine     *Engine
	sender     *Sender
	handler    Handler
	logger     *slog.Logger

	events   chan event
	send     chan Message
	closeReq chan closeFrame
	done     chan struct{}
}

func newConn(e *Engine, ws *websocket.Conn, id, remoteAddr string) *conn {
	c := &conn{
		id:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		engine:     e,
		logger:     e.logger.With("conn_id", id, "remote_addr", remoteAddr),
		events:     make(chan event),
		send:       make(chan Message, e.settings.SendQueueSize),
		closeReq:   make(chan closeFrame, 1),
		done:       make(chan struct{}),
	}
	c.sender = newSender(c)
	return c
}

// deliver hands ev to the event loop unless the connection is gone.
func (c *conn) deliver(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) run() {
	defer c.teardown()
	go c.write()

	if err := c.handler.OnOpen(); err != nil {
		c.fail(err)
	}
	go c.read()

	for ev := range c.events {
		switch ev.kind {
		case eventMessage:
			if c.sender.closing() {
				continue
			}
			if ev.msg.IsText() && !utf8.Valid(ev.msg.Data) {
				c.logger.Debug("invalid UTF-8 in text message")
				_ = c.sender.CloseWithReason(CloseInvalid, "Invalid UTF-8")
				continue
			}
			if err := c.handler.OnMessage(ev.msg); err != nil {
				c.fail(err)
			}
		case eventTimeout:
			if c.sender.closing() {
				continue
			}
			if err := c.handler.OnTimeout(ev.token); err != nil {
				c.fail(err)
			}
		case eventClosed:
			code, reason := ev.code, ev.reason
			if local := c.sender.localClose.Load(); local != nil {
				code, reason = local.code, local.reason
			}
			c.logger.Info("connection closed", "code", int(code), "reason", reason)
			c.handler.OnClose(code, reason)
			return
		}
	}
}

// fail converts a handler error into a close of this connection.
func (c *conn) fail(err error) {
	c.logger.Error("handler failed", "error", err)
	_ = c.sender.CloseWithReason(CloseError, err.Error())
}

// read pumps frames from the socket into the event loop. Control frames
// are handled by gorilla's default handlers.
func (c *conn) read() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.deliver(closedEvent(err))
			return
		}
		c.deliver(event{kind: eventMessage, msg: Message{Type: MessageType(mt), Data: data}})
	}
}

// closedEvent maps a read error onto the close reported to the handler.
// Anything but a close frame from the peer, including gorilla's own 1006
// "unexpected EOF", is an abnormal closure with no reason.
func closedEvent(err error) event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return event{kind: eventClosed, code: CloseCode(ce.Code), reason: ce.Text}
	}
	return event{kind: eventClosed, code: CloseAbnormal}
}

// write drains the send queue. A close request flushes what is already
// queued, writes the close frame and then waits for the peer's reply for at
// most the close grace period.
func (c *conn) write() {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				_ = c.ws.Close()
				return
			}
		case frame := <-c.closeReq:
			c.flush()
			c.writeClose(frame)
			return
		case <-c.done:
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) writeMessage(msg Message) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.engine.settings.WriteTimeout))
	return c.ws.WriteMessage(int(msg.Type), msg.Data)
}

func (c *conn) writeClose(frame closeFrame) {
	deadline := time.Now().Add(c.engine.settings.WriteTimeout)
	payload := websocket.FormatCloseMessage(int(frame.code), frame.reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, payload, deadline); err != nil {
		c.logger.Debug("close frame not sent", "error", err)
		_ = c.ws.Close()
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.engine.settings.CloseGrace))
}

func (c *conn) teardown() {
	close(c.done)
	c.sender.stopTimers()
	_ = c.ws.Close()
	c.engine.hub.remove(c)
	c.engine.release()
}
