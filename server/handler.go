package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ws-server/callback"
	"ws-server/engine"
)

const (
	// watchdogToken keys the idle timer of a connection.
	watchdogToken engine.Token = 1

	openPayload   = "WS Connected"
	timeoutReason = "Timeout"
)

// invalidTypeReply is sent back for every non-text message.
const invalidTypeReply = `{"ws_error":"Invalid WS Message Type"}`

// ConnectionHandler drives one connection: it runs the idle watchdog and
// forwards events to the shared callback registry.
//
// The watchdog arms a timer for one period on open. When it fires and no
// message arrived during the elapsed period the connection is closed with
// reason "Timeout"; otherwise the idle flag is reset and the timer rearmed.
// A connection is therefore dropped once it has been silent for one full
// period.
//
// All methods run on the connection's event loop; the handler owns its
// state without locking.
type ConnectionHandler struct {
	sender             *engine.Sender
	registry           *callback.Registry
	watchdogPeriod     time.Duration
	idleSinceLastCheck bool

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

var _ engine.Handler = (*ConnectionHandler)(nil)

// OnOpen reports the connection to the open callback and arms the
// watchdog.
func (h *ConnectionHandler) OnOpen() error {
	h.metrics.connectionOpened()
	h.dispatch(callback.Open, callback.CString(openPayload))

	h.idleSinceLastCheck = true
	if h.watchdogPeriod <= 0 {
		return nil
	}
	return h.sender.Timeout(h.watchdogPeriod, watchdogToken)
}

// OnMessage forwards non-empty text to the message callback and answers
// any other message type with an error reply.
func (h *ConnectionHandler) OnMessage(msg engine.Message) error {
	h.metrics.messageReceived(msg.Type)
	h.idleSinceLastCheck = false

	if !msg.IsText() {
		h.logger.Debug("rejecting non-text message", "type", msg.Type.String())
		return h.sender.Send(engine.Text(invalidTypeReply))
	}
	if len(msg.Data) == 0 {
		return nil
	}
	h.dispatch(callback.Message, callback.NormalizeMessage(msg.Data))
	return nil
}

// OnTimeout runs one watchdog check.
func (h *ConnectionHandler) OnTimeout(token engine.Token) error {
	if token != watchdogToken {
		return nil
	}
	if h.idleSinceLastCheck {
		h.logger.Info("watchdog expired", "period", h.watchdogPeriod)
		return h.sender.CloseWithReason(engine.CloseAway, timeoutReason)
	}
	h.idleSinceLastCheck = true
	return h.sender.Timeout(h.watchdogPeriod, watchdogToken)
}

// OnClose reports the close reason to the error callback.
func (h *ConnectionHandler) OnClose(code engine.CloseCode, reason string) {
	h.metrics.connectionClosed(reason)
	h.logger.Debug("dispatching close", "code", int(code), "reason", reason)
	h.dispatch(callback.Error, callback.CString(reason))
}

// dispatch invokes the slot for kind synchronously on this connection's
// event loop.
func (h *ConnectionHandler) dispatch(kind callback.Kind, payload []byte) {
	_, span := h.tracer.Start(context.Background(), "callback."+kind.String(),
		trace.WithAttributes(attribute.String("ws.conn_id", h.sender.ID())))
	defer span.End()

	start := time.Now()
	if !h.registry.Invoke(kind, payload) {
		return
	}
	h.metrics.callbackInvoked(kind, time.Since(start))
}
