package engine

// Handler receives the events of one connection. All methods are called
// from that connection's event loop, one at a time and in order, so a
// Handler needs no locking for its own state.
//
// An error returned from OnOpen, OnMessage or OnTimeout closes the
// connection with CloseError and the error text as reason; it is reported
// back through OnClose like any other closure.
type Handler interface {
	OnOpen() error
	OnMessage(msg Message) error
	OnTimeout(token Token) error
	OnClose(code CloseCode, reason string)
}

// Factory builds the Handler for a freshly upgraded connection.
type Factory func(out *Sender) Handler
