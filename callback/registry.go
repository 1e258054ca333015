// Package callback holds the host callbacks shared by every connection of
// a server.
//
// A Registry has three slots (open, error, message). Slots are replaced
// and read atomically, but a slot's function is always called outside the
// registry lock: dispatches from different connections run in parallel, and
// a callback that is still running never blocks a concurrent Set. Host
// functions must therefore be safe for concurrent use.
package callback

import "sync"

// Kind selects a callback slot.
type Kind int

const (
	// Open fires once per connection after the handshake completes.
	Open Kind = iota
	// Error fires once per connection when it closes, for any reason.
	Error
	// Message fires for every non-empty text frame.
	Message

	numKinds
)

// String returns the slot name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case Open:
		return "open"
	case Error:
		return "error"
	case Message:
		return "message"
	default:
		return "unknown"
	}
}

// Func receives a NUL-terminated payload. The slice is only valid for the
// duration of the call.
type Func func(payload []byte)

// Bind returns a Func that passes ctx back to fn on every call. It is the
// typed replacement for an opaque context pointer.
func Bind[T any](ctx T, fn func(ctx T, payload []byte)) Func {
	if fn == nil {
		return nil
	}
	return func(payload []byte) {
		fn(ctx, payload)
	}
}

// Registry stores one Func per Kind.
type Registry struct {
	mu    sync.RWMutex
	slots [numKinds]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Set replaces the slot for kind. A nil fn clears it.
func (r *Registry) Set(kind Kind, fn Func) {
	if !kind.valid() {
		return
	}
	r.mu.Lock()
	r.slots[kind] = fn
	r.mu.Unlock()
}

// Get returns the current value of the slot for kind, or nil.
func (r *Registry) Get(kind Kind) Func {
	if !kind.valid() {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[kind]
}

// Invoke calls the slot for kind with payload and reports whether a
// function was present. The call happens after the lock is released.
func (r *Registry) Invoke(kind Kind, payload []byte) bool {
	fn := r.Get(kind)
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

func (k Kind) valid() bool {
	return k >= 0 && k < numKinds
}
