// boundary.go
// Go side of every export. The cgo wrappers in exports.go only convert C
// types and call in here, which keeps the handle and status rules testable
// without a C compiler in the test.

package main

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"ws-server/callback"
	"ws-server/errs"
	"ws-server/server"
)

const (
	statusOK     int32 = 0
	statusFailed int32 = -1
)

// freeTimeout bounds how long server_free waits for connections to drain.
// It exceeds the default close grace so peers that never answer the close
// frame still finish inside it.
const freeTimeout = 10 * time.Second

var handles = newHandleTable()

// status collapses err into the C status code.
func status(op string, err error) int32 {
	if err == nil {
		return statusOK
	}
	logger.Warn("call failed", "op", op, "error", err)
	return statusFailed
}

func lookup(op string, h uintptr) (*server.Server, error) {
	s, ok := handles.get(h)
	if !ok {
		return nil, errs.Invalid(errs.ErrInvalidHandle, "ffi", op)
	}
	return s, nil
}

// mustUTF8 panics when s is not valid UTF-8. Text from the host is a
// contract, not input to recover from.
func mustUTF8(op, s string) string {
	if !utf8.ValidString(s) {
		panic(errs.Invalid(errs.ErrInvalidUTF8, "ffi", op))
	}
	return s
}

// millis converts a host millisecond count, saturating instead of
// overflowing.
func millis(ms uint64) time.Duration {
	const limit = uint64(math.MaxInt64 / int64(time.Millisecond))
	if ms > limit {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

func newServer(maxConnections uint32, port uint16) uintptr {
	s := server.New(maxConnections, port, server.WithLogger(baseLogger))
	h := handles.put(s)
	logger.Debug("server created", "handle", h, "port", port, "max_connections", maxConnections)
	return h
}

func setWatchdogPeriod(h uintptr, ms uint64) {
	s, err := lookup("set_wdt_period", h)
	if err != nil {
		logger.Warn("call ignored", "error", err)
		return
	}
	s.SetWatchdogPeriod(millis(ms))
}

func listen(h uintptr) int32 {
	s, err := lookup("listen", h)
	if err != nil {
		return status("listen", err)
	}
	return status("listen", s.Listen())
}

func closeServer(h uintptr) int32 {
	s, err := lookup("close", h)
	if err != nil {
		return status("close", err)
	}
	return status("close", s.Close())
}

func broadcast(h uintptr, text string) int32 {
	s, err := lookup("broadcast", h)
	if err != nil {
		return status("broadcast", err)
	}
	return status("broadcast", s.Broadcast(text))
}

func setCallback(h uintptr, kind callback.Kind, fn callback.Func) {
	op := "set_on_" + kind.String() + "_cb"
	s, err := lookup(op, h)
	if err != nil {
		logger.Warn("call ignored", "error", err)
		return
	}
	switch kind {
	case callback.Open:
		s.SetOnOpen(fn)
	case callback.Error:
		s.SetOnError(fn)
	case callback.Message:
		s.SetOnMessage(fn)
	}
}

// freeServer releases h and shuts its server down. Calling it from inside
// one of the server's own callbacks waits for that callback's connection
// and ends in a timeout.
func freeServer(h uintptr) int32 {
	s, ok := handles.take(h)
	if !ok {
		return status("free", errs.Invalid(errs.ErrInvalidHandle, "ffi", "free"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), freeTimeout)
	defer cancel()
	return status("free", s.Shutdown(ctx))
}
