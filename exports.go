package main

/*
#include <stdlib.h>
#include "ws_server_types.h"
*/
import "C"

import (
	"sync"
	"unsafe"

	"ws-server/callback"
)

var (
	versionOnce sync.Once
	versionStr  *C.char
)

// server_version returns the library version. The buffer is allocated on
// first use and lives for the rest of the process.
//
//export server_version
func server_version() *C.char {
	versionOnce.Do(func() {
		versionStr = C.CString(version)
	})
	return versionStr
}

// server_new creates a server; no socket is opened until server_listen.
//
//export server_new
func server_new(maxConnections C.uint32_t, port C.uint16_t) C.ws_server_t {
	return C.ws_server_t(newServer(uint32(maxConnections), uint16(port)))
}

// server_set_wdt_period sets the watchdog period in milliseconds. It only
// takes effect before server_listen.
//
//export server_set_wdt_period
func server_set_wdt_period(h C.ws_server_t, ms C.uint64_t) {
	setWatchdogPeriod(uintptr(h), uint64(ms))
}

//export server_listen
func server_listen(h C.ws_server_t) C.int32_t {
	return C.int32_t(listen(uintptr(h)))
}

//export server_close
func server_close(h C.ws_server_t) C.int32_t {
	return C.int32_t(closeServer(uintptr(h)))
}

// server_broadcaster sends msg to every connected client. msg must be a
// non-NULL UTF-8 string.
//
//export server_broadcaster
func server_broadcaster(h C.ws_server_t, msg *C.char) C.int32_t {
	text := goString("broadcast", msg)
	return C.int32_t(broadcast(uintptr(h), text))
}

//export server_set_on_open_cb
func server_set_on_open_cb(h C.ws_server_t, pointer unsafe.Pointer, cb C.ws_callback) {
	setCallback(uintptr(h), callback.Open, hostCallback(pointer, cb))
}

//export server_set_on_error_cb
func server_set_on_error_cb(h C.ws_server_t, pointer unsafe.Pointer, cb C.ws_callback) {
	setCallback(uintptr(h), callback.Error, hostCallback(pointer, cb))
}

//export server_set_on_message_cb
func server_set_on_message_cb(h C.ws_server_t, pointer unsafe.Pointer, cb C.ws_callback) {
	setCallback(uintptr(h), callback.Message, hostCallback(pointer, cb))
}

// server_free shuts the server down and invalidates h. It must not be
// called from one of the server's callbacks.
//
//export server_free
func server_free(h C.ws_server_t) C.int32_t {
	return C.int32_t(freeServer(uintptr(h)))
}

// hostCallback wraps a C function pointer and its context. Each payload is
// copied into C memory that is freed once cb returns. A NULL cb clears the
// slot.
func hostCallback(pointer unsafe.Pointer, cb C.ws_callback) callback.Func {
	if cb == nil {
		return nil
	}
	return callback.Bind(pointer, func(pointer unsafe.Pointer, payload []byte) {
		str := C.CBytes(payload)
		defer C.free(str)
		C.ws_server_invoke(cb, pointer, (*C.char)(str))
	})
}

func goString(op string, p *C.char) string {
	if p == nil {
		panic("ffi: " + op + ": NULL string")
	}
	return mustUTF8(op, C.GoString(p))
}
