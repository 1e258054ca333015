package main

import (
	"sync"

	"ws-server/server"
)

// handleTable maps the ws_server_t values given to the host onto servers.
// Handle 0 is never issued, so a zeroed host variable is always invalid.
type handleTable struct {
	mu      sync.RWMutex
	next    uintptr
	servers map[uintptr]*server.Server
}

func newHandleTable() *handleTable {
	return &handleTable{servers: make(map[uintptr]*server.Server)}
}

// put stores s under a fresh handle.
func (t *handleTable) put(s *server.Server) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.servers[t.next] = s
	return t.next
}

// get returns the server for h and leaves it in the table.
func (t *handleTable) get(h uintptr) (*server.Server, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.servers[h]
	return s, ok
}

// take removes h and returns the server it referred to.
func (t *handleTable) take(h uintptr) (*server.Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.servers[h]
	if ok {
		delete(t.servers, h)
	}
	return s, ok
}

func (t *handleTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.servers)
}
