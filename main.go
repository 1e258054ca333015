// main.go
// The root package is the C boundary of the WebSocket server. It is built
// with -buildmode=c-shared (or c-archive) and exports the server_* symbols
// declared in the generated header; a host links against it and never sees
// a Go pointer, only ws_server_t handles.
//
//	go build -buildmode=c-shared -o libws_server.so .
//
// main is required by the build mode and never runs.

package main

import (
	"log/slog"
	"os"
	"strings"
)

// version is reported by server_version. Release builds set it with
// -ldflags "-X main.version=...".
var version = "0.1.0"

// logLevelEnv selects the level of the library's stderr logger.
const logLevelEnv = "WS_SERVER_LOG_LEVEL"

var (
	// baseLogger is handed to every server created through the boundary.
	baseLogger = newLogger(os.Getenv(logLevelEnv))
	logger     = baseLogger.With("component", "ffi")
)

// newLogger returns a text logger on stderr. An embedded library stays
// quiet by default, so an empty or unknown level means warn.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func main() {}
