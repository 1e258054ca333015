package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ws-server/callback"
	"ws-server/errs"
)

// hostRecorder plays the host application: every callback copies its
// payload onto a channel.
type hostRecorder struct {
	opens    chan []byte
	errors   chan []byte
	messages chan []byte
}

func newHostRecorder() *hostRecorder {
	return &hostRecorder{
		opens:    make(chan []byte, 32),
		errors:   make(chan []byte, 32),
		messages: make(chan []byte, 32),
	}
}

func record(ch chan []byte) callback.Func {
	return func(payload []byte) {
		ch <- append([]byte(nil), payload...)
	}
}

func (h *hostRecorder) install(s *Server) {
	s.SetOnOpen(record(h.opens))
	s.SetOnError(record(h.errors))
	s.SetOnMessage(record(h.messages))
}

func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(3 * time.Second):
		require.FailNow(t, "callback not invoked")
		return nil
	}
}

func assertSilent(t *testing.T, ch chan []byte, d time.Duration) {
	t.Helper()
	select {
	case p := <-ch:
		assert.Failf(t, "unexpected callback", "payload %q", p)
	case <-time.After(d):
	}
}

// startServer listens on a free loopback port. configure runs before
// Listen.
func startServer(t *testing.T, maxConnections uint32, configure func(*Server), opts ...Option) (*Server, string) {
	t.Helper()

	opts = append([]Option{WithHost("127.0.0.1")}, opts...)
	s := New(maxConnections, 0, opts...)
	if configure != nil {
		configure(s)
	}
	require.NoError(t, s.Listen())
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, "ws://" + s.Addr().String() + "/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readClose(t *testing.T, ws *websocket.Conn, within time.Duration) *websocket.CloseError {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(within))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce
	}
}

func TestServer_OpenCallback(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, host.install)

	dial(t, url)
	assert.Equal(t, []byte("WS Connected\x00"), receive(t, host.opens))
}

func TestServer_WatchdogClosesSilentConnection(t *testing.T) {
	const period = 100 * time.Millisecond
	host := newHostRecorder()
	_, url := startServer(t, 10, func(s *Server) {
		host.install(s)
		s.SetWatchdogPeriod(period)
	})

	start := time.Now()
	ws := dial(t, url)
	receive(t, host.opens)

	ce := readClose(t, ws, 3*time.Second)
	elapsed := time.Since(start)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "Timeout", ce.Text)
	assert.GreaterOrEqual(t, elapsed, period)
	assert.Less(t, elapsed, 10*period)

	assert.Equal(t, []byte("Timeout\x00"), receive(t, host.errors))
	assertSilent(t, host.errors, 3*period)
}

func TestServer_WatchdogReportsNonReadingPeerAfterGrace(t *testing.T) {
	const (
		period = 100 * time.Millisecond
		grace  = 200 * time.Millisecond
	)
	host := newHostRecorder()
	_, url := startServer(t, 10, func(s *Server) {
		host.install(s)
		s.SetWatchdogPeriod(period)
	}, WithCloseGrace(grace))

	// The client never reads, so the close frame is never answered.
	start := time.Now()
	dial(t, url)
	receive(t, host.opens)

	assert.Equal(t, []byte("Timeout\x00"), receive(t, host.errors))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, period+grace)
	assert.Less(t, elapsed, period+grace+time.Second)
}

func TestServer_AbruptDisconnectReportsEmptyReason(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, host.install)

	ws := dial(t, url)
	receive(t, host.opens)

	require.NoError(t, ws.UnderlyingConn().Close())
	assert.Equal(t, []byte("\x00"), receive(t, host.errors))
}

func TestServer_WatchdogSparesActiveConnection(t *testing.T) {
	const period = 200 * time.Millisecond
	host := newHostRecorder()
	_, url := startServer(t, 10, func(s *Server) {
		host.install(s)
		s.SetWatchdogPeriod(period)
	})

	ws := dial(t, url)
	receive(t, host.opens)

	deadline := time.Now().Add(4 * period)
	for time.Now().Before(deadline) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("tick")))
		assert.Equal(t, []byte("tick\n\x00"), receive(t, host.messages))
		time.Sleep(period / 4)
	}
	select {
	case p := <-host.errors:
		require.Failf(t, "active connection closed", "reason %q", p)
	default:
	}

	// Once the client falls silent the next full period closes it.
	ce := readClose(t, ws, 3*time.Second)
	assert.Equal(t, "Timeout", ce.Text)
	assert.Equal(t, []byte("Timeout\x00"), receive(t, host.errors))
}

func TestServer_WatchdogDisabled(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, func(s *Server) {
		host.install(s)
		s.SetWatchdogPeriod(0)
	})

	dial(t, url)
	receive(t, host.opens)
	assertSilent(t, host.errors, 300*time.Millisecond)
}

func TestServer_MessageNormalization(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, host.install)

	ws := dial(t, url)
	receive(t, host.opens)

	tests := []struct {
		sent string
		want string
	}{
		{"hello", "hello\n\x00"},
		{"hello\n", "hello\n\x00"},
		{"a\nb", "a\nb\n\x00"},
		{"ünïcode", "ünïcode\n\x00"},
	}
	for _, tt := range tests {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tt.sent)))
		assert.Equal(t, []byte(tt.want), receive(t, host.messages), "sent %q", tt.sent)
	}
}

func TestServer_EmptyTextIsDropped(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, host.install)

	ws := dial(t, url)
	receive(t, host.opens)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, nil))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("after")))

	// Per-connection ordering means the first callback is the second frame.
	assert.Equal(t, []byte("after\n\x00"), receive(t, host.messages))
}

func TestServer_NonTextGetsErrorReply(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, host.install)

	ws := dial(t, url)
	receive(t, host.opens)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `{"ws_error":"Invalid WS Message Type"}`, string(data))
	assertSilent(t, host.messages, 100*time.Millisecond)
}

func TestServer_BroadcastReachesAllConnections(t *testing.T) {
	host := newHostRecorder()
	s, url := startServer(t, 10, host.install)

	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = dial(t, url)
		receive(t, host.opens)
	}
	assert.Equal(t, 3, s.ConnectionCount())

	require.NoError(t, s.Broadcast("ping"))
	for _, ws := range clients {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, "ping", string(data))
	}
}

func TestServer_CloseClosesEveryConnection(t *testing.T) {
	host := newHostRecorder()
	s, url := startServer(t, 10, host.install)

	a := dial(t, url)
	b := dial(t, url)
	receive(t, host.opens)
	receive(t, host.opens)

	require.NoError(t, s.Close())
	for _, ws := range []*websocket.Conn{a, b} {
		ce := readClose(t, ws, 2*time.Second)
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	}
	assert.Equal(t, []byte("\x00"), receive(t, host.errors))
	assert.Equal(t, []byte("\x00"), receive(t, host.errors))
}

func TestServer_PeerCloseReasonReachesErrorCallback(t *testing.T) {
	host := newHostRecorder()
	_, url := startServer(t, 10, host.install)

	ws := dial(t, url)
	receive(t, host.opens)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client done")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	assert.Equal(t, []byte("client done\x00"), receive(t, host.errors))
}

func TestServer_OperationsBeforeListen(t *testing.T) {
	s := New(10, 0)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Broadcast("nobody"))
	assert.Nil(t, s.Addr())
	assert.Equal(t, 0, s.ConnectionCount())
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_ListenTwice(t *testing.T) {
	s, _ := startServer(t, 10, nil)
	assert.ErrorIs(t, s.Listen(), errs.ErrAlreadyListening)
}

func TestServer_WatchdogPeriodFrozenAtListen(t *testing.T) {
	s := New(10, 0)
	assert.Equal(t, DefaultWatchdogPeriod, s.Config().WatchdogPeriod)

	s.SetWatchdogPeriod(time.Second)
	assert.Equal(t, time.Second, s.Config().WatchdogPeriod)

	s, _ = startServer(t, 10, func(s *Server) { s.SetWatchdogPeriod(2 * time.Second) })
	s.SetWatchdogPeriod(time.Millisecond)
	assert.Equal(t, 2*time.Second, s.Config().WatchdogPeriod)
}

func TestServer_ListenRejectsInvalidConfig(t *testing.T) {
	s := New(10, 0, WithHost("not a host"))
	err := s.Listen()
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
}

func TestServer_BindFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	fatal := make(chan error, 1)
	s := New(10, uint16(port), WithHost("127.0.0.1"), WithFatalHandler(func(err error) {
		fatal <- err
	}))
	require.NoError(t, s.Listen())

	select {
	case err := <-fatal:
		assert.True(t, errs.IsFatal(err))
		assert.ErrorIs(t, err, errs.ErrBindFailed)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "fatal handler not called")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	host := newHostRecorder()
	s, url := startServer(t, 1, host.install, WithRegistry(reg))

	dial(t, url)
	receive(t, host.opens)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.connectionsRefused))
}

// The in-flight dispatch on one connection keeps the function it read;
// the next event anywhere uses the replacement.
func TestServer_ReplaceCallbackWhileInFlight(t *testing.T) {
	host := newHostRecorder()
	s, url := startServer(t, 10, host.install)

	entered := make(chan struct{})
	release := make(chan struct{})
	oldGot := make(chan []byte, 1)
	var once sync.Once
	s.SetOnMessage(func(p []byte) {
		once.Do(func() { close(entered) })
		<-release
		oldGot <- append([]byte(nil), p...)
	})

	a := dial(t, url)
	b := dial(t, url)
	receive(t, host.opens)
	receive(t, host.opens)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("old")))
	<-entered

	newGot := make(chan []byte, 1)
	s.SetOnMessage(record(newGot))

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("new")))
	assert.Equal(t, []byte("new\n\x00"), receive(t, newGot))

	close(release)
	assert.Equal(t, []byte("old\n\x00"), receive(t, oldGot))
}

func TestServer_SlowCallbackOnlyStallsItsConnection(t *testing.T) {
	host := newHostRecorder()
	s, url := startServer(t, 10, host.install)

	release := make(chan struct{})
	defer close(release)
	s.SetOnMessage(func(p []byte) {
		if callback.Text(p) == "block\n" {
			<-release
			return
		}
		host.messages <- append([]byte(nil), p...)
	})

	a := dial(t, url)
	b := dial(t, url)
	receive(t, host.opens)
	receive(t, host.opens)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("block")))
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("free")))
	assert.Equal(t, []byte("free\n\x00"), receive(t, host.messages))
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	host := newHostRecorder()
	s, url := startServer(t, 10, func(s *Server) {
		host.install(s)
		s.SetWatchdogPeriod(100 * time.Millisecond)
	}, WithRegistry(reg), WithCloseGrace(200*time.Millisecond))

	ws := dial(t, url)
	receive(t, host.opens)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("m")))
	receive(t, host.messages)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1}))
	require.NoError(t, s.Broadcast("b"))

	// Reading answers the watchdog's close frame.
	assert.Equal(t, "Timeout", readClose(t, ws, 3*time.Second).Text)
	assert.Equal(t, []byte("Timeout\x00"), receive(t, host.errors))

	m := s.metrics
	// The callback counter is bumped after the host function returns.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.callbacksTotal.WithLabelValues("error")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectionsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.disconnectionsTotal.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesReceived.WithLabelValues("text")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesReceived.WithLabelValues("binary")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callbacksTotal.WithLabelValues("open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callbacksTotal.WithLabelValues("message")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callbacksTotal.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.broadcastsTotal))

	count, err := testutil.GatherAndCount(reg, "ws_server_callback_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestServer_NilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.connectionOpened()
	m.connectionClosed("Timeout")
	m.connectionRefused()
	m.broadcast()
	m.callbackInvoked(callback.Open, time.Millisecond)
}
