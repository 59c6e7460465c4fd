package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/resilience"
)

type fakeTimer struct {
	stopped atomic.Bool
}

func (f *fakeTimer) Stop() bool {
	return !f.stopped.Swap(true)
}

// fakeClock records scheduled delays. When fire is set the callback runs
// immediately on its own goroutine; otherwise it is held in pending.
type fakeClock struct {
	mu      sync.Mutex
	fire    bool
	delays  []time.Duration
	pending []func()
	timers  []*fakeTimer
}

func (c *fakeClock) after(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{}
	c.delays = append(c.delays, d)
	c.timers = append(c.timers, timer)
	if c.fire {
		go fn()
	} else {
		c.pending = append(c.pending, fn)
	}
	return timer
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func newStreamServer(t *testing.T, handle func(n int32, conn *websocket.Conn)) (*httptest.Server, string, *atomic.Int32) {
	t.Helper()

	var count atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(count.Add(1), conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http"), &count
}

// holdOpen keeps a server connection open until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestManager(url string, clock *fakeClock) *Manager {
	m := New(Config{URL: url, Policy: resilience.DefaultReconnectPolicy()}, zerolog.Nop())
	m.after = clock.after
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func receive(t *testing.T, ch <-chan InboundMessage) InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for inbound message")
		return InboundMessage{}
	}
}

func TestConnectDeliversMessagesInOrder(t *testing.T) {
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"partial_transcript","data":"hel"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"final_transcript","data":"hello"}`))
		holdOpen(conn)
	})
	defer srv.Close()

	m := newTestManager(url, &fakeClock{})
	defer m.Disconnect()

	first, cancelFirst := m.Subscribe()
	defer cancelFirst()
	second, cancelSecond := m.Subscribe()
	defer cancelSecond()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("Expected Connected, got %s", m.State())
	}

	want := []InboundType{InboundConnected, InboundPartial, InboundFinal}
	for _, ch := range []<-chan InboundMessage{first, second} {
		for i, typ := range want {
			msg := receive(t, ch)
			if msg.Type != typ {
				t.Errorf("Message %d: expected %s, got %s", i, typ, msg.Type)
			}
		}
	}

	status := m.Status()
	if status.LastMessage == nil || status.LastMessage.Text() != "hello" {
		t.Errorf("Expected last message to be the final transcript, got %+v", status.LastMessage)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv, url, count := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		holdOpen(conn)
	})
	defer srv.Close()

	m := newTestManager(url, &fakeClock{})
	defer m.Disconnect()

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
	}
	id := m.ConnectionID()
	if id == 0 {
		t.Fatal("Expected a connection id while connected")
	}
	if err := m.Connect(context.Background()); err != nil || m.ConnectionID() != id {
		t.Errorf("Expected repeated Connect to keep connection %d, got %d (err %v)", id, m.ConnectionID(), err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("Expected 1 connection, got %d", got)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws/transcribe", &fakeClock{})

	err := m.Send(AudioChunk([]byte("audio")))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}

	status := m.Status()
	if status.Connected {
		t.Error("Expected Connected to be false")
	}
	if status.LastError != "not connected" {
		t.Errorf("Expected last error 'not connected', got %q", status.LastError)
	}
}

func TestSendAudioChunk(t *testing.T) {
	received := make(chan []byte, 1)
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		holdOpen(conn)
	})
	defer srv.Close()

	m := newTestManager(url, &fakeClock{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Send(AudioChunk([]byte("chunk-1"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-received:
		var wire map[string]string
		if err := json.Unmarshal(data, &wire); err != nil {
			t.Fatalf("Server received invalid JSON: %v", err)
		}
		if wire["type"] != "audio_chunk" {
			t.Errorf("Expected audio_chunk, got %s", wire["type"])
		}
		if wire["data"] != "Y2h1bmstMQ==" {
			t.Errorf("Expected base64 payload, got %s", wire["data"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server never received the chunk")
	}
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		conn.WriteMessage(websocket.CloseMessage, msg)
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	clock := &fakeClock{fire: true}
	m := newTestManager(url, clock)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "disconnected state", func() bool { return m.State() == StateDisconnected })
	if delays := clock.scheduled(); len(delays) != 0 {
		t.Errorf("Expected no reconnect after normal closure, got %v", delays)
	}
}

func TestAbnormalClosureReconnects(t *testing.T) {
	srv, url, count := newStreamServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			// Drop the first connection without a close frame.
			return
		}
		holdOpen(conn)
	})
	defer srv.Close()

	clock := &fakeClock{fire: true}
	m := newTestManager(url, clock)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "second connection", func() bool { return count.Load() == 2 && m.IsConnected() })

	delays := clock.scheduled()
	if len(delays) != 1 || delays[0] != time.Second {
		t.Errorf("Expected a single 1s reconnect delay, got %v", delays)
	}
	if status := m.Status(); status.Attempts != 0 {
		t.Errorf("Expected attempts to reset on Connected, got %d", status.Attempts)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	clock := &fakeClock{fire: true}
	m := newTestManager("ws://unused", clock)

	var dials atomic.Int32
	m.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Expected initial connect to fail")
	}

	waitFor(t, "exhaustion", func() bool {
		return m.State() == StateDisconnected && errors.Is(m.LastError(), ErrReconnectExhausted)
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := clock.scheduled()
	if len(got) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if n := dials.Load(); n != 6 {
		t.Errorf("Expected 1 initial dial plus 5 reconnects, got %d", n)
	}
	if m.Status().Connected {
		t.Error("Expected Connected to be false after exhaustion")
	}
}

func TestReconnectSucceedsBeforeCeiling(t *testing.T) {
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		holdOpen(conn)
	})
	defer srv.Close()

	clock := &fakeClock{fire: true}
	m := newTestManager(url, clock)
	defer m.Disconnect()

	realDial := m.dial
	var dials atomic.Int32
	m.dial = func(ctx context.Context, u string, header http.Header) (*websocket.Conn, error) {
		if dials.Add(1) <= 3 {
			return nil, errors.New("connection refused")
		}
		return realDial(ctx, u, header)
	}

	_ = m.Connect(context.Background())
	waitFor(t, "connected", m.IsConnected)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := clock.scheduled()
	if len(got) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if m.LastError() != nil {
		t.Errorf("Expected last error cleared on connect, got %v", m.LastError())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	clock := &fakeClock{}
	m := newTestManager("ws://unused", clock)

	var dials atomic.Int32
	m.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	_ = m.Connect(context.Background())
	if m.State() != StateReconnecting {
		t.Fatalf("Expected Reconnecting, got %s", m.State())
	}

	m.Disconnect()

	if m.State() != StateDisconnected {
		t.Errorf("Expected Disconnected, got %s", m.State())
	}
	m.mu.Lock()
	pending := m.timer
	m.mu.Unlock()
	if pending != nil {
		t.Error("Expected no pending reconnect timer")
	}
	if !clock.timers[0].stopped.Load() {
		t.Error("Expected reconnect timer to be stopped")
	}

	// A timer that fired anyway must not resurrect the connection.
	clock.pending[0]()
	if m.State() != StateDisconnected {
		t.Errorf("Expected Disconnected after stale timer, got %s", m.State())
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("Expected no dial after disconnect, got %d dials", n)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		holdOpen(conn)
	})
	defer srv.Close()

	m := newTestManager(url, &fakeClock{})
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("Expected Disconnected, got %s", m.State())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Errorf("Expected Disconnected, got %s", m.State())
	}
	if id := m.ConnectionID(); id != 0 {
		t.Errorf("Expected no connection id after disconnect, got %d", id)
	}
	if err := m.Send(StopMessage()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestDisconnectWhileConnecting(t *testing.T) {
	clock := &fakeClock{}
	m := newTestManager("ws://unused", clock)

	dialing := make(chan struct{})
	m.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	result := make(chan error, 1)
	go func() {
		result <- m.Connect(context.Background())
	}()

	<-dialing
	if m.State() != StateConnecting {
		t.Fatalf("Expected Connecting, got %s", m.State())
	}
	m.Disconnect()

	select {
	case err := <-result:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Expected ErrDisconnected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for Connect to return")
	}

	if m.State() != StateDisconnected {
		t.Errorf("Expected Disconnected, got %s", m.State())
	}
	if got := clock.scheduled(); len(got) != 0 {
		t.Errorf("Expected no reconnect timers, got %v", got)
	}
}

func TestDisconnectDiscardsLateDial(t *testing.T) {
	serverDone := make(chan struct{})
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		holdOpen(conn)
		close(serverDone)
	})
	defer srv.Close()

	clock := &fakeClock{}
	m := newTestManager(url, clock)

	dialed := make(chan struct{})
	release := make(chan struct{})
	m.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		close(dialed)
		<-release
		return conn, err
	}

	result := make(chan error, 1)
	go func() {
		result <- m.Connect(context.Background())
	}()

	<-dialed
	m.Disconnect()
	close(release)

	select {
	case err := <-result:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Expected ErrDisconnected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for Connect to return")
	}

	if m.State() != StateDisconnected {
		t.Errorf("Expected Disconnected, got %s", m.State())
	}
	if m.IsConnected() {
		t.Error("Expected late connection to be discarded")
	}
	if got := clock.scheduled(); len(got) != 0 {
		t.Errorf("Expected no reconnect timers, got %v", got)
	}

	select {
	case <-serverDone:
	case <-time.After(3 * time.Second):
		t.Error("Expected the late connection to be closed")
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	srv, url, count := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"partial_transcript","data":"still here"}`))
		holdOpen(conn)
	})
	defer srv.Close()

	clock := &fakeClock{fire: true}
	m := newTestManager(url, clock)
	defer m.Disconnect()

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := receive(t, ch)
	if msg.Type != InboundPartial {
		t.Errorf("Expected the partial transcript, got %s", msg.Type)
	}
	if !m.IsConnected() {
		t.Errorf("Expected connection to survive, got %s", m.State())
	}
	if !errors.Is(m.LastError(), ErrMalformedMessage) {
		t.Errorf("Expected malformed message error, got %v", m.LastError())
	}
	if count.Load() != 1 || len(clock.scheduled()) != 0 {
		t.Error("Expected no reconnect for a malformed message")
	}
}

func TestErrorMessageSetsLastError(t *testing.T) {
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":"quota exceeded"}`))
		holdOpen(conn)
	})
	defer srv.Close()

	m := newTestManager(url, &fakeClock{})
	defer m.Disconnect()

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := receive(t, ch)
	if msg.Type != InboundError {
		t.Fatalf("Expected error message, got %s", msg.Type)
	}

	status := m.Status()
	if status.LastError != "quota exceeded" {
		t.Errorf("Expected last error 'quota exceeded', got %q", status.LastError)
	}
	if status.State != StateConnected {
		t.Errorf("Expected state unchanged, got %s", status.State)
	}
}

func TestCancelledSubscriberDoesNotBlock(t *testing.T) {
	srv, url, _ := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		for i := 0; i < subscriberBuffer+10; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"partial_transcript","data":"x"}`))
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"final_transcript","data":"end"}`))
		holdOpen(conn)
	})
	defer srv.Close()

	m := newTestManager(url, &fakeClock{})
	defer m.Disconnect()

	_, cancelIdle := m.Subscribe()
	cancelIdle()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "final transcript", func() bool {
		status := m.Status()
		return status.LastMessage != nil && status.LastMessage.Type == InboundFinal
	})
}
