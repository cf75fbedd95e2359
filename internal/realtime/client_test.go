package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/manoslocales/fieldclient/internal/config"
	"github.com/manoslocales/fieldclient/internal/domain"
)

// ----- Fake socket -----

type fakeSocket struct {
	incoming chan []byte

	mu      sync.Mutex
	written []frame
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{incoming: make(chan []byte, 16)}
}

func (s *fakeSocket) push(f frame) {
	b, _ := json.Marshal(f)
	s.incoming <- b
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	b, ok := <-s.incoming
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, b, nil
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.incoming)
	}
	return nil
}

func (s *fakeSocket) frames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame, len(s.written))
	copy(out, s.written)
	return out
}

func (s *fakeSocket) framesOf(event string) []frame {
	var out []frame
	for _, f := range s.frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// ----- Fake authorizer -----

type fakeAuth struct {
	mu       sync.Mutex
	calls    []string
	err      error
	signWith string
}

func (a *fakeAuth) BroadcastAuth(_ context.Context, socketID, channel string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, socketID+"|"+channel)
	if a.err != nil {
		return "", a.err
	}
	return a.signWith, nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// ----- Helpers -----

func handshake(sock *fakeSocket) {
	sock.push(frame{
		Event: eventEstablished,
		Data:  json.RawMessage(`"{\"socket_id\":\"12.34\"}"`),
	})
}

// withFakeDial swaps the dial seam for the test's duration.
func withFakeDial(t *testing.T, dial func(url string) (Socket, error)) {
	t.Helper()
	orig := dialSocket
	dialSocket = dial
	t.Cleanup(func() { dialSocket = orig })
}

func newConnected(t *testing.T, auth Authorizer) (*Client, *Connection, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	handshake(sock)
	withFakeDial(t, func(string) (Socket, error) { return sock, nil })

	c := NewClient(config.RealtimeConfig{AppKey: "k", Cluster: "us2"}, auth, zerolog.Nop())
	c.retry = rate.NewLimiter(rate.Inf, 1)
	conn := c.GetConnection(context.Background())
	if conn == nil {
		t.Fatalf("expected connection")
	}
	return c, conn, sock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ----- Tests -----

func TestGetConnection_NilWithoutAppKey(t *testing.T) {
	c := NewClient(config.RealtimeConfig{}, nil, zerolog.Nop())
	if conn := c.GetConnection(context.Background()); conn != nil {
		t.Fatalf("expected nil connection without app key")
	}
	// And again: repeated calls stay nil, no panic, no spam.
	if conn := c.GetConnection(context.Background()); conn != nil {
		t.Fatalf("expected nil on second call too")
	}
}

func TestGetConnection_NilOnDialError(t *testing.T) {
	withFakeDial(t, func(string) (Socket, error) { return nil, errors.New("refused") })
	c := NewClient(config.RealtimeConfig{AppKey: "k"}, nil, zerolog.Nop())
	if conn := c.GetConnection(context.Background()); conn != nil {
		t.Fatalf("expected nil connection on dial error")
	}
}

func TestGetConnection_HandshakeCapturesSocketID(t *testing.T) {
	_, conn, _ := newConnected(t, nil)
	if conn.SocketID() != "12.34" {
		t.Fatalf("socket id = %q; want 12.34", conn.SocketID())
	}
}

func TestGetConnection_ReturnsSameConnection(t *testing.T) {
	c, conn, _ := newConnected(t, nil)
	if again := c.GetConnection(context.Background()); again != conn {
		t.Fatalf("expected the shared connection handle")
	}
}

func TestSubscribePrivate_Idempotent(t *testing.T) {
	auth := &fakeAuth{signWith: "k:sig"}
	_, conn, sock := newConnected(t, auth)

	ch1, err := conn.SubscribePrivate(context.Background(), "chat.7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := conn.SubscribePrivate(context.Background(), "chat.7")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if ch1 != ch2 {
		t.Fatalf("expected the same channel handle")
	}
	if got := len(sock.framesOf(eventSubscribe)); got != 1 {
		t.Fatalf("subscribe frames = %d; want 1", got)
	}
	if auth.callCount() != 1 {
		t.Fatalf("auth calls = %d; want 1", auth.callCount())
	}

	var sub struct {
		Channel string `json:"channel"`
		Auth    string `json:"auth"`
	}
	json.Unmarshal(sock.framesOf(eventSubscribe)[0].Data, &sub)
	if sub.Channel != "private-chat.7" || sub.Auth != "k:sig" {
		t.Fatalf("subscribe payload = %+v", sub)
	}
}

func TestSubscribePrivate_AuthRejected(t *testing.T) {
	auth := &fakeAuth{err: errors.New("expired token")}
	_, conn, sock := newConnected(t, auth)

	if _, err := conn.SubscribePrivate(context.Background(), "chat.7"); err == nil {
		t.Fatalf("expected auth error")
	}
	if conn.Subscribed("chat.7") {
		t.Fatalf("rejected channel must not be tracked")
	}
	if got := len(sock.framesOf(eventSubscribe)); got != 0 {
		t.Fatalf("no subscribe frame expected, got %d", got)
	}
}

func TestSubscribePublic_NoAuth(t *testing.T) {
	_, conn, sock := newConnected(t, nil)
	if _, err := conn.SubscribePublic(context.Background(), "workers"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var sub struct {
		Channel string `json:"channel"`
		Auth    string `json:"auth"`
	}
	json.Unmarshal(sock.framesOf(eventSubscribe)[0].Data, &sub)
	if sub.Channel != "workers" || sub.Auth != "" {
		t.Fatalf("subscribe payload = %+v", sub)
	}
}

func TestLeave_NeverJoinedIsNoop(t *testing.T) {
	_, conn, sock := newConnected(t, nil)
	conn.Leave("chat.404")
	if got := len(sock.framesOf(eventUnsubscribe)); got != 0 {
		t.Fatalf("unexpected unsubscribe frames: %d", got)
	}
}

func TestLeave_SendsUnsubscribe(t *testing.T) {
	_, conn, sock := newConnected(t, nil)
	conn.SubscribePublic(context.Background(), "workers")
	conn.Leave("workers")
	if conn.Subscribed("workers") {
		t.Fatalf("channel still tracked after leave")
	}
	if got := len(sock.framesOf(eventUnsubscribe)); got != 1 {
		t.Fatalf("unsubscribe frames = %d; want 1", got)
	}
}

func TestWhisper_OnlyOnJoinedChannels(t *testing.T) {
	auth := &fakeAuth{signWith: "k:sig"}
	_, conn, sock := newConnected(t, auth)

	conn.Whisper("chat.7", domain.EventTyping, domain.TypingSignal{UserID: 5})
	if got := len(sock.framesOf(domain.EventTyping)); got != 0 {
		t.Fatalf("whisper before join must be dropped, got %d frames", got)
	}

	conn.SubscribePrivate(context.Background(), "chat.7")
	conn.Whisper("chat.7", domain.EventTyping, domain.TypingSignal{UserID: 5})
	frames := sock.framesOf(domain.EventTyping)
	if len(frames) != 1 {
		t.Fatalf("whisper frames = %d; want 1", len(frames))
	}
	if frames[0].Channel != "private-chat.7" {
		t.Fatalf("whisper channel = %q", frames[0].Channel)
	}
	var sig domain.TypingSignal
	json.Unmarshal(frames[0].Data, &sig)
	if sig.UserID != 5 {
		t.Fatalf("whisper payload = %+v", sig)
	}
}

func TestDispatch_DeliversValidatedEnvelope(t *testing.T) {
	auth := &fakeAuth{signWith: "k:sig"}
	_, conn, sock := newConnected(t, auth)

	ch, _ := conn.SubscribePrivate(context.Background(), "chat.99")

	var mu sync.Mutex
	var got []domain.Envelope
	ch.Bind(domain.EventMessageNew, func(env domain.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	// Server events arrive with double-encoded data on the wire channel name.
	sock.push(frame{
		Event:   domain.EventMessageNew,
		Channel: "private-chat.99",
		Data:    json.RawMessage(`"{\"id\":2,\"sender_id\":5,\"body\":\"buenas\",\"type\":\"text\",\"created_at\":\"2025-03-01T12:01:00Z\"}"`),
	})

	waitFor(t, "message dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Channel != "chat.99" || got[0].Event != domain.EventMessageNew {
		t.Fatalf("envelope = %+v", got[0])
	}
	msg, err := got[0].Message()
	if err != nil || msg.ID != 2 {
		t.Fatalf("payload: msg=%+v err=%v", msg, err)
	}
}

func TestDispatch_DropsMalformedAndUnknown(t *testing.T) {
	_, conn, sock := newConnected(t, nil)
	ch, _ := conn.SubscribePublic(context.Background(), "workers")

	var mu sync.Mutex
	calls := 0
	ch.Bind("", func(domain.Envelope) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	sock.incoming <- []byte("not json")
	sock.push(frame{Event: "worker.updated"}) // no channel
	sock.push(frame{Event: "message.new", Channel: "private-chat.1"}) // never joined
	sock.push(frame{Event: domain.EventWorkerUpdated, Channel: "workers", Data: json.RawMessage(`{"worker_id":3,"is_active":true}`)})

	waitFor(t, "surviving event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
}

func TestReconnect_ReplaysChannels(t *testing.T) {
	auth := &fakeAuth{signWith: "k:sig"}

	first := newFakeSocket()
	handshake(first)
	second := newFakeSocket()
	handshake(second)

	socks := make(chan *fakeSocket, 2)
	socks <- first
	socks <- second
	withFakeDial(t, func(string) (Socket, error) { return <-socks, nil })

	c := NewClient(config.RealtimeConfig{AppKey: "k"}, auth, zerolog.Nop())
	c.retry = rate.NewLimiter(rate.Inf, 1)

	conn := c.GetConnection(context.Background())
	conn.SubscribePrivate(context.Background(), "chat.7")

	// Kill the socket; the read pump reports the loss.
	first.Close()
	waitFor(t, "connection teardown", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.conn == nil
	})

	redialed := c.GetConnection(context.Background())
	if redialed == nil || redialed == conn {
		t.Fatalf("expected a fresh connection")
	}
	waitFor(t, "subscription replay", func() bool {
		return len(second.framesOf(eventSubscribe)) == 1
	})
	if !redialed.Subscribed("chat.7") {
		t.Fatalf("replayed channel not tracked")
	}
}

func TestNormalizeData(t *testing.T) {
	cases := map[string]string{
		`"{\"a\":1}"`: `{"a":1}`,
		`{"a":1}`:     `{"a":1}`,
		``:            ``,
	}
	for in, want := range cases {
		if got := string(normalizeData(json.RawMessage(in))); got != want {
			t.Errorf("normalizeData(%s) = %s; want %s", in, got, want)
		}
	}
}

func TestCurrent_NeverDials(t *testing.T) {
	dials := 0
	withFakeDial(t, func(string) (Socket, error) {
		dials++
		return nil, errors.New("unexpected dial")
	})

	c := NewClient(config.RealtimeConfig{AppKey: "k", Cluster: "us2"}, nil, zerolog.Nop())
	if got := c.Current(); got != nil {
		t.Fatalf("Current = %v; want nil before any connection", got)
	}
	if dials != 0 {
		t.Fatalf("Current dialed %d time(s); want 0", dials)
	}
}

func TestCurrent_ReturnsLiveConnection(t *testing.T) {
	c, conn, _ := newConnected(t, &fakeAuth{})
	if got := c.Current(); got != conn {
		t.Fatalf("Current = %p; want the live connection %p", got, conn)
	}
}
