// Package realtime implements the shared pub/sub transport client: one
// lazily-dialed websocket connection per process, channel subscription with
// private-channel authorization, and best-effort client events ("whispers").
//
// Degradation contract: realtime is an optimization, never a dependency for
// correctness. GetConnection returns nil, not an error, when the
// transport is unconfigured or the dial fails; every consumer treats nil as
// "fall back to REST polling". The degraded state is logged once, not per
// call, so a missing key does not spam the log.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/manoslocales/fieldclient/internal/config"
	"github.com/manoslocales/fieldclient/internal/domain"
	"github.com/manoslocales/fieldclient/internal/observability"
)

// Authorizer signs private-channel subscriptions (POST /broadcasting/auth).
// *api.Client satisfies this.
type Authorizer interface {
	BroadcastAuth(ctx context.Context, socketID, channel string) (string, error)
}

// Socket is the minimal websocket surface the connection needs. The gorilla
// *websocket.Conn satisfies it; tests inject fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dialSocket is a test seam around the gorilla dialer.
var dialSocket = func(url string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ErrNoConnection is returned by operations that need a live socket while
// the transport is degraded.
var ErrNoConnection = errors.New("realtime: no connection")

// frame is the raw wire shape of one websocket message.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Control events of the wire protocol.
const (
	eventEstablished = "pusher:connection_established"
	eventSubscribe   = "pusher:subscribe"
	eventUnsubscribe = "pusher:unsubscribe"
	eventSubscribed  = "pusher_internal:subscription_succeeded"
	eventError       = "pusher:error"
)

// Client owns the process-wide transport connection.
type Client struct {
	cfg  config.RealtimeConfig
	auth Authorizer
	log  zerolog.Logger

	// retry bounds how often a failed dial may be reattempted.
	retry *rate.Limiter

	mu             sync.Mutex
	conn           *Connection
	loggedDegraded bool
	// pending holds channel handles that should be restored on the next
	// successful dial (reconnect replay). Keyed by logical name.
	pending map[string]*Channel
}

// NewClient builds the transport client. auth may be nil only if no private
// channel is ever subscribed.
func NewClient(cfg config.RealtimeConfig, auth Authorizer, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		auth:    auth,
		log:     log.With().Str("component", "realtime").Logger(),
		retry:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		pending: make(map[string]*Channel),
	}
}

// GetConnection returns the shared connection, dialing lazily. It returns
// nil when realtime is unavailable: missing credentials, dial failure, or
// redial backoff. Callers must treat nil as "realtime degraded", never as
// fatal.
func (c *Client) GetConnection(ctx context.Context) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.AppKey == "" {
		if !c.loggedDegraded {
			c.loggedDegraded = true
			c.log.Warn().Msg("realtime disabled: no app key configured, falling back to polling")
		}
		return nil
	}
	if c.conn != nil {
		return c.conn
	}
	if !c.retry.Allow() {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if !c.loggedDegraded {
			c.loggedDegraded = true
			c.log.Warn().Err(err).Msg("realtime unavailable, falling back to polling")
		}
		return nil
	}
	c.loggedDegraded = false
	c.conn = conn

	// Reconnect replay: restore channels that were live on the previous
	// connection. Duplicate event delivery from the replay is absorbed by
	// the dispatcher's seen-id set.
	for _, ch := range c.pending {
		if err := conn.resubscribe(ctx, ch); err != nil {
			c.log.Warn().Err(err).Str("channel", ch.Name).Msg("channel restore failed")
		}
	}
	return conn
}

// Current returns the live connection without dialing. Nil means no
// connection is up right now; use GetConnection to establish one.
func (c *Client) Current() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// socketURL derives the websocket endpoint from config. An explicit host
// wins over the cluster-derived default.
func (c *Client) socketURL() string {
	scheme := "wss"
	if !c.cfg.UseTLS {
		scheme = "ws"
	}
	host := c.cfg.Host
	if host == "" {
		host = fmt.Sprintf("ws-%s.pusher.com", c.cfg.Cluster)
	}
	return fmt.Sprintf("%s://%s/app/%s?protocol=7&client=fieldclient&version=1", scheme, host, c.cfg.AppKey)
}

func (c *Client) dial(ctx context.Context) (*Connection, error) {
	sock, err := dialSocket(c.socketURL())
	if err != nil {
		return nil, err
	}

	// The first frame must be connection_established carrying our socket id,
	// which private-channel auth signs over.
	_, raw, err := sock.ReadMessage()
	if err != nil {
		sock.Close()
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event != eventEstablished {
		sock.Close()
		return nil, fmt.Errorf("realtime: unexpected handshake frame %q", f.Event)
	}
	var hello struct {
		SocketID string `json:"socket_id"`
	}
	if err := json.Unmarshal(normalizeData(f.Data), &hello); err != nil || hello.SocketID == "" {
		sock.Close()
		return nil, errors.New("realtime: handshake missing socket_id")
	}

	conn := &Connection{
		sock:     sock,
		socketID: hello.SocketID,
		auth:     c.auth,
		log:      c.log,
		channels: make(map[string]*Channel),
		closed:   make(chan struct{}),
		onDown:   c.connectionDown,
	}
	go conn.readPump()
	c.log.Info().Str("socket_id", hello.SocketID).Msg("realtime connected")
	return conn, nil
}

// connectionDown is invoked by the read pump when the socket dies. The live
// channel set is parked for replay on the next dial.
func (c *Client) connectionDown(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	observability.RealtimeReconnects.Inc()
	conn.mu.Lock()
	for name, ch := range conn.channels {
		c.pending[name] = ch
	}
	conn.mu.Unlock()
	c.conn = nil
	c.log.Warn().Msg("realtime connection lost")
}

// Close tears the connection down. Safe to call with no connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.pending = make(map[string]*Channel)
	c.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// Connection is one live socket with its subscribed channel set.
type Connection struct {
	sock     Socket
	socketID string
	auth     Authorizer
	log      zerolog.Logger
	onDown   func(*Connection)

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*Channel

	closeOnce sync.Once
	closed    chan struct{}
}

// SocketID returns the transport-assigned socket identity.
func (c *Connection) SocketID() string { return c.socketID }

// SubscribePublic joins an unauthenticated channel. Idempotent per name:
// a second call returns the existing handle without a new subscribe frame.
func (c *Connection) SubscribePublic(ctx context.Context, name string) (*Channel, error) {
	return c.subscribe(ctx, name, false)
}

// SubscribePrivate joins an authenticated channel. The subscription is
// signed via the Authorizer before any event is delivered. Idempotent per
// name within the connection.
func (c *Connection) SubscribePrivate(ctx context.Context, name string) (*Channel, error) {
	return c.subscribe(ctx, name, true)
}

func (c *Connection) subscribe(ctx context.Context, name string, private bool) (*Channel, error) {
	c.mu.Lock()
	if ch, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := newChannel(name, private)
	c.channels[name] = ch
	c.mu.Unlock()

	if err := c.sendSubscribe(ctx, ch); err != nil {
		c.mu.Lock()
		delete(c.channels, name)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// resubscribe re-sends the subscribe frame for an existing handle, keeping
// its bindings (reconnect replay).
func (c *Connection) resubscribe(ctx context.Context, ch *Channel) error {
	c.mu.Lock()
	c.channels[ch.Name] = ch
	c.mu.Unlock()
	return c.sendSubscribe(ctx, ch)
}

func (c *Connection) sendSubscribe(ctx context.Context, ch *Channel) error {
	data := map[string]string{"channel": ch.wireName()}
	if ch.private {
		if c.auth == nil {
			return errors.New("realtime: private channel without authorizer")
		}
		sig, err := c.auth.BroadcastAuth(ctx, c.socketID, ch.wireName())
		if err != nil {
			// Channel auth rejection is a diagnostic, not a failure mode the
			// caller escalates: the conversation stays usable over REST.
			c.log.Warn().Err(err).Str("channel", ch.Name).Msg("private channel auth rejected")
			return err
		}
		data["auth"] = sig
	}
	return c.write(frame{Event: eventSubscribe, Data: mustJSON(data)})
}

// Whisper broadcasts a best-effort client event to channel peers. It is
// fire-and-forget: not persisted, not guaranteed delivered, errors logged
// and swallowed. Used only for typing indicators.
func (c *Connection) Whisper(channel, event string, payload any) {
	c.mu.Lock()
	ch, ok := c.channels[channel]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.write(frame{Event: event, Channel: ch.wireName(), Data: mustJSON(payload)}); err != nil {
		c.log.Debug().Err(err).Str("channel", channel).Msg("whisper dropped")
	}
}

// Leave releases a channel. Calling it for a channel that was never joined
// is a no-op, never an error.
func (c *Connection) Leave(name string) {
	c.mu.Lock()
	ch, ok := c.channels[name]
	if ok {
		delete(c.channels, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.write(frame{Event: eventUnsubscribe, Data: mustJSON(map[string]string{"channel": ch.wireName()})})
}

// Subscribed reports whether a logical channel is currently joined.
func (c *Connection) Subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[name]
	return ok
}

// ChannelNames returns the logical names of all joined channels.
func (c *Connection) ChannelNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

func (c *Connection) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrNoConnection
	default:
	}
	return c.sock.WriteMessage(websocket.TextMessage, b)
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
}

// readPump drains the socket, normalizes each frame into a validated
// envelope, and dispatches it to the owning channel. Malformed frames are
// counted and dropped at this boundary; they never reach business logic.
func (c *Connection) readPump() {
	defer func() {
		c.close()
		if c.onDown != nil {
			c.onDown(c)
		}
	}()

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Requested close, not a transport failure.
			default:
				c.log.Debug().Err(err).Msg("realtime read failed")
			}
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Connection) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		observability.RealtimeDropped.Inc()
		c.log.Debug().Msg("dropped undecodable realtime frame")
		return
	}

	switch f.Event {
	case eventSubscribed:
		c.log.Debug().Str("channel", logicalName(f.Channel)).Msg("subscription succeeded")
		return
	case eventError:
		c.log.Warn().RawJSON("detail", normalizeData(f.Data)).Msg("realtime protocol error")
		return
	case eventEstablished:
		return
	}

	env := domain.Envelope{
		Channel: logicalName(f.Channel),
		Event:   f.Event,
		Payload: normalizeData(f.Data),
	}
	if err := env.Validate(); err != nil {
		observability.RealtimeDropped.Inc()
		c.log.Debug().Str("event", f.Event).Msg("dropped malformed envelope")
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[env.Channel]
	c.mu.Unlock()
	if !ok {
		// Late event for a left channel; drop silently.
		return
	}
	observability.RealtimeEvents.WithLabelValues(env.Event).Inc()
	ch.dispatch(env)
}

// normalizeData unwraps the protocol's double-encoded data field: servers
// send the payload as a JSON string containing JSON, client events carry a
// bare object. Both normalize to the raw object bytes.
func normalizeData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err == nil {
			return json.RawMessage(inner)
		}
	}
	return data
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
