package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/domain"
	"github.com/manoslocales/fieldclient/internal/realtime"
)

// Transport hands out the shared realtime connection. *realtime.Client
// satisfies it; a nil connection means degraded mode. Current never dials;
// GetConnection may.
type Transport interface {
	GetConnection(ctx context.Context) *realtime.Connection
	Current() *realtime.Connection
}

// Binder subscribes the notification channels and routes their events into
// the dispatcher. It also implements membership.Joiner for chat channels.
type Binder struct {
	transport Transport
	d         *Dispatcher
	log       zerolog.Logger

	// onTyping, when set, receives typing whispers from chat channels.
	onTyping func(requestID int64, sig domain.TypingSignal)
	// onMessage, when set, receives every decoded chat message after the
	// dispatcher, typically feeding the active conversation store.
	onMessage func(requestID int64, msg domain.ChatMessage)
}

// NewBinder wires a dispatcher to the transport.
func NewBinder(transport Transport, d *Dispatcher, log zerolog.Logger) *Binder {
	return &Binder{transport: transport, d: d, log: log.With().Str("component", "notify").Logger()}
}

// SetTypingHandler routes chat typing whispers. Set before any Join.
func (b *Binder) SetTypingHandler(fn func(requestID int64, sig domain.TypingSignal)) {
	b.onTyping = fn
}

// SetMessageHandler routes decoded chat messages, in addition to the
// dispatcher. Set before any Join.
func (b *Binder) SetMessageHandler(fn func(requestID int64, msg domain.ChatMessage)) {
	b.onMessage = fn
}

// Join subscribes chat.{requestID} and binds its message and typing events.
// Returns realtime.ErrNoConnection in degraded mode so the membership
// tracker retries on a later sync.
func (b *Binder) Join(ctx context.Context, requestID int64) error {
	conn := b.transport.GetConnection(ctx)
	if conn == nil {
		return realtime.ErrNoConnection
	}
	ch, err := conn.SubscribePrivate(ctx, chatChannel(requestID))
	if err != nil {
		return err
	}
	ch.Bind(domain.EventMessageNew, func(env domain.Envelope) {
		b.handleMessage(requestID, env)
	})
	ch.Bind(domain.EventTyping, func(env domain.Envelope) {
		if b.onTyping == nil {
			return
		}
		sig, err := env.Typing()
		if err != nil {
			return
		}
		b.onTyping(requestID, sig)
	})
	return nil
}

func (b *Binder) handleMessage(requestID int64, env domain.Envelope) {
	msg, err := env.Message()
	if err != nil {
		b.log.Debug().Err(err).Msg("dropped malformed chat message")
		return
	}
	b.d.HandleMessage(requestID, msg)
	if b.onMessage != nil {
		b.onMessage(requestID, msg)
	}
}

// Leave releases a chat channel. A no-op without a live connection; there
// is nothing to unsubscribe on a connection that was never dialed.
func (b *Binder) Leave(requestID int64) {
	conn := b.transport.Current()
	if conn == nil {
		return
	}
	conn.Leave(chatChannel(requestID))
}

// BindUserChannels subscribes the per-worker and per-user notification
// channels: worker.{workerID} carries request.new and request.updated,
// user.{userID} carries request.updated for requests the user created.
func (b *Binder) BindUserChannels(ctx context.Context, workerID, userID int64) error {
	conn := b.transport.GetConnection(ctx)
	if conn == nil {
		return realtime.ErrNoConnection
	}

	worker, err := conn.SubscribePrivate(ctx, fmt.Sprintf("worker.%d", workerID))
	if err != nil {
		return err
	}
	worker.Bind(domain.EventRequestNew, func(env domain.Envelope) {
		if req, ok := decodeRequest(env.Payload); ok {
			b.d.HandleRequestNew(req)
		}
	})
	worker.Bind(domain.EventRequestUpdated, func(env domain.Envelope) {
		if req, ok := decodeRequest(env.Payload); ok {
			b.d.HandleRequestUpdated(req)
		}
	})

	user, err := conn.SubscribePrivate(ctx, fmt.Sprintf("user.%d", userID))
	if err != nil {
		return err
	}
	user.Bind(domain.EventRequestUpdated, func(env domain.Envelope) {
		if req, ok := decodeRequest(env.Payload); ok {
			b.d.HandleRequestUpdated(req)
		}
	})
	return nil
}

// BindWorkers subscribes the public workers channel and routes presence
// broadcasts, typically into the marker board.
func (b *Binder) BindWorkers(ctx context.Context, fn func(domain.WorkerUpdate)) error {
	conn := b.transport.GetConnection(ctx)
	if conn == nil {
		return realtime.ErrNoConnection
	}
	ch, err := conn.SubscribePublic(ctx, "workers")
	if err != nil {
		return err
	}
	ch.Bind(domain.EventWorkerUpdated, func(env domain.Envelope) {
		if u, err := env.WorkerUpdate(); err == nil {
			fn(u)
		}
	})
	return nil
}

func chatChannel(requestID int64) string {
	return fmt.Sprintf("chat.%d", requestID)
}

func decodeRequest(payload json.RawMessage) (domain.ServiceRequest, bool) {
	var req domain.ServiceRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == 0 {
		return domain.ServiceRequest{}, false
	}
	return req, true
}
