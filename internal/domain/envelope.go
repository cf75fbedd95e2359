// Package domain – realtime envelope
//
// The transport library delivers dynamically named events with duck-typed
// payloads. Envelope is the typed boundary shape: every inbound frame is
// normalized into {channel, event, payload} and validated before it reaches
// business logic, so the reconciler and dispatcher never touch raw frames.
package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// Event names carried over realtime channels. Server broadcasts use dotted
// names; the typing whisper is a client event and never touches the backend.
const (
	EventMessageNew     = "message.new"
	EventRequestNew     = "request.new"
	EventRequestUpdated = "request.updated"
	EventWorkerUpdated  = "worker.updated"
	EventTyping         = "client-typing"
)

// ErrMalformedEnvelope indicates a frame that cannot be normalized into an
// Envelope. Such frames are logged and dropped at the transport boundary.
var ErrMalformedEnvelope = errors.New("malformed realtime envelope")

// Envelope is a single validated realtime event.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"data"`
}

// Validate checks the minimal envelope invariants: a channel, an event name,
// and (for non-control events) a payload.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Channel) == "" || strings.TrimSpace(e.Event) == "" {
		return ErrMalformedEnvelope
	}
	return nil
}

// Message decodes the payload as a ChatMessage. The backend wraps messages
// either as {"message": {...}} or as the bare object; both are accepted.
func (e Envelope) Message() (ChatMessage, error) {
	var wrapped struct {
		Message *ChatMessage `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &wrapped); err == nil && wrapped.Message != nil {
		return *wrapped.Message, nil
	}
	var msg ChatMessage
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return ChatMessage{}, ErrMalformedEnvelope
	}
	if msg.ID == 0 {
		return ChatMessage{}, ErrMalformedEnvelope
	}
	return msg, nil
}

// Typing decodes the payload as a TypingSignal.
func (e Envelope) Typing() (TypingSignal, error) {
	var sig TypingSignal
	if err := json.Unmarshal(e.Payload, &sig); err != nil || sig.UserID == 0 {
		return TypingSignal{}, ErrMalformedEnvelope
	}
	return sig, nil
}

// WorkerUpdate decodes the payload of a .worker.updated broadcast.
func (e Envelope) WorkerUpdate() (WorkerUpdate, error) {
	var wu WorkerUpdate
	if err := json.Unmarshal(e.Payload, &wu); err != nil || wu.WorkerID == 0 {
		return WorkerUpdate{}, ErrMalformedEnvelope
	}
	return wu, nil
}
