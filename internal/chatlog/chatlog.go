// Package chatlog holds one conversation's message list and reconciles the
// two producers that feed it: the initial REST fetch and live push events.
// Both flow through the same idempotent Merge, so their race needs no
// ordering guarantees.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/api"
	"github.com/manoslocales/fieldclient/internal/domain"
	"github.com/manoslocales/fieldclient/internal/observability"
)

// ErrEmptyDraft is returned by Send when the draft has neither body nor
// image. Checked before any network call.
var ErrEmptyDraft = errors.New("chatlog: empty draft")

// SendError wraps a failed send. The draft that failed rides along so the
// caller can keep it in the input for retry; the store never drops user
// input on failure.
type SendError struct {
	Draft Draft
	Err   error
}

func (e *SendError) Error() string { return "chatlog: send failed: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Draft is an unsent message: free text and/or an image attachment.
type Draft struct {
	Body  string
	Image *api.ImageAttachment
}

// Empty reports whether the draft carries nothing sendable.
func (d Draft) Empty() bool { return d.Body == "" && d.Image == nil }

// LocationDraft builds a share-location draft: a maps link in the body.
func LocationDraft(pos domain.LatLng) Draft {
	return Draft{Body: fmt.Sprintf("📍 Mi ubicación: https://www.google.com/maps?q=%v,%v", pos.Lat, pos.Lng)}
}

// Merge combines two message lists into one ordered, deduplicated list.
// Messages are keyed by id with incoming overwriting existing, then sorted
// ascending by created_at with ties broken by id. Pure and idempotent:
// Merge(Merge(a, b), b) equals Merge(a, b).
func Merge(existing, incoming []domain.ChatMessage) []domain.ChatMessage {
	byID := make(map[int64]domain.ChatMessage, len(existing)+len(incoming))
	for _, m := range existing {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		byID[m.ID] = m
	}
	out := make([]domain.ChatMessage, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Backend is the REST surface the store needs. *api.Client satisfies it.
type Backend interface {
	ListMessages(ctx context.Context, requestID int64) ([]domain.ChatMessage, error)
	SendMessage(ctx context.Context, requestID int64, body string, image *api.ImageAttachment) (domain.ChatMessage, error)
}

// Store is the in-memory message list for one conversation. It lives for as
// long as the chat view is open; nothing here is persisted.
type Store struct {
	requestID int64
	backend   Backend
	log       zerolog.Logger

	mu       sync.Mutex
	messages []domain.ChatMessage
}

// NewStore creates an empty conversation store for requestID.
func NewStore(requestID int64, backend Backend, log zerolog.Logger) *Store {
	return &Store{
		requestID: requestID,
		backend:   backend,
		log:       log.With().Str("component", "chatlog").Int64("request_id", requestID).Logger(),
	}
}

// LoadInitial fetches the server's current message list and merges it in.
// Safe to call after push events have already arrived; ids reconcile.
func (s *Store) LoadInitial(ctx context.Context) error {
	msgs, err := s.backend.ListMessages(ctx, s.requestID)
	if err != nil {
		return err
	}
	s.Apply(msgs...)
	return nil
}

// Apply merges incoming messages into the store. The return reports whether
// the newest message changed, which is the auto-scroll trigger: the view
// scrolls only when the tail moves, not on mid-list reconciliation.
func (s *Store) Apply(incoming ...domain.ChatMessage) (tailChanged bool) {
	if len(incoming) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.lastIDLocked()
	s.messages = Merge(s.messages, incoming)
	observability.MessagesMerged.Add(float64(len(incoming)))
	return s.lastIDLocked() != before
}

// Send posts a draft. The server echo carries the authoritative id and
// timestamp and is merged in on success; there is no optimistic insert. On
// failure the store is untouched and the draft is returned inside a
// *SendError for retry.
func (s *Store) Send(ctx context.Context, draft Draft) error {
	if draft.Empty() {
		return ErrEmptyDraft
	}
	echo, err := s.backend.SendMessage(ctx, s.requestID, draft.Body, draft.Image)
	if err != nil {
		s.log.Warn().Err(err).Msg("send failed, draft preserved")
		return &SendError{Draft: draft, Err: err}
	}
	s.Apply(echo)
	return nil
}

// Messages returns a copy of the ordered message list.
func (s *Store) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastID returns the id of the newest message, or 0 when empty.
func (s *Store) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIDLocked()
}

func (s *Store) lastIDLocked() int64 {
	if len(s.messages) == 0 {
		return 0
	}
	return s.messages[len(s.messages)-1].ID
}
