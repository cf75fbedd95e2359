// Package membership keeps chat channel subscriptions aligned with the
// conversations the user is actually party to. A poll of /requests/mine is
// the source of truth; only the delta is ever subscribed, and nothing is
// unsubscribed before session teardown, so in-flight events are never
// dropped by a leave/rejoin cycle.
package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/domain"
)

// Joiner subscribes one conversation channel and wires its event handlers.
type Joiner interface {
	Join(ctx context.Context, requestID int64) error
	Leave(requestID int64)
}

// Tracker is the subscribed-set bookkeeper.
type Tracker struct {
	joiner Joiner
	log    zerolog.Logger

	mu         sync.Mutex
	subscribed map[int64]struct{}
}

// NewTracker builds an empty tracker.
func NewTracker(joiner Joiner, log zerolog.Logger) *Tracker {
	return &Tracker{
		joiner:     joiner,
		log:        log.With().Str("component", "membership").Logger(),
		subscribed: make(map[int64]struct{}),
	}
}

// Sync subscribes every id in relevant that is not yet subscribed. Ids that
// dropped out of relevance stay subscribed; conversations need no eager
// unsubscribe, only session-end cleanup does. A failed join is left out of
// the set so the next sync retries it.
func (t *Tracker) Sync(ctx context.Context, relevant []int64) {
	for _, id := range relevant {
		t.mu.Lock()
		_, ok := t.subscribed[id]
		t.mu.Unlock()
		if ok {
			continue
		}
		if err := t.joiner.Join(ctx, id); err != nil {
			t.log.Warn().Err(err).Int64("request_id", id).Msg("chat channel join failed")
			continue
		}
		t.mu.Lock()
		t.subscribed[id] = struct{}{}
		t.mu.Unlock()
		t.log.Debug().Int64("request_id", id).Msg("chat channel joined")
	}
}

// Subscribed returns the subscribed ids in ascending order.
func (t *Tracker) Subscribed() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.subscribed))
	for id := range t.subscribed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Teardown leaves every subscribed channel and clears the set. Safe to call
// twice.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.subscribed))
	for id := range t.subscribed {
		ids = append(ids, id)
	}
	t.subscribed = make(map[int64]struct{})
	t.mu.Unlock()
	for _, id := range ids {
		t.joiner.Leave(id)
	}
}

// Backend is the poll source. *api.Client satisfies it.
type Backend interface {
	MyRequests(ctx context.Context) ([]domain.ServiceRequest, error)
}

// maxChatChannels caps how many conversations stay live at once; the most
// recent ones win.
const defaultMaxChannels = 5

// Poller periodically refreshes the relevant-request set, drives the
// tracker, and keeps the latest snapshot for consumers that diff poll
// results (the notification fallback).
type Poller struct {
	backend  Backend
	tracker  *Tracker
	interval time.Duration
	maxChans int
	log      zerolog.Logger

	// onSnapshot, when set, receives the previous and current poll results
	// after each successful poll.
	onSnapshot func(prev, cur []domain.ServiceRequest)

	mu       sync.Mutex
	requests []domain.ServiceRequest
	activeID int64
}

// NewPoller builds a poller. maxChannels <= 0 selects the default cap.
func NewPoller(backend Backend, tracker *Tracker, interval time.Duration, maxChannels int, log zerolog.Logger) *Poller {
	if maxChannels <= 0 {
		maxChannels = defaultMaxChannels
	}
	return &Poller{
		backend:  backend,
		tracker:  tracker,
		interval: interval,
		maxChans: maxChannels,
		log:      log.With().Str("component", "membership").Logger(),
	}
}

// OnSnapshot registers the poll-diff consumer. Must be set before Run.
func (p *Poller) OnSnapshot(fn func(prev, cur []domain.ServiceRequest)) {
	p.onSnapshot = fn
}

// Run polls immediately and then on every tick until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	p.Poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches /requests/mine once and applies it. Poll failures keep the
// previous snapshot; the next tick retries.
func (p *Poller) Poll(ctx context.Context) {
	reqs, err := p.backend.MyRequests(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("requests poll failed")
		return
	}

	ids := RelevantIDs(reqs, p.maxChans)
	p.tracker.Sync(ctx, ids)

	p.mu.Lock()
	prev := p.requests
	p.requests = reqs
	if len(ids) > 0 {
		p.activeID = ids[0]
	} else {
		p.activeID = 0
	}
	p.mu.Unlock()

	if p.onSnapshot != nil {
		p.onSnapshot(prev, reqs)
	}
}

// Snapshot returns the last successful poll result.
func (p *Poller) Snapshot() []domain.ServiceRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ServiceRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// ActiveRequestID returns the most recent relevant request id, or 0.
func (p *Poller) ActiveRequestID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

// RelevantIDs filters requests to the active statuses, orders them most
// recent first, and caps the result.
func RelevantIDs(reqs []domain.ServiceRequest, limit int) []int64 {
	ids := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		if r.Status.Active() {
			ids = append(ids, r.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}
