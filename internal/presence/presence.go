// Package presence is the local worker's presence state machine:
// guest -> inactive -> {intermediate, active} -> inactive, with guest
// re-entered only through logout. It is an observable store; async callers
// read the latest value through Snapshot, never a captured copy.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/domain"
)

var (
	// ErrNoCategories rejects an activate with an empty category set. Raised
	// before any network call so the caller can prompt for the missing
	// precondition specifically, not show a generic failure.
	ErrNoCategories = errors.New("presence: cannot activate without categories")

	// ErrTransitionInFlight rejects a transition while another is still
	// persisting. Consumers use Loading to disable repeated taps.
	ErrTransitionInFlight = errors.New("presence: transition already in flight")

	// ErrGuest rejects status transitions before login.
	ErrGuest = errors.New("presence: not authenticated")
)

// Persister writes a presence transition to the backend. *api.Client
// satisfies it.
type Persister interface {
	SetWorkerStatus(ctx context.Context, status domain.WorkerStatus, pos domain.LatLng, categories []int64) error
}

// Locator resolves the device position. Implementations must respect the
// context deadline; the store never blocks a transition on geolocation
// beyond its timeout.
type Locator interface {
	Locate(ctx context.Context) (domain.LatLng, error)
}

// LocatorFunc adapts a function to a Locator.
type LocatorFunc func(ctx context.Context) (domain.LatLng, error)

// Locate implements Locator.
func (f LocatorFunc) Locate(ctx context.Context) (domain.LatLng, error) { return f(ctx) }

// Store holds the presence value and notifies subscribers on change.
type Store struct {
	persist  Persister
	locate   Locator
	log      zerolog.Logger
	timeout  time.Duration
	fallback domain.LatLng

	mu      sync.Mutex
	cur     domain.WorkerPresence
	loading bool
	nextSub int
	subs    map[int]func(domain.WorkerPresence)
}

// NewStore builds the store in the guest state. geoTimeout bounds each
// geolocation attempt; fallback is used when the locator fails or times out.
func NewStore(persist Persister, locate Locator, geoTimeout time.Duration, fallback domain.LatLng, log zerolog.Logger) *Store {
	return &Store{
		persist:  persist,
		locate:   locate,
		log:      log.With().Str("component", "presence").Logger(),
		timeout:  geoTimeout,
		fallback: fallback,
		cur:      domain.WorkerPresence{Status: domain.StatusGuest},
		subs:     make(map[int]func(domain.WorkerPresence)),
	}
}

// Snapshot returns the current presence value.
func (s *Store) Snapshot() domain.WorkerPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Loading reports whether a transition is persisting right now.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Subscribe registers fn for every presence change. It is called
// synchronously with the new value; the returned func cancels the
// subscription and is safe to call more than once.
func (s *Store) Subscribe(fn func(domain.WorkerPresence)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Login moves the session out of guest. The local status is always
// inactive after login, whatever the server last remembered; workers opt
// back in explicitly each session.
func (s *Store) Login(workerID int64, categories []int64) {
	s.commit(domain.WorkerPresence{
		WorkerID:   workerID,
		Status:     domain.StatusInactive,
		Categories: categories,
	})
}

// Logout returns the session to guest and drops everything else.
func (s *Store) Logout() {
	s.commit(domain.WorkerPresence{Status: domain.StatusGuest})
}

// SetCategories replaces the known category set without a transition.
func (s *Store) SetCategories(ids []int64) {
	s.mu.Lock()
	next := s.cur
	next.Categories = ids
	s.mu.Unlock()
	s.commit(next)
}

// Activate transitions to active. Precondition: the category set is
// non-empty, checked before geolocation or network. Position comes from the
// locator, bounded by the geo timeout, falling back to the last known or
// default coordinate. Local state changes only after the backend accepts.
func (s *Store) Activate(ctx context.Context) error {
	s.mu.Lock()
	if s.cur.Status == domain.StatusGuest {
		s.mu.Unlock()
		return ErrGuest
	}
	if len(s.cur.Categories) == 0 {
		s.mu.Unlock()
		return ErrNoCategories
	}
	s.mu.Unlock()
	return s.transition(ctx, domain.StatusActive)
}

// SetListening transitions to intermediate availability. No category
// precondition: advertising flexible availability does not require
// committing to a skill.
func (s *Store) SetListening(ctx context.Context) error {
	return s.guarded(ctx, domain.StatusIntermediate)
}

// SetInactive withdraws from the map.
func (s *Store) SetInactive(ctx context.Context) error {
	return s.guarded(ctx, domain.StatusInactive)
}

func (s *Store) guarded(ctx context.Context, status domain.WorkerStatus) error {
	s.mu.Lock()
	guest := s.cur.Status == domain.StatusGuest
	s.mu.Unlock()
	if guest {
		return ErrGuest
	}
	return s.transition(ctx, status)
}

// transition serializes status writes: a second call while one is in
// flight returns ErrTransitionInFlight instead of racing it.
func (s *Store) transition(ctx context.Context, status domain.WorkerStatus) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return ErrTransitionInFlight
	}
	s.loading = true
	prev := s.cur
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	pos := s.position(ctx, prev)
	if err := s.persist.SetWorkerStatus(ctx, status, pos, prev.Categories); err != nil {
		s.log.Warn().Err(err).Str("status", string(status)).Msg("status persist failed")
		return err
	}

	next := prev
	next.Status = status
	next.Position = &pos
	s.commit(next)
	s.log.Info().Str("status", string(status)).Msg("presence changed")
	return nil
}

// position resolves the coordinate for a transition: live fix if the
// locator answers in time, else last known, else the configured fallback.
func (s *Store) position(ctx context.Context, cur domain.WorkerPresence) domain.LatLng {
	if s.locate != nil {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		pos, err := s.locate.Locate(ctx)
		if err == nil {
			return pos
		}
		s.log.Debug().Err(err).Msg("geolocation unavailable, using fallback")
	}
	if cur.Position != nil {
		return *cur.Position
	}
	return s.fallback
}

func (s *Store) commit(next domain.WorkerPresence) {
	s.mu.Lock()
	s.cur = next
	fns := make([]func(domain.WorkerPresence), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
}
