// Package markers derives the map pin list from two sources: the nearby
// REST fetch and the public workers broadcast. Broadcast updates patch pins
// in place so the map stays live between fetches.
package markers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/api"
	"github.com/manoslocales/fieldclient/internal/domain"
)

// Source is the REST surface the board reads. *api.Client satisfies it.
type Source interface {
	NearbyExperts(ctx context.Context, pos domain.LatLng) ([]domain.MapPoint, error)
	NearbyDemand(ctx context.Context, pos domain.LatLng) ([]domain.MapPoint, error)
	ExpertsCount(ctx context.Context, pos domain.LatLng, radiusKm int) (api.WorkerCount, error)
}

// Presence exposes the local worker's current presence. *presence.Store
// satisfies it.
type Presence interface {
	Snapshot() domain.WorkerPresence
}

// countRadiusKm matches the backend's cached counter radius.
const countRadiusKm = 10

// Board holds the current pin set for the map view.
type Board struct {
	src      Source
	presence Presence
	log      zerolog.Logger

	mu     sync.Mutex
	points []domain.MapPoint
	count  api.WorkerCount
}

// NewBoard builds an empty board.
func NewBoard(src Source, pres Presence, log zerolog.Logger) *Board {
	return &Board{src: src, presence: pres, log: log.With().Str("component", "markers").Logger()}
}

// Refresh replaces the pin set from the nearby endpoints. Worker pins are
// required; a demand fetch failure degrades to workers only, it does not
// fail the refresh.
func (b *Board) Refresh(ctx context.Context, pos domain.LatLng) error {
	workers, err := b.src.NearbyExperts(ctx, pos)
	if err != nil {
		return err
	}
	demands, err := b.src.NearbyDemand(ctx, pos)
	if err != nil {
		b.log.Warn().Err(err).Msg("demand fetch failed, continuing with workers only")
		demands = nil
	}

	points := make([]domain.MapPoint, 0, len(workers)+len(demands))
	points = append(points, workers...)
	points = append(points, demands...)

	b.mu.Lock()
	b.points = points
	b.mu.Unlock()
	return nil
}

// RefreshCount updates the nearby-worker counter.
func (b *Board) RefreshCount(ctx context.Context, pos domain.LatLng) error {
	count, err := b.src.ExpertsCount(ctx, pos, countRadiusKm)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.count = count
	b.mu.Unlock()
	return nil
}

// Count returns the last fetched nearby-worker counter.
func (b *Board) Count() api.WorkerCount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Apply patches the pin set with one workers-channel broadcast: status and,
// when carried, position of the matching worker pin. Demand pins are never
// touched even on id collision. Returns whether any pin changed, which is
// the caller's cue to refresh the stale counter.
func (b *Board) Apply(u domain.WorkerUpdate) bool {
	if u.WorkerID == 0 {
		return false
	}
	status := domain.StatusInactive
	if u.IsActive {
		status = domain.StatusActive
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for i := range b.points {
		p := &b.points[i]
		if p.ID != u.WorkerID || p.PinType == domain.PinDemand {
			continue
		}
		p.Status = status
		if u.Lat != nil && u.Lng != nil {
			p.Pos = domain.LatLng{Lat: *u.Lat, Lng: *u.Lng}
		}
		changed = true
	}
	return changed
}

// Points returns the pins to draw. When the local worker's presence is
// inactive their own pin is filtered out regardless of what the server
// returned; the map must not show a withdrawn worker to themselves.
func (b *Board) Points() []domain.MapPoint {
	var self int64
	var filter bool
	if b.presence != nil {
		snap := b.presence.Snapshot()
		self = snap.WorkerID
		filter = snap.Status == domain.StatusInactive && self != 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.MapPoint, 0, len(b.points))
	for _, p := range b.points {
		if filter && p.PinType == domain.PinWorker && (p.ID == self || (p.UserID != 0 && p.UserID == self)) {
			continue
		}
		out = append(out, p)
	}
	return out
}
