package markers

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/api"
	"github.com/manoslocales/fieldclient/internal/domain"
)

type fakeSource struct {
	experts    []domain.MapPoint
	expertsErr error
	demands    []domain.MapPoint
	demandsErr error
	count      api.WorkerCount
	countErr   error
	countCalls int
}

func (f *fakeSource) NearbyExperts(context.Context, domain.LatLng) ([]domain.MapPoint, error) {
	return f.experts, f.expertsErr
}

func (f *fakeSource) NearbyDemand(context.Context, domain.LatLng) ([]domain.MapPoint, error) {
	return f.demands, f.demandsErr
}

func (f *fakeSource) ExpertsCount(context.Context, domain.LatLng, int) (api.WorkerCount, error) {
	f.countCalls++
	return f.count, f.countErr
}

type fakePresence struct{ snap domain.WorkerPresence }

func (f fakePresence) Snapshot() domain.WorkerPresence { return f.snap }

func worker(id int64, status domain.WorkerStatus) domain.MapPoint {
	return domain.MapPoint{ID: id, UserID: id, PinType: domain.PinWorker, Status: status, Pos: domain.LatLng{Lat: -37.6, Lng: -72.5}}
}

func demand(id int64) domain.MapPoint {
	return domain.MapPoint{ID: id, PinType: domain.PinDemand, Pos: domain.LatLng{Lat: -37.7, Lng: -72.6}}
}

func TestRefresh_CombinesWorkersAndDemands(t *testing.T) {
	src := &fakeSource{
		experts: []domain.MapPoint{worker(1, domain.StatusActive)},
		demands: []domain.MapPoint{demand(50)},
	}
	b := NewBoard(src, nil, zerolog.Nop())

	if err := b.Refresh(context.Background(), domain.LatLng{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got := b.Points()
	if len(got) != 2 || got[0].PinType != domain.PinWorker || got[1].PinType != domain.PinDemand {
		t.Fatalf("points = %+v", got)
	}
}

func TestRefresh_DemandFailureDegrades(t *testing.T) {
	src := &fakeSource{
		experts:    []domain.MapPoint{worker(1, domain.StatusActive)},
		demandsErr: errors.New("timeout"),
	}
	b := NewBoard(src, nil, zerolog.Nop())

	if err := b.Refresh(context.Background(), domain.LatLng{}); err != nil {
		t.Fatalf("Refresh must tolerate demand failure: %v", err)
	}
	if got := b.Points(); len(got) != 1 {
		t.Fatalf("points = %+v; want workers only", got)
	}
}

func TestRefresh_ExpertsFailureFails(t *testing.T) {
	src := &fakeSource{expertsErr: errors.New("500")}
	b := NewBoard(src, nil, zerolog.Nop())
	if err := b.Refresh(context.Background(), domain.LatLng{}); err == nil {
		t.Fatalf("expected error when the worker fetch fails")
	}
}

func TestApply_PatchesWorkerPin(t *testing.T) {
	src := &fakeSource{experts: []domain.MapPoint{worker(3, domain.StatusInactive), worker(4, domain.StatusActive)}}
	b := NewBoard(src, nil, zerolog.Nop())
	b.Refresh(context.Background(), domain.LatLng{})

	lat, lng := -37.1, -72.1
	if !b.Apply(domain.WorkerUpdate{WorkerID: 3, IsActive: true, Lat: &lat, Lng: &lng}) {
		t.Fatalf("Apply reported no change")
	}

	got := b.Points()
	if got[0].Status != domain.StatusActive {
		t.Fatalf("status = %v; want active", got[0].Status)
	}
	if got[0].Pos.Lat != lat || got[0].Pos.Lng != lng {
		t.Fatalf("pos = %+v; want patched coordinate", got[0].Pos)
	}
	// Other pins untouched.
	if got[1].Status != domain.StatusActive {
		t.Fatalf("unrelated pin changed: %+v", got[1])
	}
}

func TestApply_WithoutPositionKeepsOld(t *testing.T) {
	src := &fakeSource{experts: []domain.MapPoint{worker(3, domain.StatusActive)}}
	b := NewBoard(src, nil, zerolog.Nop())
	b.Refresh(context.Background(), domain.LatLng{})

	b.Apply(domain.WorkerUpdate{WorkerID: 3, IsActive: false})
	got := b.Points()[0]
	if got.Status != domain.StatusInactive {
		t.Fatalf("status = %v; want inactive", got.Status)
	}
	if got.Pos.Lat != -37.6 {
		t.Fatalf("pos = %+v; want unchanged", got.Pos)
	}
}

func TestApply_NeverTouchesDemandPins(t *testing.T) {
	// Demand pin sharing the broadcast worker id.
	src := &fakeSource{demands: []domain.MapPoint{demand(3)}}
	b := NewBoard(src, nil, zerolog.Nop())
	b.Refresh(context.Background(), domain.LatLng{})

	if b.Apply(domain.WorkerUpdate{WorkerID: 3, IsActive: true}) {
		t.Fatalf("demand pin must not be patched")
	}
	if got := b.Points()[0]; got.Status != "" {
		t.Fatalf("demand pin changed: %+v", got)
	}
}

func TestApply_UnknownWorkerNoChange(t *testing.T) {
	b := NewBoard(&fakeSource{}, nil, zerolog.Nop())
	if b.Apply(domain.WorkerUpdate{WorkerID: 77, IsActive: true}) {
		t.Fatalf("unknown worker must not report a change")
	}
}

func TestPoints_SelfFilteredWhenInactive(t *testing.T) {
	src := &fakeSource{experts: []domain.MapPoint{worker(12, domain.StatusActive), worker(9, domain.StatusActive)}}

	cases := map[string]struct {
		status domain.WorkerStatus
		want   int
	}{
		"inactive hides own pin":     {domain.StatusInactive, 1},
		"active keeps own pin":       {domain.StatusActive, 2},
		"intermediate keeps own pin": {domain.StatusIntermediate, 2},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			pres := fakePresence{snap: domain.WorkerPresence{WorkerID: 12, Status: tc.status}}
			b := NewBoard(src, pres, zerolog.Nop())
			b.Refresh(context.Background(), domain.LatLng{})

			got := b.Points()
			if len(got) != tc.want {
				t.Fatalf("points = %+v; want %d pins", got, tc.want)
			}
			if tc.want == 1 && got[0].ID != 9 {
				t.Fatalf("surviving pin = %+v; want the other worker", got[0])
			}
		})
	}
}

func TestRefreshCount(t *testing.T) {
	src := &fakeSource{count: api.WorkerCount{Count: 14, Label: "14 expertos cerca"}}
	b := NewBoard(src, nil, zerolog.Nop())

	if err := b.RefreshCount(context.Background(), domain.LatLng{}); err != nil {
		t.Fatalf("RefreshCount: %v", err)
	}
	if got := b.Count(); got.Count != 14 {
		t.Fatalf("count = %+v", got)
	}
}
