// Package notify decides which realtime and poll events the user actually
// hears about. Push events and poll diffs feed the same dedup pipeline, so
// the two producers racing over one fact never notify twice.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/domain"
	"github.com/manoslocales/fieldclient/internal/observability"
)

// ToastKind selects the toast styling.
type ToastKind string

const (
	ToastInfo    ToastKind = "info"
	ToastSuccess ToastKind = "success"
	ToastError   ToastKind = "error"
)

// Toast durations by event weight: requests deserve a longer read.
const (
	requestToastDuration = 7 * time.Second
	messageToastDuration = 5 * time.Second
)

// Toast is one in-app notification. The toast path is the reliable one and
// always fires; OS notifications are best-effort on top.
type Toast struct {
	ID       string
	Kind     ToastKind
	Title    string
	Body     string
	Duration time.Duration
}

// ToastSink displays toasts.
type ToastSink interface {
	Show(t Toast)
}

// OSNotifier raises system notifications. Granted reflects a permission the
// user gave earlier; without it no OS notification is attempted.
type OSNotifier interface {
	Granted() bool
	Notify(title, body string)
}

// Dispatcher filters events into user-visible notifications.
type Dispatcher struct {
	selfID int64
	toasts ToastSink
	osn    OSNotifier
	text   copySet
	log    zerolog.Logger

	mu         sync.Mutex
	seenMsgs   map[int64]struct{}
	seenNew    map[int64]struct{}
	lastStatus map[int64]domain.RequestStatus
	prompted   map[int64]struct{}
	openConv   int64
	visible    bool
	polled     bool
}

// NewDispatcher builds a dispatcher for the session's user id. locale is a
// BCP 47 tag; unknown values fall back to Spanish.
func NewDispatcher(selfID int64, toasts ToastSink, osn OSNotifier, locale string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		selfID:     selfID,
		toasts:     toasts,
		osn:        osn,
		text:       copyFor(locale),
		log:        log.With().Str("component", "notify").Logger(),
		seenMsgs:   make(map[int64]struct{}),
		seenNew:    make(map[int64]struct{}),
		lastStatus: make(map[int64]domain.RequestStatus),
		prompted:   make(map[int64]struct{}),
		visible:    true,
	}
}

// OpenConversation marks a chat view as open. Messages for it are merged
// silently while it is visible.
func (d *Dispatcher) OpenConversation(requestID int64) {
	d.mu.Lock()
	d.openConv = requestID
	d.mu.Unlock()
}

// CloseConversation marks the chat view closed.
func (d *Dispatcher) CloseConversation() {
	d.mu.Lock()
	d.openConv = 0
	d.mu.Unlock()
}

// SetVisible tracks document visibility. A hidden document notifies even
// for the open conversation.
func (d *Dispatcher) SetVisible(visible bool) {
	d.mu.Lock()
	d.visible = visible
	d.mu.Unlock()
}

// HandleMessage runs the suppression pipeline for one inbound chat message:
// seen-id dedup, self-echo suppression, then the focus rule.
func (d *Dispatcher) HandleMessage(requestID int64, msg domain.ChatMessage) {
	d.mu.Lock()
	if _, seen := d.seenMsgs[msg.ID]; seen {
		d.mu.Unlock()
		observability.NotificationsSuppressed.WithLabelValues("seen").Inc()
		return
	}
	d.seenMsgs[msg.ID] = struct{}{}
	focused := d.openConv == requestID && d.visible
	d.mu.Unlock()

	if msg.SenderID == d.selfID {
		observability.NotificationsSuppressed.WithLabelValues("self").Inc()
		return
	}
	if focused {
		observability.NotificationsSuppressed.WithLabelValues("focused").Inc()
		return
	}

	title := d.text.NewMessage
	if msg.SenderName != "" {
		title = msg.SenderName
	}
	d.raise("message", ToastInfo, title, msg.Preview(), messageToastDuration)
}

// HandleRequestNew notifies about a newly created request, at most once per
// request id across push and poll.
func (d *Dispatcher) HandleRequestNew(req domain.ServiceRequest) {
	d.mu.Lock()
	if _, seen := d.seenNew[req.ID]; seen {
		d.mu.Unlock()
		observability.NotificationsSuppressed.WithLabelValues("seen").Inc()
		return
	}
	d.seenNew[req.ID] = struct{}{}
	d.lastStatus[req.ID] = req.Status
	d.mu.Unlock()

	body := d.text.NewRequestBody
	if req.Description != "" {
		body = req.Description
	}
	d.raise("request_new", ToastInfo, d.text.NewRequest, body, requestToastDuration)
}

// HandleRequestUpdated notifies about a status change. Redeliveries of the
// same status are suppressed so the push stream and the poll diff can both
// report the same transition.
func (d *Dispatcher) HandleRequestUpdated(req domain.ServiceRequest) {
	d.mu.Lock()
	if d.lastStatus[req.ID] == req.Status {
		d.mu.Unlock()
		observability.NotificationsSuppressed.WithLabelValues("seen").Inc()
		return
	}
	d.lastStatus[req.ID] = req.Status
	d.mu.Unlock()

	d.raise("request_updated", ToastInfo, d.text.RequestUpdated, d.text.StatusPrefix+string(req.Status), requestToastDuration)
}

// DiffPoll feeds two successive /requests/mine snapshots through the same
// pipeline as push events. This is the notification source while realtime
// is degraded, and a harmless echo of it when realtime is up.
//
// The first snapshot of a session is a baseline: requests that existed
// before startup are recorded as seen, not announced, since push delivery
// would not have raised them either.
func (d *Dispatcher) DiffPoll(prev, cur []domain.ServiceRequest) {
	d.mu.Lock()
	if !d.polled {
		d.polled = true
		for _, r := range cur {
			d.seenNew[r.ID] = struct{}{}
			d.lastStatus[r.ID] = r.Status
		}
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	known := make(map[int64]domain.RequestStatus, len(prev))
	for _, r := range prev {
		known[r.ID] = r.Status
	}
	for _, r := range cur {
		old, ok := known[r.ID]
		switch {
		case !ok:
			d.HandleRequestNew(r)
		case old != r.Status:
			d.HandleRequestUpdated(r)
		}
	}
}

// RatedFlags is the persisted already-rated lookup. *state.Store satisfies
// it.
type RatedFlags interface {
	Rated(ctx context.Context, requestID int64) (bool, error)
}

// ReviewChecker looks up whether a request already has a review on the
// backend. Implemented over api.WorkerReviews.
type ReviewChecker func(ctx context.Context, requestID int64) (bool, error)

// CheckRatings raises one rating prompt per completed request that is
// neither locally flagged as rated nor already reviewed on the backend.
func (d *Dispatcher) CheckRatings(ctx context.Context, reqs []domain.ServiceRequest, rated RatedFlags, reviewed ReviewChecker) {
	for _, r := range reqs {
		if r.Status != domain.RequestCompleted {
			continue
		}
		d.mu.Lock()
		_, done := d.prompted[r.ID]
		d.mu.Unlock()
		if done {
			continue
		}

		if ok, err := rated.Rated(ctx, r.ID); err != nil || ok {
			continue
		}
		if reviewed != nil {
			if ok, err := reviewed(ctx, r.ID); err != nil || ok {
				continue
			}
		}

		d.mu.Lock()
		d.prompted[r.ID] = struct{}{}
		d.mu.Unlock()
		d.raise("rating_due", ToastInfo, d.text.RatingDue, d.text.RatingDueBody, requestToastDuration)
	}
}

// raise delivers through both sinks: the toast always, the OS notification
// only when permission was granted earlier.
func (d *Dispatcher) raise(kind string, tk ToastKind, title, body string, dur time.Duration) {
	observability.Notifications.WithLabelValues(kind).Inc()
	d.toasts.Show(Toast{
		ID:       uuid.NewString(),
		Kind:     tk,
		Title:    title,
		Body:     body,
		Duration: dur,
	})
	if d.osn != nil && d.osn.Granted() {
		d.osn.Notify(title, body)
	}
	d.log.Debug().Str("kind", kind).Str("title", title).Msg("notification raised")
}
