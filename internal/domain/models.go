// Package domain defines the data model shared by the realtime client:
// worker presence, chat messages, service requests, and map markers. These
// types mirror the wire shapes of the marketplace backend and are the only
// vocabulary the rest of the packages speak.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkerStatus is the availability state of a worker on the map.
//
// The lifecycle is guest -> inactive -> {intermediate, active} -> inactive.
// Guest is the unauthenticated state and is only re-entered via logout; a
// freshly authenticated session always starts at inactive so a user is never
// silently published as visible after login.
type WorkerStatus string

const (
	// StatusGuest is the unauthenticated/initial state.
	StatusGuest WorkerStatus = "guest"
	// StatusInactive means the worker is logged in but not visible on the map.
	StatusInactive WorkerStatus = "inactive"
	// StatusIntermediate is flexible availability ("listening"): visible
	// nearby, with prior notice expected before committing to a job.
	StatusIntermediate WorkerStatus = "intermediate"
	// StatusActive means immediately available and visible on the whole map.
	StatusActive WorkerStatus = "active"
)

// Wire returns the status value the backend expects on POST /worker/status.
// The backend names the intermediate state "listening".
func (s WorkerStatus) Wire() string {
	if s == StatusIntermediate {
		return "listening"
	}
	return string(s)
}

// ParseWorkerStatus maps a backend status string (including the "listening"
// wire alias) to a WorkerStatus. Unknown values map to inactive, which is
// the safe default for visibility.
func ParseWorkerStatus(v string) WorkerStatus {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "guest":
		return StatusGuest
	case "intermediate", "listening":
		return StatusIntermediate
	case "active":
		return StatusActive
	default:
		return StatusInactive
	}
}

// Visible reports whether a worker in this status should appear on the map.
func (s WorkerStatus) Visible() bool {
	return s == StatusIntermediate || s == StatusActive
}

// LatLng is a geographic coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// WorkerPresence is the per-session presence of the local worker.
//
// Invariants (enforced by the presence package, restated here because they
// shape the type):
//   - active requires Categories non-empty and a known Position
//   - Position may be nil while inactive or guest
type WorkerPresence struct {
	WorkerID   int64
	Status     WorkerStatus
	Categories []int64
	Position   *LatLng
}

// MessageType enumerates the chat message kinds the backend emits.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageLocation    MessageType = "location"
	MessagePaymentLink MessageType = "payment_link"
	MessageSystem      MessageType = "system"
)

// ChatMessage is a single message in a conversation. IDs are server-assigned
// and unique per conversation; CreatedAt plus ID is the store's sort key.
type ChatMessage struct {
	ID           int64       `json:"id"`
	SenderID     int64       `json:"sender_id"`
	SenderName   string      `json:"sender_name"`
	SenderAvatar string      `json:"sender_avatar,omitempty"`
	Body         string      `json:"body"`
	Type         MessageType `json:"type"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Preview returns a short text rendering for notification surfaces.
// Structured bodies degrade to their caption or the raw body text.
func (m ChatMessage) Preview() string {
	switch m.Type {
	case MessageImage:
		if p, ok := m.ImagePayload(); ok {
			if p.Caption != "" {
				return p.Caption
			}
			return "📷"
		}
	case MessagePaymentLink:
		if p, ok := m.PaymentPayload(); ok {
			return p.URL
		}
	}
	return m.Body
}

// ImagePayload is the structured body of an image message.
type ImagePayload struct {
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption,omitempty"`
}

// PaymentLinkPayload is the structured body of a payment_link message.
type PaymentLinkPayload struct {
	URL    string  `json:"url"`
	Amount float64 `json:"amount,omitempty"`
}

// ImagePayload decodes the message body as an image attachment. The second
// return value is false when the body is not a well-formed image payload;
// callers must then fall back to rendering Body as plain text, never error.
func (m ChatMessage) ImagePayload() (ImagePayload, bool) {
	var p ImagePayload
	if err := json.Unmarshal([]byte(m.Body), &p); err != nil || p.ImageURL == "" {
		return ImagePayload{}, false
	}
	return p, true
}

// PaymentPayload decodes the message body as a payment link, with the same
// plain-text fallback contract as ImagePayload.
func (m ChatMessage) PaymentPayload() (PaymentLinkPayload, bool) {
	var p PaymentLinkPayload
	if err := json.Unmarshal([]byte(m.Body), &p); err != nil || p.URL == "" {
		return PaymentLinkPayload{}, false
	}
	return p, true
}

// RequestStatus is the lifecycle state of a service request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAccepted   RequestStatus = "accepted"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

// Active reports whether the request still carries a live conversation.
func (s RequestStatus) Active() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestInProgress:
		return true
	}
	return false
}

// RequestWorker is the worker attached to a service request, as returned by
// GET /requests/mine.
type RequestWorker struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ServiceRequest is one entry of GET /requests/mine: a request the current
// user is party to, either as client or as worker.
type ServiceRequest struct {
	ID          int64          `json:"id"`
	Status      RequestStatus  `json:"status"`
	Description string         `json:"description,omitempty"`
	Worker      *RequestWorker `json:"worker,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PinType distinguishes the two marker families on the map.
type PinType string

const (
	PinWorker PinType = "worker"
	PinDemand PinType = "demand"
)

// MapPoint is a single marker as consumed by the map layer. Worker pins and
// demand pins share the struct; PinType tells them apart.
type MapPoint struct {
	ID            int64        `json:"id"`
	UserID        int64        `json:"user_id,omitempty"`
	PinType       PinType      `json:"pin_type"`
	Pos           LatLng       `json:"pos"`
	Name          string       `json:"name"`
	Avatar        string       `json:"avatar,omitempty"`
	Price         float64      `json:"price,omitempty"`
	CategoryColor string       `json:"category_color,omitempty"`
	CategorySlug  string       `json:"category_slug,omitempty"`
	FreshScore    float64      `json:"fresh_score,omitempty"`
	Status        WorkerStatus `json:"status,omitempty"`
	Urgency       string       `json:"urgency,omitempty"`
	Description   string       `json:"description,omitempty"`
	DistanceKm    float64      `json:"distance_km,omitempty"`
	ActiveRoute   *LatLng      `json:"active_route,omitempty"`
}

// TypingSignal is the ephemeral "user is typing" whisper. It is never
// persisted; consumers infer "stopped typing" by decay, no stop event exists.
type TypingSignal struct {
	UserID    int64     `json:"user_id"`
	RequestID int64     `json:"request_id,omitempty"`
	At        time.Time `json:"-"`
}

// WorkerUpdate is the payload of the public .worker.updated broadcast that
// drives map refreshes without polling.
type WorkerUpdate struct {
	WorkerID int64    `json:"worker_id"`
	IsActive bool     `json:"is_active"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}
