// Package typing implements the typing indicator for one conversation.
// Typing state is inferred and decays; no "stopped typing" signal is ever
// sent, so a lost stop costs nothing. Outbound signals are whispers,
// best-effort by contract.
package typing

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/manoslocales/fieldclient/internal/domain"
	"github.com/manoslocales/fieldclient/internal/observability"
)

// Whisperer sends a client event to channel peers. *realtime.Connection
// satisfies it; nil means realtime is degraded and broadcasts are skipped.
type Whisperer interface {
	Whisper(channel, event string, payload any)
}

// Windows are the three timing constants of the indicator.
type Windows struct {
	// Debounce is how long IsTyping stays true after the last keystroke.
	Debounce time.Duration
	// Broadcast is the minimum gap between outbound typing whispers.
	Broadcast time.Duration
	// Decay is how long OtherTyping stays true after the last remote signal.
	Decay time.Duration
}

// DefaultWindows matches the production behavior: 1s local debounce, one
// broadcast per 3s, 3s remote decay.
func DefaultWindows() Windows {
	return Windows{Debounce: time.Second, Broadcast: 3 * time.Second, Decay: 3 * time.Second}
}

// Indicator tracks local and remote typing for one conversation.
type Indicator struct {
	requestID int64
	selfID    int64
	whisper   Whisperer
	win       Windows

	// now is a clock seam for tests.
	now func() time.Time

	// gate throttles outbound broadcasts to one per window. Excess
	// keystrokes inside the window simply do not broadcast.
	gate *rate.Limiter

	mu         sync.Mutex
	localUntil time.Time
	otherUntil time.Time
}

// NewIndicator builds the indicator for a conversation. whisper may be nil
// when realtime is unavailable; keystrokes then update local state only.
func NewIndicator(requestID, selfID int64, whisper Whisperer, win Windows) *Indicator {
	return &Indicator{
		requestID: requestID,
		selfID:    selfID,
		whisper:   whisper,
		win:       win,
		now:       time.Now,
		gate:      rate.NewLimiter(rate.Every(win.Broadcast), 1),
	}
}

// Keystroke records local typing activity. Every call flips IsTyping true
// and resets its decay; at most one broadcast leaves per Broadcast window.
func (i *Indicator) Keystroke() {
	now := i.now()

	i.mu.Lock()
	i.localUntil = now.Add(i.win.Debounce)
	i.mu.Unlock()

	if i.whisper == nil {
		return
	}
	if !i.gate.AllowN(now, 1) {
		return
	}
	i.whisper.Whisper(
		fmt.Sprintf("chat.%d", i.requestID),
		domain.EventTyping,
		domain.TypingSignal{UserID: i.selfID, RequestID: i.requestID},
	)
	observability.TypingBroadcasts.Inc()
}

// IsTyping reports whether the local user typed within the debounce window.
func (i *Indicator) IsTyping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.now().Before(i.localUntil)
}

// Observe feeds an inbound typing signal. Signals carrying the local user's
// own id are ignored; anything else marks the peer as typing for one decay
// window, extended by each further signal.
func (i *Indicator) Observe(sig domain.TypingSignal) {
	if sig.UserID == i.selfID {
		return
	}
	i.mu.Lock()
	i.otherUntil = i.now().Add(i.win.Decay)
	i.mu.Unlock()
}

// OtherTyping reports whether a peer signaled typing within the decay
// window.
func (i *Indicator) OtherTyping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.now().Before(i.otherUntil)
}
