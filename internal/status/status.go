// Package status keeps the daemon's transient one-line status, the
// equivalent of a status bar: the last orchestration announcement, cleared
// automatically after a short lifetime.
package status

import (
	"sync"
	"time"

	"github.com/dbrodie/theatred/internal/eventbus"
	"github.com/dbrodie/theatred/internal/timer"
)

// Tracker holds the current transient status line.
type Tracker struct {
	lifetime time.Duration
	clear    *timer.Countdown

	mu      sync.RWMutex
	message string
}

// NewTracker creates a tracker whose messages expire after lifetime.
func NewTracker(timers *timer.Service, lifetime time.Duration) *Tracker {
	t := &Tracker{lifetime: lifetime}
	if timers != nil && lifetime > 0 {
		t.clear = timers.NewCountdown("status_clear", t.expire)
	}
	return t
}

// Attach subscribes the tracker to status announcements on the bus.
func (t *Tracker) Attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeStatus, func(ev eventbus.Event) {
		if msg, ok := ev.Data["message"].(string); ok {
			t.Set(msg)
		}
	})
}

// Set replaces the status line and restarts its expiry.
func (t *Tracker) Set(message string) {
	t.mu.Lock()
	t.message = message
	t.mu.Unlock()

	if t.clear != nil {
		t.clear.ArmDuration(t.lifetime)
	}
}

// Message returns the current status line, empty once expired.
func (t *Tracker) Message() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.message
}

func (t *Tracker) expire() {
	t.mu.Lock()
	t.message = ""
	t.mu.Unlock()
}
