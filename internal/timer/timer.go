// Package timer provides a process-wide set of independently resettable
// countdown timers driven by a shared one-second tick. Countdowns fire their
// callback exactly once on expiry and disarm; re-arming an armed countdown
// replaces its deadline instead of stacking a second instance.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TickInterval is the resolution of all countdowns.
const TickInterval = time.Second

// Countdown is a single named, resettable countdown timer.
type Countdown struct {
	mu        sync.Mutex
	name      string
	remaining int
	armed     bool
	fire      func()
}

// Arm starts (or restarts) the countdown with the given number of ticks.
// Arming with ticks <= 0 disarms instead.
func (c *Countdown) Arm(ticks int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ticks <= 0 {
		c.armed = false
		c.remaining = 0
		return
	}
	c.armed = true
	c.remaining = ticks
	log.Debug().Str("timer", c.name).Int("ticks", ticks).Msg("Countdown armed")
}

// ArmDuration starts the countdown with a duration rounded up to whole ticks.
func (c *Countdown) ArmDuration(d time.Duration) {
	ticks := int((d + TickInterval - 1) / TickInterval)
	c.Arm(ticks)
}

// Disarm stops the countdown and clears its progress.
func (c *Countdown) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.armed {
		log.Debug().Str("timer", c.name).Msg("Countdown disarmed")
	}
	c.armed = false
	c.remaining = 0
}

// Armed reports whether the countdown is running.
func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Remaining returns the number of ticks left, 0 if disarmed.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// tick advances the countdown by one interval. Returns the callback to run if
// the countdown expired on this tick, nil otherwise. The callback is invoked
// outside the lock so it may re-arm the countdown.
func (c *Countdown) tick() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.armed {
		return nil
	}
	c.remaining--
	if c.remaining > 0 {
		return nil
	}
	c.armed = false
	c.remaining = 0
	log.Debug().Str("timer", c.name).Msg("Countdown expired")
	return c.fire
}

// Service owns all countdowns and drives them from a single ticker goroutine.
type Service struct {
	mu         sync.Mutex
	countdowns []*Countdown
}

// NewService creates an empty timer service.
func NewService() *Service {
	return &Service{}
}

// NewCountdown registers a new countdown with the service. The fire callback
// runs on the service's tick goroutine and must not block; handlers that need
// the engine should enqueue an event instead.
func (s *Service) NewCountdown(name string, fire func()) *Countdown {
	c := &Countdown{name: name, fire: fire}
	s.mu.Lock()
	s.countdowns = append(s.countdowns, c)
	s.mu.Unlock()
	return c
}

// Run drives all countdowns until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	log.Info().Msg("Timer service started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Timer service stopping")
			return nil
		case <-ticker.C:
			s.Advance()
		}
	}
}

// Advance ticks every registered countdown once. Run calls it every
// TickInterval; alternate drivers may call it directly.
func (s *Service) Advance() {
	s.mu.Lock()
	countdowns := make([]*Countdown, len(s.countdowns))
	copy(countdowns, s.countdowns)
	s.mu.Unlock()

	for _, c := range countdowns {
		if fire := c.tick(); fire != nil {
			fire()
		}
	}
}
