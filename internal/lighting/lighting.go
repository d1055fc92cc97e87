// Package lighting drives dimmer channels through an Insteon powerline
// modem on a serial port. Commands are best effort: the modem acknowledges
// receipt, not delivery, and the engine treats per-channel failures as
// non-fatal.
package lighting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/dbrodie/theatred/internal/engine"
)

// Channel is one configured dimmer.
type Channel struct {
	Name          string
	Address       Address
	EnteringLevel float64
}

// Config describes the powerline modem and its channels.
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	Channels    []Channel
}

// Bus is the powerline lighting bus. It implements engine.Lights.
type Bus struct {
	cfg      Config
	channels map[string]Channel
	order    []string

	mu   sync.Mutex
	port serial.Port
}

// New creates a lighting bus. The modem port is not opened until first use.
func New(cfg Config) *Bus {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 19200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}

	channels := make(map[string]Channel, len(cfg.Channels))
	order := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Name] = ch
		order = append(order, ch.Name)
	}
	return &Bus{cfg: cfg, channels: channels, order: order}
}

// Channels returns the configured channel names in configuration order.
func (b *Bus) Channels() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// SetLevel drives one channel to a 0..1 dim level. Level engine.EnteringLevel
// selects the channel's entering preset.
func (b *Bus) SetLevel(ctx context.Context, channel string, level float64) error {
	ch, ok := b.channels[channel]
	if !ok {
		return fmt.Errorf("unknown lighting channel %q", channel)
	}
	if level == engine.EnteringLevel {
		level = ch.EnteringLevel
	}
	if level < 0 || level > 1 {
		return fmt.Errorf("lighting level %v out of range for channel %q", level, channel)
	}

	frame := encodeSetLevel(ch.Address, level)
	if err := b.send(ctx, frame); err != nil {
		return fmt.Errorf("channel %q (%s): %w", channel, ch.Address, err)
	}

	log.Debug().Str("channel", channel).Float64("level", level).Msg("Lighting level set")
	return nil
}

// Close releases the modem port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropLocked()
}

// send writes one frame and validates the modem's echo. The port is dropped
// on any error so a re-plugged modem recovers on the next command.
func (b *Bus) send(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := b.openLocked()
	if err != nil {
		return err
	}

	if _, err := port.Write(frame); err != nil {
		b.dropLocked()
		return fmt.Errorf("modem write: %w", err)
	}

	echo := make([]byte, 0, len(frame)+1)
	chunk := make([]byte, 16)
	deadline := time.Now().Add(b.cfg.ReadTimeout)
	for len(echo) < len(frame)+1 {
		if time.Now().After(deadline) {
			b.dropLocked()
			return fmt.Errorf("modem echo timed out")
		}
		n, err := port.Read(chunk)
		if err != nil {
			b.dropLocked()
			return fmt.Errorf("modem read: %w", err)
		}
		echo = append(echo, chunk[:n]...)
	}

	if err := checkEcho(frame, echo); err != nil {
		b.dropLocked()
		return err
	}
	return nil
}

func (b *Bus) openLocked() (serial.Port, error) {
	if b.port != nil {
		return b.port, nil
	}

	mode := &serial.Mode{
		BaudRate: b.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening modem port %s: %w", b.cfg.Port, err)
	}
	if err := port.SetReadTimeout(b.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configuring modem port %s: %w", b.cfg.Port, err)
	}

	log.Info().Str("port", b.cfg.Port).Int("baud", b.cfg.BaudRate).Msg("Powerline modem port opened")
	b.port = port
	return port, nil
}

func (b *Bus) dropLocked() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}
