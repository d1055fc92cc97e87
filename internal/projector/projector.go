// Package projector drives projector power over a dedicated RS-232 link,
// independent of the activity hub's IR path. The serial port is opened
// lazily and dropped on any transaction error, so a re-plugged adapter
// recovers on the next command.
package projector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/dbrodie/theatred/internal/engine"
)

// Config describes the projector's serial link.
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Serial is a projector attached over RS-232. It implements engine.Projector.
type Serial struct {
	cfg Config

	mu   sync.Mutex
	port serial.Port
}

// New creates a projector driver. The port is not opened until first use.
func New(cfg Config) *Serial {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	return &Serial{cfg: cfg}
}

// PowerOn raises projector power.
func (s *Serial) PowerOn(ctx context.Context) error {
	_, err := s.transact(ctx, cmdPowerOn)
	return err
}

// PowerOff drops projector power.
func (s *Serial) PowerOff(ctx context.Context) error {
	_, err := s.transact(ctx, cmdPowerOff)
	return err
}

// QueryPower asks the projector for its actual power state.
func (s *Serial) QueryPower(ctx context.Context) (engine.PowerState, error) {
	payload, err := s.transact(ctx, cmdQueryPower)
	if err != nil {
		return engine.PowerUnknown, err
	}
	switch payload {
	case replyPowerOn:
		return engine.PowerOn, nil
	case replyPowerOff:
		return engine.PowerOff, nil
	default:
		return engine.PowerUnknown, fmt.Errorf("unexpected power query reply %q", payload)
	}
}

// Close releases the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

// transact writes one framed command and reads the framed response.
// Transactions are serialized; the projector answers one command at a time.
func (s *Serial) transact(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	port, err := s.openLocked()
	if err != nil {
		return "", err
	}

	if _, err := port.Write(encodeFrame(command)); err != nil {
		s.dropLocked()
		return "", fmt.Errorf("projector write %s: %w", command, err)
	}

	buf := make([]byte, 0, 32)
	chunk := make([]byte, 16)
	deadline := time.Now().Add(s.cfg.ReadTimeout)
	for !frameComplete(buf) {
		if time.Now().After(deadline) {
			s.dropLocked()
			return "", fmt.Errorf("projector timed out on %s", command)
		}
		n, err := port.Read(chunk)
		if err != nil {
			s.dropLocked()
			return "", fmt.Errorf("projector read after %s: %w", command, err)
		}
		buf = append(buf, chunk[:n]...)
	}

	payload, err := decodeFrame(buf)
	if err != nil {
		return "", err
	}
	log.Debug().Str("command", command).Str("reply", payload).Msg("Projector transaction")
	return payload, nil
}

func (s *Serial) openLocked() (serial.Port, error) {
	if s.port != nil {
		return s.port, nil
	}

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening projector port %s: %w", s.cfg.Port, err)
	}
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configuring projector port %s: %w", s.cfg.Port, err)
	}

	log.Info().Str("port", s.cfg.Port).Int("baud", s.cfg.BaudRate).Msg("Projector serial port opened")
	s.port = port
	return port, nil
}

func (s *Serial) dropLocked() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
