// Package motion subscribes to the motion sensor and the manual occupancy
// override over MQTT. It only parses and forwards edges; all occupancy
// policy lives in the orchestration engine.
package motion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Config describes the broker and topics.
type Config struct {
	Broker         string
	ClientID       string
	MotionTopic    string
	OverrideTopic  string
	ConnectTimeout time.Duration
	Username       string
	Password       string
}

// Handlers receive parsed edges. Both run on paho's callback goroutines and
// must not block; the engine's enqueue satisfies that.
type Handlers struct {
	Motion func(occupied bool)
	Toggle func()
}

// Subscriber maintains the broker connection and subscriptions.
type Subscriber struct {
	cfg      Config
	handlers Handlers
	client   mqtt.Client
}

// New creates a subscriber. Connect establishes the session.
func New(cfg Config, handlers Handlers) *Subscriber {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Subscriber{cfg: cfg, handlers: handlers}
}

// Connect dials the broker and subscribes. Paho reconnects and resubscribes
// on its own after transient broker loss.
func (s *Subscriber) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// onConnect (re)establishes subscriptions; paho drops them on reconnect
// unless session state is persisted.
func (s *Subscriber) onConnect(client mqtt.Client) {
	log.Info().Str("broker", s.cfg.Broker).Msg("MQTT connected")

	if s.cfg.MotionTopic != "" {
		if token := client.Subscribe(s.cfg.MotionTopic, 0, s.onMotion); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", s.cfg.MotionTopic).Msg("MQTT subscribe failed")
		}
	}
	if s.cfg.OverrideTopic != "" {
		if token := client.Subscribe(s.cfg.OverrideTopic, 0, s.onOverride); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", s.cfg.OverrideTopic).Msg("MQTT subscribe failed")
		}
	}
}

func (s *Subscriber) onMotion(_ mqtt.Client, msg mqtt.Message) {
	occupied, err := ParseOccupancy(msg.Payload())
	if err != nil {
		log.Debug().Err(err).Str("topic", msg.Topic()).Msg("Unparseable motion payload - skipping")
		return
	}
	log.Debug().Bool("occupied", occupied).Str("topic", msg.Topic()).Msg("Motion edge")
	if s.handlers.Motion != nil {
		s.handlers.Motion(occupied)
	}
}

func (s *Subscriber) onOverride(_ mqtt.Client, msg mqtt.Message) {
	log.Debug().Str("topic", msg.Topic()).Msg("Occupancy override message")
	if s.handlers.Toggle != nil {
		s.handlers.Toggle()
	}
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// ParseOccupancy decodes a motion payload. Plain ON/OFF style strings and
// zigbee2mqtt-style JSON objects with an "occupancy" field are accepted.
func ParseOccupancy(payload []byte) (bool, error) {
	trimmed := strings.TrimSpace(string(payload))
	switch strings.ToUpper(trimmed) {
	case "ON", "TRUE", "1", "MOTION", "OCCUPIED":
		return true, nil
	case "OFF", "FALSE", "0", "CLEAR", "VACANT":
		return false, nil
	}

	var parsed struct {
		Occupancy *bool `json:"occupancy"`
	}
	if err := json.Unmarshal(payload, &parsed); err == nil && parsed.Occupancy != nil {
		return *parsed.Occupancy, nil
	}
	return false, fmt.Errorf("unrecognized occupancy payload %q", trimmed)
}
