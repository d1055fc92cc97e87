package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dbrodie/theatred/internal/config"
	"github.com/dbrodie/theatred/internal/engine"
	"github.com/dbrodie/theatred/internal/eventbus"
	"github.com/dbrodie/theatred/internal/harmony"
	"github.com/dbrodie/theatred/internal/health"
	"github.com/dbrodie/theatred/internal/kodi"
	"github.com/dbrodie/theatred/internal/ledger"
	"github.com/dbrodie/theatred/internal/lighting"
	"github.com/dbrodie/theatred/internal/motion"
	"github.com/dbrodie/theatred/internal/projector"
	"github.com/dbrodie/theatred/internal/status"
	"github.com/dbrodie/theatred/internal/timer"
)

// Services is a container for all application services. It manages
// initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Bus    *eventbus.Bus
	Timers *timer.Service
	Ledger *ledger.Ledger

	// Device drivers
	Projector *projector.Serial
	Lighting  *lighting.Bus
	Player    *kodi.Client
	Motion    *motion.Subscriber

	// Orchestration
	Engine *engine.Engine
	Status *status.Tracker
	Health *health.Server
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Timers = timer.NewService()

	history, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Ledger = history

	s.Projector = projector.New(projector.Config{
		Port:        cfg.Projector.Port,
		BaudRate:    cfg.Projector.BaudRate,
		ReadTimeout: cfg.Projector.ReadTimeout.Duration(),
	})

	channels := make([]lighting.Channel, 0, len(cfg.Lighting.Channels))
	for _, ch := range cfg.Lighting.Channels {
		addr, err := lighting.ParseAddress(ch.Address)
		if err != nil {
			s.Close()
			return nil, err
		}
		channels = append(channels, lighting.Channel{
			Name:          ch.Name,
			Address:       addr,
			EnteringLevel: ch.EnteringLevel,
		})
	}
	s.Lighting = lighting.New(lighting.Config{
		Port:     cfg.Lighting.Port,
		BaudRate: cfg.Lighting.BaudRate,
		Channels: channels,
	})

	s.Player = kodi.New(kodi.Config{
		Host:         cfg.Kodi.Host,
		Port:         cfg.Kodi.Port,
		Timeout:      cfg.Kodi.Timeout.Duration(),
		PollInterval: cfg.Kodi.PollInterval.Duration(),
		Username:     cfg.Kodi.Username,
		Password:     cfg.Kodi.Password,
	})

	s.Engine = engine.New(engine.Config{
		Address:           cfg.Hub.Address,
		ConnectSettle:     cfg.Hub.ConnectSettle.Duration(),
		SubscribeDelay:    cfg.Hub.SubscribeDelay.Duration(),
		PropagationDelay:  cfg.Hub.PropagationDelay.Duration(),
		InterDeviceDelay:  cfg.Hub.InterDeviceDelay.Duration(),
		OffSettle:         cfg.Hub.OffSettle.Duration(),
		MaxAttempts:       cfg.Hub.MaxAttempts,
		RateLimitRPS:      cfg.Hub.RateLimitRPS,
		ShutdownIdleTicks: ticks(time.Duration(cfg.Timers.ShutdownIdleMinutes) * time.Minute),
		DelayedLightTicks: ticks(cfg.Timers.DelayedLightOn.Duration()),
		PollInitialTicks:  ticks(cfg.Hub.PollInitial.Duration()),
		PollIntervalTicks: ticks(cfg.Hub.PollInterval.Duration()),
	}, engine.Deps{
		Hub: &harmony.Dialer{
			DialTimeout: cfg.Hub.DialTimeout.Duration(),
			CallTimeout: cfg.Hub.CallTimeout.Duration(),
		},
		Projector: s.Projector,
		Lights:    s.Lighting,
		Player:    s.Player,
		Timers:    s.Timers,
		Bus:       s.Bus,
		Recorder:  s.Ledger,
	})

	s.Motion = motion.New(motion.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		MotionTopic:    cfg.MQTT.MotionTopic,
		OverrideTopic:  cfg.MQTT.OverrideTopic,
		ConnectTimeout: cfg.MQTT.ConnectTimeout.Duration(),
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
	}, motion.Handlers{
		Motion: s.Engine.Motion,
		Toggle: s.Engine.ToggleOccupancy,
	})

	s.Status = status.NewTracker(s.Timers, cfg.Timers.StatusClear.Duration())
	s.Status.Attach(s.Bus)

	s.Health = health.New(health.Config{
		Enabled:         cfg.Health.Enabled,
		Host:            cfg.Health.Host,
		Port:            cfg.Health.Port,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	}, s.Engine, s.Status, s.Ledger)

	return s, nil
}

// Start launches all background services and kicks off the initial hub
// connection.
func (s *Services) Start(ctx context.Context) error {
	go func() {
		if err := s.Timers.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Timer service failed")
		}
	}()
	go func() {
		if err := s.Engine.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Orchestration engine failed")
		}
	}()
	go func() {
		if err := s.Health.Run(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		s.Player.Poll(ctx, s.Engine.SetPlayback)
	}()
	go func() {
		s.Ledger.RunCleanup(ctx,
			s.cfg.Ledger.CleanupInterval.Duration(),
			time.Duration(s.cfg.Ledger.RetentionDays)*24*time.Hour)
	}()

	// The serial probe seeds the projector power belief so the first
	// reconciliation pass only corrects real disagreement.
	go func() {
		state, err := s.Projector.QueryPower(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Projector: startup power query failed")
			return
		}
		s.Engine.ReportProjectorPower(state)
	}()

	if s.cfg.MQTT.Broker != "" {
		if err := s.Motion.Connect(ctx); err != nil {
			// Motion sensing is an enhancement; the theatre still works
			// without occupancy automation.
			log.Error().Err(err).Msg("MQTT connect failed - continuing without motion events")
		}
	}

	s.Engine.Connect()
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Motion != nil {
		s.Motion.Close()
	}
	if s.Projector != nil {
		s.Projector.Close()
	}
	if s.Lighting != nil {
		s.Lighting.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.Ledger != nil {
		s.Ledger.Close()
	}
}

// ticks converts a duration to whole timer ticks, rounding up.
func ticks(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + timer.TickInterval - 1) / timer.TickInterval)
}
