// Package engine implements the activity orchestration and reconciliation
// core: it owns the belief of which activity is running, listens for drift
// between that belief and the hub's reported state, and issues idempotent
// corrective commands to the projector, lighting, and media player.
//
// All state mutations and corrective commands happen on a single goroutine
// draining one event queue. Producers (public API, hub notification pump,
// countdown expiries, device pollers) only enqueue. Fixed delays inside
// handlers are context-aware sleeps; they defer queued events but never
// block the timers that produce them.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dbrodie/theatred/internal/eventbus"
	"github.com/dbrodie/theatred/internal/metrics"
	"github.com/dbrodie/theatred/internal/timer"
)

var errNoSession = errors.New("no hub session")

// Config contains the engine's timing and retry settings. Tick counts are in
// timer.TickInterval units.
type Config struct {
	Address string

	ConnectSettle    time.Duration // wait after connect before trusting hub queries
	SubscribeDelay   time.Duration // wait before subscribing to push notifications
	PropagationDelay time.Duration // wait after a push notification before issuing commands
	InterDeviceDelay time.Duration // gap between projector power-on and hub activity start
	OffSettle        time.Duration // wait after hub turn-off before local corrections

	MaxAttempts  int
	RateLimitRPS float64

	ShutdownIdleTicks int // idle countdown before automatic power-down
	DelayedLightTicks int // delayed-light countdown after activity start, 0 disables
	PollInitialTicks  int // first drift poll after startup
	PollIntervalTicks int // steady-state drift poll interval

	QueueSize int
}

// Deps are the engine's collaborators, supplied at construction instead of
// reached through ambient globals.
type Deps struct {
	Hub       HubDialer
	Projector Projector
	Lights    Lights
	Player    Player
	Timers    *timer.Service
	Bus       *eventbus.Bus
	Recorder  Recorder
}

// Engine is the single authority for the current activity and the corrective
// actions that follow any change to it.
type Engine struct {
	cfg       Config
	hub       HubDialer
	projector Projector
	lights    Lights
	player    Player
	bus       *eventbus.Bus
	recorder  Recorder
	limiter   *rate.Limiter
	directory *Directory

	shutdownIdle *timer.Countdown
	delayedLight *timer.Countdown
	poll         *timer.Countdown

	events chan event

	// Loop-owned; never touched outside the Run goroutine.
	session HubSession

	// Belief state, written only by the Run goroutine, read through the
	// stateRead helpers by anyone.
	state orchestrationState
}

// New creates an engine with all collaborators wired but nothing running.
func New(cfg Config, deps Deps) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5.0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	e := &Engine{
		cfg:       cfg,
		hub:       deps.Hub,
		projector: deps.Projector,
		lights:    deps.Lights,
		player:    deps.Player,
		bus:       deps.Bus,
		recorder:  deps.Recorder,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		directory: NewDirectory(),
		events:    make(chan event, cfg.QueueSize),
	}

	if deps.Timers != nil {
		e.shutdownIdle = deps.Timers.NewCountdown("shutdown_idle", func() { e.enqueue(evShutdownExpired{}) })
		e.delayedLight = deps.Timers.NewCountdown("delayed_light", func() { e.enqueue(evDelayedLight{}) })
		e.poll = deps.Timers.NewCountdown("hub_poll", func() { e.enqueue(evPoll{}) })
	}

	return e
}

// Directory returns the activity directory.
func (e *Engine) Directory() *Directory {
	return e.directory
}

// Run drains the event queue until the context is cancelled. It is the only
// goroutine that mutates orchestration state or talks to the hub session.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Msg("Orchestration engine started")

	if e.poll != nil {
		e.poll.Arm(e.cfg.PollInitialTicks)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Orchestration engine stopping")
			e.disposeSession()
			return nil
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case evConnect:
		e.handleConnect(ctx)
	case evStartActivity:
		e.handleStartActivity(ctx, ev.id, ev.label, ev.force)
	case evStartByName:
		e.handleStartByName(ctx, ev.name)
	case evActivityChanged:
		e.handleActivityChanged(ctx, ev.id)
	case evPlayback:
		e.handlePlayback(ev.status)
	case evMotion:
		e.handleMotion(ctx, ev.occupied)
	case evOccupancyToggle:
		e.handleOccupancyToggle(ctx)
	case evProjectorPower:
		e.setProjectorPower(ev.state)
	case evSendCommand:
		e.handleSendCommand(ctx, ev.device, ev.function)
	case evPoll:
		e.handlePoll(ctx)
	case evShutdownExpired:
		e.handleShutdownExpired(ctx)
	case evDelayedLight:
		e.handleDelayedLight(ctx)
	}
}

// handleConnect establishes the hub link, waits for the hub's own state to
// settle, queries the current activity, and only then subscribes to push
// notifications so the handshake's own notifications are not processed.
// Failure is non-fatal: the engine degrades to Disconnected and the poll
// countdown retries later.
func (e *Engine) handleConnect(ctx context.Context) {
	e.setHubStatus(HubConnecting)
	log.Info().Str("address", e.cfg.Address).Msg("Hub: connecting")
	metrics.HubReconnects.Inc()

	sess, err := e.hub.Dial(ctx, e.cfg.Address)
	if err != nil {
		log.Warn().Err(err).Msg("Hub: cannot connect")
		e.setHubStatus(HubDisconnected)
		return
	}
	e.session = sess

	e.sleep(ctx, e.cfg.ConnectSettle)

	id, err := e.hubCurrentActivity(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Hub: current activity query failed after connect")
		e.disposeSession()
		return
	}

	e.setHubStatus(HubConnected)
	e.setActivity(id, e.directory.LabelFor(id), "connect")
	log.Info().Str("activity_id", id).Msg("Hub: connected")

	// An already-running activity means the room is evidently occupied;
	// suppress the motion auto-trigger so the next motion edge does not
	// fight the session's own lighting cues.
	if id != PowerOffActivityID && !e.Occupied() {
		e.suppressMotion()
	}

	e.sleep(ctx, e.cfg.SubscribeDelay)
	e.pumpNotifications(ctx, sess)

	e.syncDirectory(ctx, id)
}

// handleActivityChanged processes a hub push notification.
func (e *Engine) handleActivityChanged(ctx context.Context, id string) {
	log.Info().Str("activity_id", id).Msg("Hub: push notification received")
	metrics.ActivityChanges.WithLabelValues("push").Inc()

	e.syncDirectory(ctx, id)

	if id == PowerOffActivityID {
		e.projectorPowerOff(ctx)
		e.lightsToEntering(ctx)
		e.disarmShutdownIdle()
		return
	}

	// Devices take time to report true state after a hub-initiated change;
	// issuing commands immediately races the hub's own activation sequence.
	e.sleep(ctx, e.cfg.PropagationDelay)

	if !e.Occupied() {
		e.suppressMotion()
	}
	e.projectorPowerOn(ctx)
	e.armDelayedLight()
	e.armShutdownIfIdle()
	e.scanLibrary(ctx)
}

// handleStartActivity performs a user- or policy-initiated transition. Device
// commands are issued optimistically once; only the hub command itself is
// retried, with a dispose+reconnect between attempts.
func (e *Engine) handleStartActivity(ctx context.Context, id, label string, force bool) {
	log.Info().Str("activity", label).Str("activity_id", id).Msg("Hub: starting activity")
	e.statusf("Starting activity - " + label)
	e.setActivity(id, label, "start")
	metrics.ActivityChanges.WithLabelValues("start").Inc()

	if id != PowerOffActivityID {
		e.projectorPowerOn(ctx)
		e.scanLibrary(ctx)
		if force {
			e.armDelayedLight()
		}
	}

	err := retryDo(ctx, e.cfg.MaxAttempts, func(ctx context.Context) error {
		if e.session == nil {
			return errNoSession
		}
		if id != PowerOffActivityID {
			// Give the projector a head start; spinning the amplifier and
			// projector up together browns out the video source.
			e.sleep(ctx, e.cfg.InterDeviceDelay)
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			metrics.HubCommands.WithLabelValues("start_activity").Inc()
			return e.session.StartActivity(ctx, id)
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		metrics.HubCommands.WithLabelValues("turn_off").Inc()
		if err := e.session.TurnOff(ctx); err != nil {
			return err
		}
		// Leave occupants light to exit by even when the hub's own off
		// sequence is slow.
		e.sleep(ctx, e.cfg.OffSettle)
		e.lightsToEntering(ctx)
		e.projectorPowerOff(ctx)
		return nil
	}, e.recoverSession)
	if err != nil {
		log.Error().Err(err).Str("activity", label).Msg("Hub: giving up on activity start")
		e.statusf("Could not start activity - " + label)
		metrics.RetriesExhausted.Inc()
		return
	}

	e.record("activity_started", map[string]any{"id": id, "label": label})
	if id == PowerOffActivityID {
		e.disarmShutdownIdle()
	} else {
		e.armShutdownIfIdle()
	}
}

// handleStartByName resolves a label through the directory. The power-off
// label is reserved, not looked up. A lookup miss is logged and abandoned.
func (e *Engine) handleStartByName(ctx context.Context, name string) {
	if name == PowerOffLabel {
		e.handleStartActivity(ctx, PowerOffActivityID, PowerOffLabel, false)
		return
	}

	activity, ok := e.directory.Lookup(name)
	if !ok {
		log.Warn().Str("activity", name).Msg("Hub: unknown activity - cannot start by name")
		e.statusf("Unknown activity - " + name)
		return
	}
	e.handleStartActivity(ctx, activity.ID, activity.Label, true)
}

// syncDirectory queries the hub's activity list, rebuilds the directory
// wholesale, and reconciles drift for the entry matching the current
// activity. Retries reuse the same connection; directory staleness is not
// worth a reconnect storm.
func (e *Engine) syncDirectory(ctx context.Context, currentID string) {
	err := retryDo(ctx, e.cfg.MaxAttempts, func(ctx context.Context) error {
		if e.session == nil {
			return errNoSession
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		activities, err := e.session.Activities(ctx)
		if err != nil {
			return err
		}
		e.directory.Replace(activities)
		return nil
	}, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Hub: cannot update activity directory")
		metrics.RetriesExhausted.Inc()
		return
	}

	e.setActivity(currentID, e.directory.LabelFor(currentID), "sync")

	// Drift between the hub's view and the local projector belief is
	// reconciled only for the current activity.
	switch {
	case currentID == PowerOffActivityID && e.ProjectorPower() == PowerOn:
		log.Info().Msg("Hub: activity disabled - powering off projector")
		e.projectorPowerOff(ctx)
	case currentID != PowerOffActivityID && e.ProjectorPower() == PowerOff:
		log.Info().Msg("Hub: activity enabled - powering on projector")
		e.projectorPowerOn(ctx)
		e.scanLibrary(ctx)
		e.armDelayedLight()
	}
}

// handlePoll is the drift check. It only detects; reconnect+resync is the
// single corrective path, so the poll never issues device commands itself.
func (e *Engine) handlePoll(ctx context.Context) {
	defer func() {
		if e.poll != nil {
			e.poll.Arm(e.cfg.PollIntervalTicks)
		}
	}()

	if e.HubStatus() == HubConnected && e.session != nil {
		id, err := e.hubCurrentActivity(ctx)
		believed, _ := e.CurrentActivity()
		if err == nil && id == believed {
			log.Debug().Str("activity_id", id).Msg("Hub: poll - no drift")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Hub: error polling hub - reconnecting")
		} else {
			log.Info().
				Str("reported", id).
				Str("believed", believed).
				Msg("Hub: poll detected activity drift - reconnecting")
			metrics.PollDrift.Inc()
		}
		e.disposeSession()
	}

	e.handleConnect(ctx)
}

func (e *Engine) handlePlayback(status PlaybackState) {
	if e.Playback() == status {
		return
	}
	e.setPlayback(status)
	log.Info().Str("status", status.String()).Msg("Player: playback status changed")

	if status == PlaybackStopped {
		e.armShutdownIfIdle()
	} else {
		e.disarmShutdownIdle()
	}
}

func (e *Engine) handleMotion(ctx context.Context, occupied bool) {
	wasOccupied := e.Occupied()
	transitioned := e.gateMotion(occupied)

	if occupied {
		if !transitioned {
			return
		}
		log.Info().Msg("Occupancy: room occupied")
		e.statusf("Room is now occupied")
		e.publishOccupancy()
		// Occupancy lighting yields to a running session's own cues.
		if !e.IsActivityRunning() && e.Playback() == PlaybackStopped {
			e.lightsToEntering(ctx)
		}
		return
	}

	if wasOccupied {
		log.Info().Msg("Occupancy: room vacant")
		e.statusf("Room is now vacant")
		e.publishOccupancy()
	}
}

func (e *Engine) handleOccupancyToggle(ctx context.Context) {
	if e.Occupied() {
		e.gateOverride(false)
		log.Info().Msg("Occupancy: overriding room to vacant")
		e.statusf("Room is now vacant")
	} else {
		transitioned := e.gateOverride(true)
		log.Info().Msg("Occupancy: overriding room to occupied")
		e.statusf("Room is now occupied")
		if transitioned && !e.IsActivityRunning() && e.Playback() == PlaybackStopped {
			e.lightsToEntering(ctx)
		}
	}
	e.publishOccupancy()
}

func (e *Engine) handleSendCommand(ctx context.Context, device, function string) {
	err := retryDo(ctx, e.cfg.MaxAttempts, func(ctx context.Context) error {
		if e.session == nil {
			return errNoSession
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		metrics.HubCommands.WithLabelValues("send_command").Inc()
		return e.session.SendCommand(ctx, device, function)
	}, e.recoverSession)
	if err != nil {
		log.Error().Err(err).
			Str("device", device).
			Str("function", function).
			Msg("Hub: giving up on device command")
		metrics.RetriesExhausted.Inc()
		return
	}

	log.Info().Str("device", device).Str("function", function).Msg("Hub: sent device command")
	e.record("device_command", map[string]any{"device": device, "function": function})
}

func (e *Engine) handleShutdownExpired(ctx context.Context) {
	log.Info().Msg("Theatre: idle timer expired - powering down")
	if e.IsActivityRunning() {
		e.handleStartByName(ctx, PowerOffLabel)
	}
}

func (e *Engine) handleDelayedLight(ctx context.Context) {
	log.Debug().Msg("Lighting: delayed light timer expired")
	e.lightsToEntering(ctx)
}

// recoverSession is the recovery action between failed hub attempts:
// dispose of the stale connection and rebuild it. Retries are loops on the
// engine goroutine, so only one reconnect is ever in flight.
func (e *Engine) recoverSession(ctx context.Context) {
	e.disposeSession()
	e.handleConnect(ctx)
}

func (e *Engine) hubCurrentActivity(ctx context.Context) (string, error) {
	if e.session == nil {
		return "", errNoSession
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return e.session.CurrentActivity(ctx)
}

func (e *Engine) disposeSession() {
	if e.session != nil {
		log.Info().Msg("Hub: disposing of stale connection")
		e.statusf("Closing stale hub connection")
		if err := e.session.Close(); err != nil {
			log.Debug().Err(err).Msg("Hub: close error")
		}
		e.session = nil
	}
	e.setHubStatus(HubDisconnected)
}

// pumpNotifications forwards push notifications from the session into the
// event queue. The pump dies with the session (channel close) or the engine
// context; a stale session's pump simply drains nothing.
func (e *Engine) pumpNotifications(ctx context.Context, sess HubSession) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-sess.Notifications():
				if !ok {
					return
				}
				e.enqueue(evActivityChanged{id: id})
			}
		}
	}()
}

// sleep is a context-aware fixed delay inside a handler. It suspends this
// handler only; timers and producers keep running and their events queue up.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
