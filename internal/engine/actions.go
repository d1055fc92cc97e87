package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dbrodie/theatred/internal/eventbus"
	"github.com/dbrodie/theatred/internal/metrics"
)

// setActivity updates the believed activity and announces the change. A
// transition away from a running activity always cancels the idle countdown;
// a fresh one re-arms it through its own handler.
func (e *Engine) setActivity(id, label, source string) {
	e.state.mu.Lock()
	changed := e.state.activityID != id || e.state.activityLabel != label
	e.state.activityID = id
	e.state.activityLabel = label
	e.state.mu.Unlock()

	if !changed {
		return
	}
	e.publish(eventbus.EventTypeActivity, map[string]interface{}{
		"id":     id,
		"label":  label,
		"source": source,
	})
	if id == PowerOffActivityID {
		e.disarmShutdownIdle()
	}
}

func (e *Engine) setHubStatus(status HubStatus) {
	e.state.mu.Lock()
	changed := e.state.hubStatus != status
	e.state.hubStatus = status
	e.state.mu.Unlock()

	if changed {
		e.publish(eventbus.EventTypeHubStatus, map[string]interface{}{"status": status.String()})
	}
}

func (e *Engine) setProjectorPower(state PowerState) {
	e.state.mu.Lock()
	e.state.projectorPower = state
	e.state.mu.Unlock()
}

func (e *Engine) setPlayback(status PlaybackState) {
	e.state.mu.Lock()
	e.state.playback = status
	e.state.mu.Unlock()
	e.publish(eventbus.EventTypePlayback, map[string]interface{}{"status": status.String()})
}

func (e *Engine) gateMotion(occupied bool) bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.gate.Motion(occupied)
}

func (e *Engine) gateOverride(occupied bool) bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.gate.Override(occupied)
}

func (e *Engine) suppressMotion() {
	e.state.mu.Lock()
	e.state.gate.Suppress()
	e.state.mu.Unlock()
	log.Debug().Msg("Occupancy: motion trigger suppressed - session implies presence")
	e.publishOccupancy()
}

// projectorPowerOn raises projector power only when the belief disagrees.
// Repeated power commands wear the lamp relay and blank the picture.
func (e *Engine) projectorPowerOn(ctx context.Context) {
	if e.ProjectorPower() == PowerOn {
		return
	}
	if e.projector == nil {
		return
	}
	if err := e.projector.PowerOn(ctx); err != nil {
		log.Warn().Err(err).Msg("Projector: power on failed")
		return
	}
	log.Info().Msg("Projector: powered on")
	e.setProjectorPower(PowerOn)
	metrics.DeviceCommands.WithLabelValues("projector", "power_on").Inc()
	e.record("projector_power_on", nil)
}

func (e *Engine) projectorPowerOff(ctx context.Context) {
	if e.ProjectorPower() == PowerOff {
		return
	}
	if e.projector == nil {
		return
	}
	if err := e.projector.PowerOff(ctx); err != nil {
		log.Warn().Err(err).Msg("Projector: power off failed")
		return
	}
	log.Info().Msg("Projector: powered off")
	e.setProjectorPower(PowerOff)
	metrics.DeviceCommands.WithLabelValues("projector", "power_off").Inc()
	e.record("projector_power_off", nil)
}

// lightsToEntering drives every configured channel to its entering preset.
// Per-channel failures are logged and skipped; powerline writes are best
// effort.
func (e *Engine) lightsToEntering(ctx context.Context) {
	if e.lights == nil {
		return
	}
	for _, channel := range e.lights.Channels() {
		if err := e.lights.SetLevel(ctx, channel, EnteringLevel); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("Lighting: set level failed")
			continue
		}
		metrics.DeviceCommands.WithLabelValues("lighting", "entering_level").Inc()
	}
	log.Info().Msg("Lighting: channels set to entering level")
	e.record("lights_entering", nil)
}

func (e *Engine) scanLibrary(ctx context.Context) {
	if e.player == nil {
		return
	}
	if err := e.player.ScanLibrary(ctx); err != nil {
		log.Warn().Err(err).Msg("Player: library scan request failed")
		return
	}
	log.Debug().Msg("Player: library scan requested")
	metrics.DeviceCommands.WithLabelValues("player", "library_scan").Inc()
}

// armShutdownIfIdle (re)starts the idle power-down countdown, but only while
// an activity is running with playback stopped. Arming an armed countdown
// resets it; there is never more than one.
func (e *Engine) armShutdownIfIdle() {
	if e.shutdownIdle == nil || e.cfg.ShutdownIdleTicks <= 0 {
		return
	}
	if !e.IsActivityRunning() || e.Playback() != PlaybackStopped {
		return
	}
	e.shutdownIdle.Arm(e.cfg.ShutdownIdleTicks)
	log.Info().Int("ticks", e.cfg.ShutdownIdleTicks).Msg("Theatre: idle power-down timer started")
}

func (e *Engine) disarmShutdownIdle() {
	if e.shutdownIdle == nil {
		return
	}
	if e.shutdownIdle.Armed() {
		log.Info().Msg("Theatre: idle power-down timer stopped")
	}
	e.shutdownIdle.Disarm()
}

func (e *Engine) armDelayedLight() {
	if e.delayedLight == nil || e.cfg.DelayedLightTicks <= 0 {
		return
	}
	e.delayedLight.Arm(e.cfg.DelayedLightTicks)
	log.Debug().Int("ticks", e.cfg.DelayedLightTicks).Msg("Lighting: delayed light timer started")
}

func (e *Engine) publishOccupancy() {
	e.publish(eventbus.EventTypeOccupancy, map[string]interface{}{"occupied": e.Occupied()})
}

func (e *Engine) statusf(message string) {
	e.publish(eventbus.EventTypeStatus, map[string]interface{}{"message": message})
}

func (e *Engine) publish(eventType eventbus.EventType, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventType, Data: payload})
}

func (e *Engine) record(event string, payload map[string]any) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(event, payload)
}
