package engine

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// event is the engine's internal queue item. Every producer enqueues; only
// the Run goroutine dequeues.
type event interface{}

type evConnect struct{}

type evStartActivity struct {
	id    string
	label string
	force bool
}

type evStartByName struct{ name string }

type evActivityChanged struct{ id string }

type evPlayback struct{ status PlaybackState }

type evMotion struct{ occupied bool }

type evOccupancyToggle struct{}

type evProjectorPower struct{ state PowerState }

type evSendCommand struct {
	device   string
	function string
}

type evPoll struct{}

type evShutdownExpired struct{}

type evDelayedLight struct{}

// enqueue never blocks a producer. A full queue means the engine is wedged
// in a long handler; dropping with a warning beats deadlocking a timer tick.
func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Type("event", ev).Msg("Engine queue full - dropping event")
	}
}

// Connect requests the initial (or a corrective) hub connection.
func (e *Engine) Connect() {
	e.enqueue(evConnect{})
}

// StartActivity requests a transition to the given activity.
func (e *Engine) StartActivity(id, label string) {
	e.enqueue(evStartActivity{id: id, label: label, force: true})
}

// StartActivityByName requests a transition by activity label. The power-off
// label is always accepted; other labels must resolve through the directory.
func (e *Engine) StartActivityByName(name string) {
	e.enqueue(evStartByName{name: name})
}

// PowerOff requests the full power-down sequence.
func (e *Engine) PowerOff() {
	e.enqueue(evStartActivity{id: PowerOffActivityID, label: PowerOffLabel})
}

// SetPlayback reports a media player playback edge.
func (e *Engine) SetPlayback(status PlaybackState) {
	e.enqueue(evPlayback{status: status})
}

// Motion reports a motion-sensor occupancy edge.
func (e *Engine) Motion(occupied bool) {
	e.enqueue(evMotion{occupied: occupied})
}

// ToggleOccupancy flips the occupancy belief manually.
func (e *Engine) ToggleOccupancy() {
	e.enqueue(evOccupancyToggle{})
}

// ReportProjectorPower feeds an externally observed projector power state,
// typically from the startup serial probe.
func (e *Engine) ReportProjectorPower(state PowerState) {
	e.enqueue(evProjectorPower{state: state})
}

// SendDeviceCommand relays a single device function press through the hub.
func (e *Engine) SendDeviceCommand(device, function string) {
	e.enqueue(evSendCommand{device: device, function: function})
}

// orchestrationState is the engine's belief, guarded for cross-goroutine
// reads. Writes happen only on the Run goroutine.
type orchestrationState struct {
	mu             sync.RWMutex
	activityID     string
	activityLabel  string
	hubStatus      HubStatus
	projectorPower PowerState
	playback       PlaybackState
	gate           Gate
}

// CurrentActivity returns the believed activity id and label.
func (e *Engine) CurrentActivity() (id, label string) {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.activityID, e.state.activityLabel
}

// IsActivityRunning reports whether the believed activity is anything other
// than powered off.
func (e *Engine) IsActivityRunning() bool {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.activityID != "" && e.state.activityID != PowerOffActivityID
}

// HubStatus returns the hub connection state.
func (e *Engine) HubStatus() HubStatus {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.hubStatus
}

// ProjectorPower returns the believed projector power state.
func (e *Engine) ProjectorPower() PowerState {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.projectorPower
}

// Playback returns the last reported playback state.
func (e *Engine) Playback() PlaybackState {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.playback
}

// Occupied returns the occupancy belief.
func (e *Engine) Occupied() bool {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.gate.Occupied()
}
