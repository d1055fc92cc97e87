package engine

import "context"

// PowerOffActivityID is the hub's reserved sentinel for "power off / no activity".
const PowerOffActivityID = "-1"

// PowerOffLabel is the reserved activity name for the power-off sentinel.
// It is never looked up in the activity directory.
const PowerOffLabel = "PowerOff"

// EnteringLevel is the lighting preset level used when occupants are arriving
// or leaving, distinct from playback-level lighting.
const EnteringLevel = -1

// HubStatus is the hub connection state.
type HubStatus int

const (
	HubDisconnected HubStatus = iota
	HubConnecting
	HubConnected
)

func (s HubStatus) String() string {
	switch s {
	case HubConnecting:
		return "connecting"
	case HubConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PowerState is the last known projector power state. It is used only to
// detect out-of-sync conditions, never as authoritative projector truth.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

// PlaybackState is the media player's reported playback status.
type PlaybackState int

const (
	PlaybackStopped PlaybackState = iota
	PlaybackPlaying
	PlaybackPaused
)

func (p PlaybackState) String() string {
	switch p {
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Activity is one hub-orchestrated end-to-end device configuration.
type Activity struct {
	ID      string
	Label   string
	Devices []string
}

// HubSession is an established connection to the activity hub.
type HubSession interface {
	// CurrentActivity returns the hub's current activity id.
	CurrentActivity(ctx context.Context) (string, error)
	// Activities returns the hub's full activity list.
	Activities(ctx context.Context) ([]Activity, error)
	// StartActivity asks the hub to start the given activity.
	StartActivity(ctx context.Context, id string) error
	// TurnOff asks the hub to shut everything down.
	TurnOff(ctx context.Context) error
	// SendCommand sends a single named function to a named device.
	SendCommand(ctx context.Context, device, function string) error
	// Notifications delivers activity-changed push notifications. The
	// channel is closed when the session dies.
	Notifications() <-chan string
	Close() error
}

// HubDialer establishes hub sessions.
type HubDialer interface {
	Dial(ctx context.Context, address string) (HubSession, error)
}

// Projector controls projector power over its own persistent link.
type Projector interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	QueryPower(ctx context.Context) (PowerState, error)
}

// Lights drives the lighting bus. Level EnteringLevel (-1) selects the
// per-channel entering preset.
type Lights interface {
	Channels() []string
	SetLevel(ctx context.Context, channel string, level float64) error
}

// Player triggers media player maintenance. Playback status arrives through
// Engine.SetPlayback, pushed by the player's own poller.
type Player interface {
	ScanLibrary(ctx context.Context) error
}

// Recorder persists command/state history for auditing.
type Recorder interface {
	Record(event string, payload map[string]any)
}
