package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dbrodie/theatred/internal/timer"
)

// fakeSession scripts hub behavior for engine tests.
type fakeSession struct {
	mu sync.Mutex

	current    string
	activities []Activity

	currentErr    error
	activitiesErr error
	startErr      error
	turnOffErr    error

	started  []string
	turnOffs int
	commands [][2]string
	notif    chan string
	closed   bool
}

func newFakeSession(current string, activities ...Activity) *fakeSession {
	return &fakeSession{
		current:    current,
		activities: activities,
		notif:      make(chan string, 4),
	}
}

func (f *fakeSession) CurrentActivity(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return "", f.currentErr
	}
	return f.current, nil
}

func (f *fakeSession) Activities(context.Context) ([]Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activitiesErr != nil {
		return nil, f.activitiesErr
	}
	return f.activities, nil
}

func (f *fakeSession) StartActivity(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	f.current = id
	return nil
}

func (f *fakeSession) TurnOff(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnOffErr != nil {
		return f.turnOffErr
	}
	f.turnOffs++
	f.current = PowerOffActivityID
	return nil
}

func (f *fakeSession) SendCommand(_ context.Context, device, function string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, [2]string{device, function})
	return nil
}

func (f *fakeSession) Notifications() <-chan string { return f.notif }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeSession) turnOffCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turnOffs
}

type fakeDialer struct {
	mu    sync.Mutex
	sess  *fakeSession
	err   error
	dials int
}

func (f *fakeDialer) Dial(context.Context, string) (HubSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type fakeProjector struct {
	mu   sync.Mutex
	ons  int
	offs int
	err  error
}

func (f *fakeProjector) PowerOn(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ons++
	return nil
}

func (f *fakeProjector) PowerOff(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.offs++
	return nil
}

func (f *fakeProjector) QueryPower(context.Context) (PowerState, error) {
	return PowerUnknown, nil
}

func (f *fakeProjector) counts() (ons, offs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ons, f.offs
}

type fakeLights struct {
	mu       sync.Mutex
	channels []string
	sets     []string
}

func (f *fakeLights) Channels() []string { return f.channels }

func (f *fakeLights) SetLevel(_ context.Context, channel string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, channel)
	return nil
}

func (f *fakeLights) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets)
}

type fakePlayer struct {
	mu    sync.Mutex
	scans int
}

func (f *fakePlayer) ScanLibrary(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return nil
}

func (f *fakePlayer) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// testRig bundles an engine with its fakes. All delays are zero so handlers
// run synchronously and tests drive the event loop by hand.
type testRig struct {
	engine    *Engine
	dialer    *fakeDialer
	projector *fakeProjector
	lights    *fakeLights
	player    *fakePlayer
	timers    *timer.Service
}

func newTestRig(sess *fakeSession) *testRig {
	r := &testRig{
		dialer:    &fakeDialer{sess: sess},
		projector: &fakeProjector{},
		lights:    &fakeLights{channels: []string{"overheads", "sconces"}},
		player:    &fakePlayer{},
		timers:    timer.NewService(),
	}
	r.engine = New(Config{
		Address:           "hub.local:8088",
		MaxAttempts:       3,
		RateLimitRPS:      1000,
		ShutdownIdleTicks: 300,
		DelayedLightTicks: 10,
		PollInitialTicks:  30,
		PollIntervalTicks: 60,
	}, Deps{
		Hub:       r.dialer,
		Projector: r.projector,
		Lights:    r.lights,
		Player:    r.player,
		Timers:    r.timers,
	})
	return r
}

// drain dispatches every queued event synchronously.
func (r *testRig) drain(ctx context.Context) {
	for {
		select {
		case ev := <-r.engine.events:
			r.engine.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func TestConnectAdoptsHubActivity(t *testing.T) {
	sess := newFakeSession("123",
		Activity{ID: "123", Label: "Watch a Movie"},
		Activity{ID: "456", Label: "Listen to Music"},
	)
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)

	if got := r.engine.HubStatus(); got != HubConnected {
		t.Fatalf("hub status = %v, want connected", got)
	}
	id, label := r.engine.CurrentActivity()
	if id != "123" || label != "Watch a Movie" {
		t.Fatalf("current activity = %q/%q, want 123/Watch a Movie", id, label)
	}
	if !r.engine.Occupied() {
		t.Error("running activity at connect should imply occupancy")
	}
	if r.engine.Directory().Len() != 2 {
		t.Errorf("directory has %d entries, want 2", r.engine.Directory().Len())
	}
}

func TestConnectPoweredOffIssuesNoCommands(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "123", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)

	if ons, offs := r.projector.counts(); ons != 0 || offs != 0 {
		t.Errorf("projector commands at idle connect: ons=%d offs=%d, want none", ons, offs)
	}
	if r.player.scanCount() != 0 {
		t.Error("library scan issued at idle connect")
	}
	if r.engine.Occupied() {
		t.Error("powered-off hub should not imply occupancy")
	}
	if r.engine.IsActivityRunning() {
		t.Error("power-off sentinel should not count as running")
	}
}

// Push notification after an idle connect: propagation delay, motion
// suppression, exactly one projector-on and one rescan, both timers armed.
func TestPushNotificationStartsSession(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)

	sess.mu.Lock()
	sess.current = "999"
	sess.mu.Unlock()
	r.engine.handleActivityChanged(ctx, "999")

	if !r.engine.Occupied() {
		t.Error("hub-initiated start should suppress the motion trigger")
	}
	if ons, _ := r.projector.counts(); ons != 1 {
		t.Errorf("projector power-on issued %d times, want 1", ons)
	}
	if r.player.scanCount() != 1 {
		t.Errorf("library scan issued %d times, want 1", r.player.scanCount())
	}
	if !r.engine.shutdownIdle.Armed() {
		t.Error("shutdown-idle timer not armed")
	}
	if !r.engine.delayedLight.Armed() {
		t.Error("delayed-light timer not armed")
	}
	if _, label := r.engine.CurrentActivity(); label != "Watch a Movie" {
		t.Errorf("label = %q, want Watch a Movie", label)
	}
}

// Power-off notification twice in a row: same end state, no second projector
// command.
func TestActivityChangedPowerOffIdempotent(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.setProjectorPower(PowerOn)
	r.engine.shutdownIdle.Arm(300)

	sess.mu.Lock()
	sess.current = PowerOffActivityID
	sess.mu.Unlock()

	r.engine.handleActivityChanged(ctx, PowerOffActivityID)
	r.engine.handleActivityChanged(ctx, PowerOffActivityID)

	if _, offs := r.projector.counts(); offs != 1 {
		t.Errorf("projector power-off issued %d times, want 1", offs)
	}
	if r.engine.shutdownIdle.Armed() {
		t.Error("shutdown-idle timer still armed after power off")
	}
	if r.engine.IsActivityRunning() {
		t.Error("engine still believes an activity is running")
	}
	if got := r.engine.ProjectorPower(); got != PowerOff {
		t.Errorf("projector belief = %v, want off", got)
	}
}

func TestStartActivityOptimisticCommands(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.handleStartByName(ctx, "Watch a Movie")

	if got := sess.startCount(); got != 1 {
		t.Fatalf("hub start issued %d times, want 1", got)
	}
	if ons, _ := r.projector.counts(); ons != 1 {
		t.Errorf("projector power-on issued %d times, want 1", ons)
	}
	if r.player.scanCount() != 1 {
		t.Errorf("library scan issued %d times, want 1", r.player.scanCount())
	}
	if id, _ := r.engine.CurrentActivity(); id != "999" {
		t.Errorf("belief = %q, want 999 (set optimistically)", id)
	}
	if !r.engine.shutdownIdle.Armed() {
		t.Error("shutdown-idle timer not armed after start")
	}
}

func TestStartActivityUnknownNameAbandoned(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.handleStartByName(ctx, "Karaoke Night")

	if got := sess.startCount(); got != 0 {
		t.Errorf("hub start issued %d times for unknown activity, want 0", got)
	}
	if id, _ := r.engine.CurrentActivity(); id != PowerOffActivityID {
		t.Errorf("belief changed to %q on unknown activity", id)
	}
}

func TestPowerOffSequence(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.setProjectorPower(PowerOn)
	r.engine.handleStartByName(ctx, PowerOffLabel)

	if got := sess.turnOffCount(); got != 1 {
		t.Fatalf("hub turn-off issued %d times, want 1", got)
	}
	if _, offs := r.projector.counts(); offs != 1 {
		t.Errorf("projector power-off issued %d times, want 1", offs)
	}
	if r.lights.setCount() != len(r.lights.channels) {
		t.Errorf("entering lights set on %d channels, want %d", r.lights.setCount(), len(r.lights.channels))
	}
	if r.engine.IsActivityRunning() {
		t.Error("engine still believes an activity is running after power off")
	}
}

// A hub command that keeps failing is retried exactly MaxAttempts times with
// a dispose+reconnect between attempts, then abandoned.
func TestRetryExhaustionReconnectsAndGivesUp(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "999", Label: "Watch a Movie"})
	sess.startErr = errors.New("hub wedged")
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	dialsBefore := r.dialer.dialCount()

	r.engine.handleStartByName(ctx, "Watch a Movie")

	if got := sess.startCount(); got != 0 {
		t.Errorf("start recorded %d successes, want 0", got)
	}
	// One reconnect per failed attempt.
	if got := r.dialer.dialCount() - dialsBefore; got != 3 {
		t.Errorf("reconnects during retry = %d, want 3", got)
	}
	// The engine remains usable: a later connect+start succeeds.
	sess.mu.Lock()
	sess.startErr = nil
	sess.mu.Unlock()
	r.engine.handleStartByName(ctx, "Watch a Movie")
	if got := sess.startCount(); got != 1 {
		t.Errorf("start after recovery = %d, want 1", got)
	}
}

func TestDirectorySyncFailureKeepsConnection(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	dialsBefore := r.dialer.dialCount()
	entriesBefore := r.engine.Directory().Len()

	sess.mu.Lock()
	sess.activitiesErr = errors.New("config fetch failed")
	sess.mu.Unlock()
	r.engine.syncDirectory(ctx, "999")

	// Directory retries never tear the connection down.
	if got := r.dialer.dialCount(); got != dialsBefore {
		t.Errorf("dials = %d, want %d (no reconnect for directory sync)", got, dialsBefore)
	}
	if got := r.engine.Directory().Len(); got != entriesBefore {
		t.Errorf("directory entries = %d, want %d (stale copy kept)", got, entriesBefore)
	}
}

func TestPollNoDriftIsQuiet(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	dialsBefore := r.dialer.dialCount()

	r.engine.handlePoll(ctx)

	if got := r.dialer.dialCount(); got != dialsBefore {
		t.Errorf("poll without drift dialed %d extra times", got-dialsBefore)
	}
	if ons, offs := r.projector.counts(); ons != 0 || offs != 0 {
		t.Errorf("poll issued projector commands: ons=%d offs=%d", ons, offs)
	}
	if !r.engine.poll.Armed() {
		t.Error("poll countdown not re-armed")
	}
}

func TestPollDriftForcesReconnect(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	dialsBefore := r.dialer.dialCount()

	// The hub moved on without telling us.
	sess.mu.Lock()
	sess.current = PowerOffActivityID
	sess.mu.Unlock()
	r.engine.handlePoll(ctx)

	if got := r.dialer.dialCount(); got != dialsBefore+1 {
		t.Errorf("dials = %d, want %d (one corrective reconnect)", got, dialsBefore+1)
	}
	if id, _ := r.engine.CurrentActivity(); id != PowerOffActivityID {
		t.Errorf("belief = %q after resync, want %q", id, PowerOffActivityID)
	}
}

func TestPollWhileDisconnectedReconnects(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handlePoll(ctx)

	if got := r.dialer.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := r.engine.HubStatus(); got != HubConnected {
		t.Errorf("hub status after poll reconnect = %v, want connected", got)
	}
}

func TestPlaybackControlsIdleTimer(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.armShutdownIfIdle()
	if !r.engine.shutdownIdle.Armed() {
		t.Fatal("idle timer should be armed while stopped")
	}

	r.engine.handlePlayback(PlaybackPlaying)
	if r.engine.shutdownIdle.Armed() {
		t.Error("idle timer still armed while playing")
	}

	r.engine.handlePlayback(PlaybackStopped)
	if !r.engine.shutdownIdle.Armed() {
		t.Error("idle timer not re-armed after stop")
	}
}

// Exactly one power-off fires at the configured tick count, and ticking past
// it does not fire again.
func TestShutdownIdleFiresOnce(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.armShutdownIfIdle()

	for i := 0; i < 299; i++ {
		r.timers.Advance()
	}
	r.drain(ctx)
	if got := sess.turnOffCount(); got != 0 {
		t.Fatalf("turn-off fired %d times before deadline", got)
	}

	r.timers.Advance()
	r.drain(ctx)
	if got := sess.turnOffCount(); got != 1 {
		t.Fatalf("turn-off fired %d times at deadline, want 1", got)
	}

	for i := 0; i < 600; i++ {
		r.timers.Advance()
	}
	r.drain(ctx)
	if got := sess.turnOffCount(); got != 1 {
		t.Errorf("turn-off fired %d times total, want exactly 1", got)
	}
}

func TestDelayedLightFiresOnce(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.armDelayedLight()
	// Re-arming replaces the deadline instead of stacking a second fire.
	r.engine.armDelayedLight()

	for i := 0; i < 20; i++ {
		r.timers.Advance()
	}
	r.drain(ctx)

	if got := r.lights.setCount(); got != len(r.lights.channels) {
		t.Errorf("delayed light set %d channels, want %d (single fire)", got, len(r.lights.channels))
	}
}

func TestMotionWhileRunningSuppressesLighting(t *testing.T) {
	sess := newFakeSession("999", Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	// Connect marked the room occupied; clear it manually, then motion.
	r.engine.handleOccupancyToggle(ctx)
	r.engine.handleMotion(ctx, true) // consumed by the latch
	r.engine.handleMotion(ctx, false)
	r.engine.handleMotion(ctx, true)

	if !r.engine.Occupied() {
		t.Error("room should be occupied after motion")
	}
	if got := r.lights.setCount(); got != 0 {
		t.Errorf("lighting commands while activity running = %d, want 0", got)
	}
}

func TestMotionWhileIdleRaisesEnteringLights(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID)
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.handleMotion(ctx, true)

	if !r.engine.Occupied() {
		t.Fatal("room should be occupied")
	}
	if got := r.lights.setCount(); got != len(r.lights.channels) {
		t.Errorf("entering lights set on %d channels, want %d", got, len(r.lights.channels))
	}

	// A repeated occupied edge is not a transition.
	r.engine.handleMotion(ctx, true)
	if got := r.lights.setCount(); got != len(r.lights.channels) {
		t.Errorf("repeated edge re-issued lighting: %d sets", got)
	}
}

// Manual override to vacant latches out the next motion edge so a sensor
// still seeing the occupant cannot instantly undo the override.
func TestManualVacantLatchesMotion(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID)
	r := newTestRig(sess)
	ctx := context.Background()

	r.engine.handleConnect(ctx)
	r.engine.handleMotion(ctx, true)
	if !r.engine.Occupied() {
		t.Fatal("room should be occupied after motion")
	}

	r.engine.handleOccupancyToggle(ctx)
	if r.engine.Occupied() {
		t.Fatal("manual override should mark the room vacant")
	}

	r.engine.handleMotion(ctx, true)
	if r.engine.Occupied() {
		t.Error("first motion edge after manual vacant should be consumed")
	}

	r.engine.handleMotion(ctx, true)
	if !r.engine.Occupied() {
		t.Error("second motion edge should transition normally")
	}
}

func TestNotificationPumpFeedsEngine(t *testing.T) {
	sess := newFakeSession(PowerOffActivityID, Activity{ID: "999", Label: "Watch a Movie"})
	r := newTestRig(sess)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.engine.handleConnect(ctx)

	sess.mu.Lock()
	sess.current = "999"
	sess.mu.Unlock()
	sess.notif <- "999"

	// The pump runs on its own goroutine; wait for the enqueue.
	ev := <-r.engine.events
	changed, ok := ev.(evActivityChanged)
	if !ok || changed.id != "999" {
		t.Fatalf("pumped event = %#v, want activity change 999", ev)
	}
	r.engine.dispatch(ctx, ev)

	if id, _ := r.engine.CurrentActivity(); id != "999" {
		t.Errorf("belief = %q after pumped notification, want 999", id)
	}
}
