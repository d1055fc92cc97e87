// Package harmony implements the activity-hub transport: a websocket client
// for the hub's local hbus protocol. A Session is single-use; any transport
// failure kills it and the orchestration engine dials a fresh one rather
// than patching up a half-dead connection.
package harmony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dbrodie/theatred/internal/engine"
)

const (
	powerOffActivityID = "-1"

	defaultPort        = "8088"
	defaultDialTimeout = 10 * time.Second
	defaultCallTimeout = 30 * time.Second

	notificationBuffer = 8
)

// Dialer establishes hub sessions. It implements engine.HubDialer.
type Dialer struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// Dial provisions the hub's remote id over HTTP, opens the websocket, and
// starts the session's read loop.
func (d *Dialer) Dial(ctx context.Context, address string) (engine.HubSession, error) {
	dialTimeout := d.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	callTimeout := d.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, defaultPort
	}

	remoteID, err := fetchRemoteID(ctx, host, port, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("provisioning hub id: %w", err)
	}

	wsURL := fmt.Sprintf("ws://%s/?domain=%s&hubId=%s", net.JoinHostPort(host, port), wsDomain, remoteID)
	wsDialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{"Origin": []string{wsOrigin}}

	conn, _, err := wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("hub websocket dial: %w", err)
	}

	s := &Session{
		conn:          conn,
		remoteID:      remoteID,
		callTimeout:   callTimeout,
		pending:       make(map[string]chan reply),
		notifications: make(chan string, notificationBuffer),
		closed:        make(chan struct{}),
	}
	go s.readLoop()

	log.Debug().Str("hub_id", remoteID).Str("url", wsURL).Msg("Hub session established")
	return s, nil
}

// fetchRemoteID asks the hub for its remote id. The hub only answers this
// request when the origin header names the vendor portal.
func fetchRemoteID(ctx context.Context, host, port string, timeout time.Duration) (string, error) {
	body, err := json.Marshal(provisionRequest{
		ID:     1,
		Cmd:    "setup.account?getProvisionInfo",
		Params: map[string]string{},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://%s/", net.JoinHostPort(host, port))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", wsOrigin)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hub provisioning returned %s", resp.Status)
	}

	var parsed provisionReply
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parsing provisioning reply: %w", err)
	}
	id := parsed.Data.ActiveRemoteID.String()
	if id == "" {
		return "", fmt.Errorf("hub provisioning reply carried no remote id")
	}
	return id, nil
}

// Session is one live hub connection.
type Session struct {
	conn        *websocket.Conn
	remoteID    string
	callTimeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan reply

	notifications chan string
	closed        chan struct{}
	closeOnce     sync.Once

	actionsMu sync.Mutex
	actions   map[string]map[string]string // device label -> function name -> action blob
}

// readLoop is the sole reader. It routes command responses to their waiters
// and turns settled state digests into notifications. Any read error
// terminates the session.
func (s *Session) readLoop() {
	defer func() {
		s.failPending()
		close(s.notifications)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Hub websocket read error")
			}
			s.Close()
			return
		}

		var r reply
		if err := json.Unmarshal(data, &r); err != nil {
			log.Debug().Err(err).Msg("Unparseable hub frame - skipping")
			continue
		}

		if r.ID != "" {
			s.deliver(r)
			continue
		}

		if r.Type == notifyStateDigest {
			var digest stateDigest
			if err := json.Unmarshal(r.Data, &digest); err != nil {
				log.Debug().Err(err).Msg("Unparseable state digest - skipping")
				continue
			}
			if id := settledActivity(digest); id != "" {
				select {
				case s.notifications <- id:
				default:
					log.Warn().Str("activity_id", id).Msg("Hub notification buffer full - dropping")
				}
			}
		}
	}
}

func (s *Session) deliver(r reply) {
	if r.Code == 100 {
		// In-progress continuation; the final frame follows under the same id.
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[r.ID]
	delete(s.pending, r.ID)
	s.pendingMu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (s *Session) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

// call sends one command and waits for its final reply.
func (s *Session) call(ctx context.Context, cmd string, params interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan reply, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	req := request{
		HubID:   s.remoteID,
		Timeout: int(s.callTimeout / time.Second),
		Hbus: requestBody{
			Cmd:    cmd,
			ID:     id,
			Params: params,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(s.callTimeout))
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("hub write %s: %w", cmd, err)
	}

	timeout := time.NewTimer(s.callTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, fmt.Errorf("hub session closed during %s", cmd)
	case <-timeout.C:
		return nil, fmt.Errorf("hub timed out on %s", cmd)
	case r, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("hub session died during %s", cmd)
		}
		if !r.statusOK() {
			return nil, fmt.Errorf("hub rejected %s: code %d %s", cmd, r.Code, r.Msg)
		}
		return r.Data, nil
	}
}

// CurrentActivity returns the hub's current activity id.
func (s *Session) CurrentActivity(ctx context.Context) (string, error) {
	data, err := s.call(ctx, cmdGetCurrentActivity, nil)
	if err != nil {
		return "", err
	}
	var parsed currentActivityResult
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parsing current activity: %w", err)
	}
	return parsed.Result.String(), nil
}

// Activities fetches the hub configuration, caches each device's command
// actions for SendCommand, and returns the activity directory.
func (s *Session) Activities(ctx context.Context) ([]engine.Activity, error) {
	data, err := s.call(ctx, cmdGetConfig, map[string]string{"verb": "get"})
	if err != nil {
		return nil, err
	}

	var cfg hubConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing hub config: %w", err)
	}

	deviceLabels := make(map[string]string, len(cfg.Device))
	actions := make(map[string]map[string]string, len(cfg.Device))
	for _, dev := range cfg.Device {
		deviceLabels[dev.ID] = dev.Label
		functions := make(map[string]string)
		for _, group := range dev.ControlGroup {
			for _, fn := range group.Function {
				functions[fn.Name] = fn.Action
			}
		}
		actions[dev.Label] = functions
	}

	s.actionsMu.Lock()
	s.actions = actions
	s.actionsMu.Unlock()

	activities := make([]engine.Activity, 0, len(cfg.Activity))
	for _, act := range cfg.Activity {
		var devices []string
		for deviceID := range act.Fixit {
			if label, ok := deviceLabels[deviceID]; ok {
				devices = append(devices, label)
			}
		}
		activities = append(activities, engine.Activity{
			ID:      act.ID,
			Label:   act.Label,
			Devices: devices,
		})
	}
	return activities, nil
}

// StartActivity asks the hub to run the given activity's power-on sequence.
func (s *Session) StartActivity(ctx context.Context, id string) error {
	_, err := s.call(ctx, cmdRunActivity, map[string]interface{}{
		"activityId": id,
		"timestamp":  0,
		"async":      "true",
		"args":       map[string]string{"rule": "start"},
	})
	return err
}

// TurnOff runs the hub's power-off sequence.
func (s *Session) TurnOff(ctx context.Context) error {
	return s.StartActivity(ctx, powerOffActivityID)
}

// SendCommand presses and releases one device function. The function must
// exist in the configuration fetched by Activities.
func (s *Session) SendCommand(ctx context.Context, device, function string) error {
	s.actionsMu.Lock()
	functions, ok := s.actions[device]
	action := functions[function]
	s.actionsMu.Unlock()

	if !ok {
		return fmt.Errorf("unknown hub device %q", device)
	}
	if action == "" {
		return fmt.Errorf("device %q has no function %q", device, function)
	}

	for _, status := range []string{"press", "release"} {
		_, err := s.call(ctx, cmdHoldAction, map[string]interface{}{
			"status":    status,
			"timestamp": 0,
			"verb":      "render",
			"action":    action,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Notifications delivers settled activity-changed pushes. Closed when the
// session dies.
func (s *Session) Notifications() <-chan string {
	return s.notifications
}

// Close tears the connection down. Safe to call from any goroutine and more
// than once; in-flight calls fail promptly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}
