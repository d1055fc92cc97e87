package kodi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/dbrodie/theatred/internal/engine"
)

// fakePlayer serves scripted JSON-RPC responses and records requests.
type fakePlayer struct {
	t       *testing.T
	speed   float64
	active  bool
	methods []string
}

func (f *fakePlayer) handler(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Fatalf("bad request body: %v", err)
	}
	f.methods = append(f.methods, req.Method)

	var result interface{}
	switch req.Method {
	case "VideoLibrary.Scan":
		result = "OK"
	case "Player.GetActivePlayers":
		if f.active {
			result = []map[string]interface{}{{"playerid": 1, "type": "video"}}
		} else {
			result = []map[string]interface{}{}
		}
	case "Player.GetProperties":
		result = map[string]interface{}{"speed": f.speed}
	default:
		f.t.Fatalf("unexpected method %q", req.Method)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newTestClient(t *testing.T, fake *fakePlayer) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return New(Config{Host: u.Hostname(), Port: port})
}

func TestScanLibrary(t *testing.T) {
	fake := &fakePlayer{t: t}
	c := newTestClient(t, fake)

	if err := c.ScanLibrary(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(fake.methods) != 1 || fake.methods[0] != "VideoLibrary.Scan" {
		t.Errorf("methods = %v", fake.methods)
	}
}

func TestPlaybackStateMapping(t *testing.T) {
	tests := []struct {
		name   string
		active bool
		speed  float64
		want   engine.PlaybackState
	}{
		{"no active player", false, 0, engine.PlaybackStopped},
		{"paused", true, 0, engine.PlaybackPaused},
		{"playing", true, 1, engine.PlaybackPlaying},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakePlayer{t: t, active: tt.active, speed: tt.speed})
			got, err := c.PlaybackState(context.Background())
			if err != nil {
				t.Fatalf("playback state: %v", err)
			}
			if got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32601, "message": "Method not found"},
		})
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	c := New(Config{Host: u.Hostname(), Port: port})

	if err := c.ScanLibrary(context.Background()); err == nil {
		t.Error("rpc error did not surface")
	}
}
