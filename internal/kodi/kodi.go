// Package kodi is a minimal JSON-RPC client for the media player: library
// scan requests plus a playback status poller that pushes edges into the
// orchestration engine.
package kodi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dbrodie/theatred/internal/engine"
)

// Config describes the player's JSON-RPC endpoint.
type Config struct {
	Host         string
	Port         int
	Timeout      time.Duration
	PollInterval time.Duration
	Username     string
	Password     string
}

// Client talks JSON-RPC over HTTP to the media player. It implements
// engine.Player.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
}

// New creates a player client.
func New(cfg Config) *Client {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{
		cfg:      cfg,
		endpoint: fmt.Sprintf("http://%s:%d/jsonrpc", cfg.Host, cfg.Port),
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("player rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("player %s returned %s", method, resp.Status)
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("player %s: parsing response: %w", method, err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}
	return parsed.Result, nil
}

// ScanLibrary asks the player to rescan its video library. The scan runs
// asynchronously on the player; a successful call only confirms receipt.
func (c *Client) ScanLibrary(ctx context.Context) error {
	_, err := c.call(ctx, "VideoLibrary.Scan", nil)
	return err
}

// PlaybackState queries the current playback status. No active player means
// stopped; an active player's speed distinguishes playing from paused.
func (c *Client) PlaybackState(ctx context.Context) (engine.PlaybackState, error) {
	data, err := c.call(ctx, "Player.GetActivePlayers", nil)
	if err != nil {
		return engine.PlaybackStopped, err
	}

	var players []struct {
		PlayerID int    `json:"playerid"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(data, &players); err != nil {
		return engine.PlaybackStopped, fmt.Errorf("parsing active players: %w", err)
	}
	if len(players) == 0 {
		return engine.PlaybackStopped, nil
	}

	data, err = c.call(ctx, "Player.GetProperties", map[string]interface{}{
		"playerid":   players[0].PlayerID,
		"properties": []string{"speed"},
	})
	if err != nil {
		return engine.PlaybackStopped, err
	}

	var props struct {
		Speed float64 `json:"speed"`
	}
	if err := json.Unmarshal(data, &props); err != nil {
		return engine.PlaybackStopped, fmt.Errorf("parsing player properties: %w", err)
	}
	if props.Speed == 0 {
		return engine.PlaybackPaused, nil
	}
	return engine.PlaybackPlaying, nil
}

// Poll pushes playback edges through report until the context is cancelled.
// Query failures count as stopped: an unreachable player cannot be playing,
// and the idle power-down policy should keep counting.
func (c *Client) Poll(ctx context.Context, report func(engine.PlaybackState)) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().Str("endpoint", c.endpoint).Msg("Player poller started")

	last := engine.PlaybackStopped
	reported := false
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Player poller stopping")
			return nil
		case <-ticker.C:
			state, err := c.PlaybackState(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("Player status query failed")
				state = engine.PlaybackStopped
			}
			if reported && state == last {
				continue
			}
			last = state
			reported = true
			report(state)
		}
	}
}
