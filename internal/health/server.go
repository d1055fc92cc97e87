// Package health serves the daemon's HTTP surface: liveness and readiness
// probes, Prometheus metrics, a state snapshot, and a small control API
// standing in for the original front panel (activity buttons, power off,
// occupancy toggle).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dbrodie/theatred/internal/engine"
	"github.com/dbrodie/theatred/internal/ledger"
	"github.com/dbrodie/theatred/internal/status"
)

// Config describes the HTTP listener.
type Config struct {
	Enabled         bool
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server is the daemon's HTTP surface.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	tracker *status.Tracker
	history *ledger.Ledger
	server  *http.Server
}

// New creates the server. The tracker and history may be nil; their
// endpoints degrade gracefully.
func New(cfg Config, eng *engine.Engine, tracker *status.Tracker, history *ledger.Ledger) *Server {
	return &Server{cfg: cfg, engine: eng, tracker: tracker, history: history}
}

// Run serves until the context is cancelled. Returns nil when disabled.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /activities", s.handleActivities)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /activity/start", s.handleStartActivity)
	mux.HandleFunc("POST /power/off", s.handlePowerOff)
	mux.HandleFunc("POST /occupancy/toggle", s.handleOccupancyToggle)
	mux.HandleFunc("POST /command", s.handleCommand)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{Addr: addr, Handler: mux}

	log.Info().Str("addr", addr).Msg("HTTP server started")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready once the hub link is up. The daemon is alive but
// not useful while disconnected.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.engine.HubStatus() != engine.HubConnected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "hub disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	id, label := s.engine.CurrentActivity()
	snapshot := map[string]interface{}{
		"activity": map[string]string{
			"id":    id,
			"label": label,
		},
		"activity_running": s.engine.IsActivityRunning(),
		"hub_status":       s.engine.HubStatus().String(),
		"projector_power":  s.engine.ProjectorPower().String(),
		"playback":         s.engine.Playback().String(),
		"occupied":         s.engine.Occupied(),
	}
	if s.tracker != nil {
		snapshot["message"] = s.tracker.Message()
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleActivities(w http.ResponseWriter, _ *http.Request) {
	type activity struct {
		ID      string   `json:"id"`
		Label   string   `json:"label"`
		Devices []string `json:"devices,omitempty"`
	}
	entries := s.engine.Directory().Entries()
	out := make([]activity, 0, len(entries))
	for _, a := range entries {
		out = append(out, activity{ID: a.ID, Label: a.Label, Devices: a.Devices})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activities": out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	entries, err := s.history.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("History query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleStartActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "activity name required"})
		return
	}
	s.engine.StartActivityByName(req.Name)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handlePowerOff(w http.ResponseWriter, _ *http.Request) {
	s.engine.PowerOff()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleOccupancyToggle(w http.ResponseWriter, _ *http.Request) {
	s.engine.ToggleOccupancy()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device   string `json:"device"`
		Function string `json:"function"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Device == "" || req.Function == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device and function required"})
		return
	}
	s.engine.SendDeviceCommand(req.Device, req.Function)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Response encoding failed")
	}
}
