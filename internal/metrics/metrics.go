// Package metrics exposes Prometheus counters for the orchestration daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HubReconnects counts hub connection attempts triggered by startup,
	// drift detection, or failed operations.
	HubReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "theatred_hub_reconnects_total",
		Help: "Number of hub connection attempts",
	})

	// HubCommands counts commands sent to the activity hub, by command.
	HubCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatred_hub_commands_total",
		Help: "Number of commands sent to the activity hub",
	}, []string{"command"})

	// DeviceCommands counts corrective commands issued to subordinate
	// devices (projector, lights, media player).
	DeviceCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatred_device_commands_total",
		Help: "Number of corrective commands issued to devices",
	}, []string{"device", "command"})

	// RetriesExhausted counts hub operations abandoned after the retry bound.
	RetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "theatred_hub_retries_exhausted_total",
		Help: "Number of hub operations abandoned after exhausting retries",
	})

	// ActivityChanges counts observed activity transitions, by source.
	ActivityChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatred_activity_changes_total",
		Help: "Number of activity transitions",
	}, []string{"source"})

	// PollDrift counts poll ticks that detected drift and forced a reconnect.
	PollDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "theatred_poll_drift_total",
		Help: "Number of poll ticks that detected activity drift",
	})
)
