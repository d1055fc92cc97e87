// Package ledger persists an append-only history of orchestration events
// (activity transitions, device corrections) for auditing. Writes are best
// effort: a failed insert is logged and never blocks a device command.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Entry is one recorded event.
type Entry struct {
	ID        string
	Event     string
	Timestamp time.Time
	Payload   map[string]any
}

// Ledger is the sqlite-backed event history. It implements engine.Recorder.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database and initializes its schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS command_ledger (
			id TEXT PRIMARY KEY,
			event TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_event_ts ON command_ledger(event, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_ts ON command_ledger(timestamp);
	`)
	return err
}

// Record appends one event. Failures are logged, not returned; the ledger is
// an audit trail, not a dependency of the control path.
func (l *Ledger) Record(event string, payload map[string]any) {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			log.Debug().Err(err).Str("event", event).Msg("Ledger: unmarshalable payload - recording without it")
			payloadJSON = nil
		}
	}

	_, err := l.db.Exec(
		`INSERT INTO command_ledger (id, event, timestamp, payload) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), event, time.Now().UTC().Unix(), string(payloadJSON),
	)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Ledger: insert failed")
	}
}

// Recent returns the newest entries, most recent first.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event, timestamp, payload
		FROM command_ledger
		ORDER BY timestamp DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Event, &ts, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				log.Debug().Err(err).Str("id", e.ID).Msg("Ledger: unparseable stored payload")
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the retention window. Returns the number
// of rows removed.
func (l *Ledger) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Unix()
	res, err := l.db.Exec(`DELETE FROM command_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunCleanup prunes on an interval until the context is cancelled.
func (l *Ledger) RunCleanup(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := l.Prune(retention)
			if err != nil {
				log.Warn().Err(err).Msg("Ledger: cleanup failed")
				continue
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Ledger: pruned old entries")
			}
		}
	}
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
