// Package journal persists core events to SQLite so every arming,
// apply, revert, and flash leaves a durable audit trail.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openecu/tunegate/internal/ecu"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Journal is an append-only event log backed by SQLite with WAL mode
// for concurrent reads during writes.
type Journal struct {
	db  *sql.DB
	log *slog.Logger

	mu   sync.Mutex
	stop func()
}

// Record is one journaled event with its sequence number.
type Record struct {
	Seq   int64     `json:"seq"`
	Event ecu.Event `json:"event"`
}

// Open creates or opens the journal database at path. Safe to call on
// an existing database; pragmas and schema are applied idempotently.
func Open(path string, log *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal database: %w", err)
	}

	// SQLite has a single writer; a one-connection pool avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, log: log.With("component", "journal")}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close detaches from the bus, if attached, and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	stop := j.stop
	j.stop = nil
	j.mu.Unlock()
	if stop != nil {
		stop()
	}
	return j.db.Close()
}

// Append journals one event.
func (j *Journal) Append(ctx context.Context, ev ecu.Event) error {
	fields := "{}"
	if len(ev.Fields) > 0 {
		b, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("encode event fields: %w", err)
		}
		fields = string(b)
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (type, engine_id, session_id, job_id, map_id, progress, message, fields, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.EngineID, ev.SessionID, ev.JobID, ev.MapID,
		ev.Progress, ev.Message, fields, ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent returns the newest events, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, type, engine_id, session_id, job_id, map_id, progress, message, fields, at
		 FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanRecords(rows)
}

// SessionTrail returns every event for one session, oldest first.
func (j *Journal) SessionTrail(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, type, engine_id, session_id, job_id, map_id, progress, message, fields, at
		 FROM events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session trail: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			rec    Record
			typ    string
			fields string
			at     string
		)
		if err := rows.Scan(&rec.Seq, &typ, &rec.Event.EngineID, &rec.Event.SessionID,
			&rec.Event.JobID, &rec.Event.MapID, &rec.Event.Progress,
			&rec.Event.Message, &fields, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Event.Type = ecu.EventType(typ)
		if fields != "{}" && fields != "" {
			if err := json.Unmarshal([]byte(fields), &rec.Event.Fields); err != nil {
				return nil, fmt.Errorf("decode event fields: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			rec.Event.At = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Attach subscribes to the bus and journals every event until the bus
// closes or Close is called. Append failures are logged, not fatal:
// the journal must never take the safety core down with it.
func (j *Journal) Attach(bus *ecu.Bus) {
	events, cancel := bus.Subscribe(256)

	done := make(chan struct{})
	j.mu.Lock()
	j.stop = func() {
		cancel()
		<-done
	}
	j.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			if err := j.Append(context.Background(), ev); err != nil {
				j.log.Error("journal append failed", "type", ev.Type, "error", err)
			}
		}
	}()
}
