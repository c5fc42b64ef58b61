// Package storage keeps the change journal: every applied calendar
// change is recorded in sqlite so it can be queried later, and a small
// per-source state table tracks poll health.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calwatch/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			uid TEXT NOT NULL,
			summary TEXT DEFAULT '',
			old_start DATETIME,
			new_start DATETIME,
			changed_fields TEXT DEFAULT '',
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_source ON changes(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_recorded ON changes(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS source_state (
			source_id TEXT PRIMARY KEY,
			name TEXT DEFAULT '',
			last_poll DATETIME,
			event_count INTEGER DEFAULT 0
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// RecordChanges appends the applied changes for a source to the journal.
func (s *Storage) RecordChanges(sourceID string, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO changes (source_id, kind, uid, summary, old_start, new_start, changed_fields, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range changes {
		ev := c.Event()

		var oldStart, newStart *time.Time
		if c.Old != nil {
			t := c.Old.Start
			oldStart = &t
		}
		if c.New != nil {
			t := c.New.Start
			newStart = &t
		}

		fields := make([]string, 0, len(c.Fields))
		for _, f := range c.Fields {
			fields = append(fields, string(f))
		}

		if _, err := stmt.Exec(
			sourceID, string(c.Kind), ev.UID(), ev.Summary,
			oldStart, newStart, strings.Join(fields, ","), now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentChanges returns the newest journal entries, optionally filtered
// by source.
func (s *Storage) RecentChanges(sourceID string, limit int) ([]*domain.ChangeRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, source_id, kind, uid, summary, old_start, new_start, changed_fields, recorded_at
		FROM changes`
	args := []any{}
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ChangeRecord
	for rows.Next() {
		r := &domain.ChangeRecord{}
		var kind string
		if err := rows.Scan(
			&r.ID, &r.SourceID, &kind, &r.UID, &r.Summary,
			&r.OldStart, &r.NewStart, &r.ChangedFields, &r.RecordedAt,
		); err != nil {
			return nil, err
		}
		r.Kind = domain.ChangeKind(kind)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TouchSource records a successful poll of a source.
func (s *Storage) TouchSource(sourceID, name string, at time.Time, eventCount int) error {
	_, err := s.db.Exec(
		`INSERT INTO source_state (source_id, name, last_poll, event_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET name = excluded.name, last_poll = excluded.last_poll, event_count = excluded.event_count`,
		sourceID, name, at.UTC(), eventCount,
	)
	return err
}

// SourceState describes the last recorded poll of a source.
type SourceState struct {
	SourceID   string
	Name       string
	LastPoll   *time.Time
	EventCount int
}

// SourceStates lists known sources with their last poll info.
func (s *Storage) SourceStates() ([]*SourceState, error) {
	rows, err := s.db.Query(
		`SELECT source_id, name, last_poll, event_count FROM source_state ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*SourceState
	for rows.Next() {
		st := &SourceState{}
		if err := rows.Scan(&st.SourceID, &st.Name, &st.LastPoll, &st.EventCount); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}
