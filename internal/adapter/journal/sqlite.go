// Package journal keeps an audit trail of switch attempts. It is write-only
// from the multiplexer's point of view and is never read back to restore a
// state.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"statemux/internal/domain"
)

const subsystem = "journal"

// SQLiteJournal implements domain.SwitchJournal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath and runs
// the schema migration. ":memory:" is accepted for tests.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS switches (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			from_state  TEXT NOT NULL DEFAULT '',
			to_state    TEXT NOT NULL,
			active      TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			duration_ns INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_switches_started ON switches(started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Append implements domain.SwitchJournal.
func (j *SQLiteJournal) Append(ctx context.Context, rec domain.SwitchRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO switches (id, from_state, to_state, active, outcome, error, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.From, rec.To, rec.Active, string(rec.Outcome), rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrJournalWrite, err)
	}
	return nil
}

// Recent implements domain.SwitchJournal. Records come newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.SwitchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, from_state, to_state, active, outcome, error, started_at, duration_ns
		 FROM switches ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SwitchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the record with the given ID.
func (j *SQLiteJournal) Get(ctx context.Context, id string) (domain.SwitchRecord, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, from_state, to_state, active, outcome, error, started_at, duration_ns
		 FROM switches WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SwitchRecord{}, domain.NewSubSystemError(subsystem, "Journal.Get", domain.ErrNotFound, id)
	}
	return rec, err
}

// Prune deletes records that started before cutoff and returns how many
// were removed.
func (j *SQLiteJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM switches WHERE started_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.SwitchRecord, error) {
	var (
		rec      domain.SwitchRecord
		outcome  string
		started  string
		duration int64
	)
	if err := s.Scan(&rec.ID, &rec.From, &rec.To, &rec.Active, &outcome, &rec.Error, &started, &duration); err != nil {
		return domain.SwitchRecord{}, err
	}
	rec.Outcome = domain.SwitchOutcome(outcome)
	rec.Duration = time.Duration(duration)
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return domain.SwitchRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = t
	return rec, nil
}

var _ domain.SwitchJournal = (*SQLiteJournal)(nil)
