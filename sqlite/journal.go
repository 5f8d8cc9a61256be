// Package sqlite provides an smtpc.Journal backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/iceisfun/smtpc"
)

// Journal implements smtpc.Journal using a local SQLite database.
type Journal struct {
	db *sqlx.DB
}

// deliveryRow is the deliveries table layout.
type deliveryRow struct {
	ID         string `db:"id"`
	FinishedAt int64  `db:"finished_at"`
	Server     string `db:"server"`
	From       string `db:"mail_from"`
	Recipients string `db:"recipients"`
	Accepted   string `db:"accepted"`
	Code       int    `db:"code"`
	Message    string `db:"message"`
	Err        string `db:"error"`
}

// Open opens (or creates) the database at path, enables WAL mode and
// runs any pending schema migrations. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// runMigrations applies outstanding migrations in order.
func (j *Journal) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := j.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = j.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := j.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Record inserts or replaces entry.
func (j *Journal) Record(ctx context.Context, entry smtpc.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	row, err := toRow(entry)
	if err != nil {
		return err
	}

	_, err = j.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO deliveries (
			id, finished_at, server, mail_from,
			recipients, accepted, code, message, error
		) VALUES (
			:id, :finished_at, :server, :mail_from,
			:recipients, :accepted, :code, :message, :error
		)`, row)
	if err != nil {
		return fmt.Errorf("recording delivery %s: %w", entry.ID, err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]smtpc.JournalEntry, error) {
	query := "SELECT * FROM deliveries ORDER BY finished_at DESC, rowid DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []deliveryRow
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}

	out := make([]smtpc.JournalEntry, 0, len(rows))
	for _, r := range rows {
		entry, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Get returns the entry with the given ID.
func (j *Journal) Get(ctx context.Context, id string) (smtpc.JournalEntry, error) {
	var r deliveryRow
	err := j.db.GetContext(ctx, &r, "SELECT * FROM deliveries WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return smtpc.JournalEntry{}, smtpc.ErrEntryNotFound
	}
	if err != nil {
		return smtpc.JournalEntry{}, fmt.Errorf("getting delivery %s: %w", id, err)
	}
	return r.entry()
}

func toRow(e smtpc.JournalEntry) (deliveryRow, error) {
	recipients, err := json.Marshal(nonNil(e.Recipients))
	if err != nil {
		return deliveryRow{}, fmt.Errorf("marshaling recipients for delivery %s: %w", e.ID, err)
	}
	accepted, err := json.Marshal(nonNil(e.Accepted))
	if err != nil {
		return deliveryRow{}, fmt.Errorf("marshaling accepted for delivery %s: %w", e.ID, err)
	}
	return deliveryRow{
		ID:         e.ID,
		FinishedAt: e.Time.UnixNano(),
		Server:     e.Server,
		From:       e.From,
		Recipients: string(recipients),
		Accepted:   string(accepted),
		Code:       int(e.Code),
		Message:    e.Message,
		Err:        e.Err,
	}, nil
}

func (r deliveryRow) entry() (smtpc.JournalEntry, error) {
	e := smtpc.JournalEntry{
		ID:      r.ID,
		Time:    time.Unix(0, r.FinishedAt).UTC(),
		Server:  r.Server,
		From:    r.From,
		Code:    smtpc.ReplyCode(r.Code),
		Message: r.Message,
		Err:     r.Err,
	}
	if err := json.Unmarshal([]byte(r.Recipients), &e.Recipients); err != nil {
		return e, fmt.Errorf("unmarshaling recipients for delivery %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Accepted), &e.Accepted); err != nil {
		return e, fmt.Errorf("unmarshaling accepted for delivery %s: %w", r.ID, err)
	}
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
