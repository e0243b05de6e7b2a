package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	section     TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	at          TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	regime      TEXT NOT NULL,
	action      TEXT NOT NULL,
	payload     BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at DESC);

CREATE TABLE IF NOT EXISTS outcomes (
	decision_id TEXT PRIMARY KEY,
	closed_at   TEXT NOT NULL,
	ret         REAL NOT NULL,
	payload     BLOB NOT NULL
);
`

// SQLite is the default durable backend: one file, WAL mode, no server.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file and runs the migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveState(ctx context.Context, section string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_state (section, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(section) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		section, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", section, err)
	}
	return nil
}

func (s *SQLite) LoadState(ctx context.Context, section string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM engine_state WHERE section = ?`, section,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", section, err)
	}
	return payload, nil
}

func (s *SQLite) SaveDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, at, symbol, regime, action, payload) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, action = excluded.action`,
		rec.ID, rec.At.UTC().Format(time.RFC3339Nano), rec.Symbol, rec.Regime, rec.Action, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("save decision %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) SaveOutcome(ctx context.Context, rec OutcomeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (decision_id, closed_at, ret, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(decision_id) DO UPDATE SET closed_at = excluded.closed_at, ret = excluded.ret, payload = excluded.payload`,
		rec.DecisionID, rec.ClosedAt.UTC().Format(time.RFC3339Nano), rec.Return, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", rec.DecisionID, err)
	}
	return nil
}

func (s *SQLite) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, symbol, regime, action, payload FROM decisions ORDER BY at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var atStr string
		if err := rows.Scan(&rec.ID, &atStr, &rec.Symbol, &rec.Regime, &rec.Action, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, atStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
