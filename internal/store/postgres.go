package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	section     TEXT PRIMARY KEY,
	payload     BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	at          TIMESTAMPTZ NOT NULL,
	symbol      TEXT NOT NULL,
	regime      TEXT NOT NULL,
	action      TEXT NOT NULL,
	payload     BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at DESC);

CREATE TABLE IF NOT EXISTS outcomes (
	decision_id TEXT PRIMARY KEY,
	closed_at   TIMESTAMPTZ NOT NULL,
	ret         DOUBLE PRECISION NOT NULL,
	payload     BYTEA NOT NULL
);
`

// PostgresConfig configures the shared-database backend.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

func (c *PostgresConfig) applyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
}

// Postgres is the shared backend for multi-process deployments.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgres connects, configures the pool, and runs the migrations.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	cfg.applyDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: empty DSN")
	}

	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}

	return &Postgres{db: db, timeout: cfg.QueryTimeout}, nil
}

func (p *Postgres) SaveState(ctx context.Context, section string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		INSERT INTO engine_state (section, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (section) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	if _, err := p.db.ExecContext(ctx, query, section, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save state section %s: %w", section, err)
	}
	return nil
}

func (p *Postgres) LoadState(ctx context.Context, section string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var payload []byte
	err := p.db.QueryRowxContext(ctx,
		`SELECT payload FROM engine_state WHERE section = $1`, section,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state section %s: %w", section, err)
	}
	return payload, nil
}

func (p *Postgres) SaveDecision(ctx context.Context, rec DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		INSERT INTO decisions (id, at, symbol, regime, action, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			action = EXCLUDED.action`

	if _, err := p.db.ExecContext(ctx, query, rec.ID, rec.At.UTC(), rec.Symbol, rec.Regime, rec.Action, rec.Payload); err != nil {
		return fmt.Errorf("failed to save decision %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) SaveOutcome(ctx context.Context, rec OutcomeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		INSERT INTO outcomes (decision_id, closed_at, ret, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (decision_id) DO UPDATE SET
			closed_at = EXCLUDED.closed_at,
			ret = EXCLUDED.ret,
			payload = EXCLUDED.payload`

	if _, err := p.db.ExecContext(ctx, query, rec.DecisionID, rec.ClosedAt.UTC(), rec.Return, rec.Payload); err != nil {
		return fmt.Errorf("failed to save outcome %s: %w", rec.DecisionID, err)
	}
	return nil
}

func (p *Postgres) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var records []DecisionRecord
	err := p.db.SelectContext(ctx, &records,
		`SELECT id, at, symbol, regime, action, payload FROM decisions ORDER BY at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent decisions: %w", err)
	}
	return records, nil
}

func (p *Postgres) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
