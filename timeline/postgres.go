package timeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGArchiver mirrors timeline events into Postgres for long-range queries.
// The JSONL files remain the canonical store; archive failures are telemetry
// errors and are swallowed by the caller.
type PGArchiver struct {
	pool *pgxpool.Pool
}

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS timeline_events (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		event TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}'::jsonb
	)
`

// NewPGArchiver connects a pgx pool and ensures the events table exists.
func NewPGArchiver(ctx context.Context, connString string) (*PGArchiver, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGArchiver{pool: pool}, nil
}

// Archive inserts one event. Called synchronously from Store.Append; kept
// short with a bounded context so a slow database never stalls a transition.
func (a *PGArchiver) Archive(e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ts := e.Timestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO timeline_events (ts, event, data) VALUES ($1, $2, $3)`,
		ts, e.Event, data,
	)
	return err
}

// Close releases the connection pool.
func (a *PGArchiver) Close() {
	a.pool.Close()
}
