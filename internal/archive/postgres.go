package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresSink stores entries in a collector_reports table:
//
//	CREATE TABLE IF NOT EXISTS collector_reports (
//	  id          UUID        PRIMARY KEY,
//	  collector   TEXT        NOT NULL,
//	  observed_at TIMESTAMPTZ NOT NULL,
//	  received_at TIMESTAMPTZ NOT NULL,
//	  payload     JSONB       NOT NULL
//	);
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink wraps an existing *sql.DB.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

const schemaStmt = `
CREATE TABLE IF NOT EXISTS collector_reports (
  id          UUID        PRIMARY KEY,
  collector   TEXT        NOT NULL,
  observed_at TIMESTAMPTZ NOT NULL,
  received_at TIMESTAMPTZ NOT NULL,
  payload     JSONB       NOT NULL
)`

const insertStmt = `
INSERT INTO collector_reports (id, collector, observed_at, received_at, payload)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING`

// OpenPostgres connects to dsn through the pgx driver and prepares the table.
func OpenPostgres(ctx context.Context, dsn string, maxRetries uint64) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: open: %w", err)
	}
	sink := NewPostgresSink(db)
	if err := sink.Connect(ctx, maxRetries); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// Connect pings the database with backoff, then ensures the schema.
func (s *PostgresSink) Connect(ctx context.Context, maxRetries uint64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	err := backoff.Retry(func() error {
		return s.db.PingContext(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
	if err != nil {
		return fmt.Errorf("postgres sink: ping: %w", err)
	}
	return s.EnsureSchema(ctx)
}

// EnsureSchema creates the table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaStmt); err != nil {
		return fmt.Errorf("postgres sink: create table: %w", err)
	}
	return nil
}

// Write inserts entries in one transaction.
func (s *PostgresSink) Write(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres sink: begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		payload, err := json.Marshal(e.Record)
		if err != nil {
			return fmt.Errorf("postgres sink: encode payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertStmt,
			e.ID.String(),
			string(e.Identity),
			e.ObservedAt,
			e.ReceivedAt,
			payload,
		); err != nil {
			return fmt.Errorf("postgres sink: insert report: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres sink: commit: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
