package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the multi-writer event store for deployments where
// several collectors share one household database. Payload and tags live in
// jsonb columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection, and applies the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("event: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event: ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			source      TEXT NOT NULL,
			category    TEXT NOT NULL,
			payload     JSONB NOT NULL,
			tags        JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_occurred ON events (occurred_at DESC);
		CREATE INDEX IF NOT EXISTS idx_events_category ON events (category, occurred_at DESC);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, ev *Event) error {
	payload, tags, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, type, occurred_at, source, category, payload, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Type, ev.OccurredAt.UTC(), ev.Source, ev.Category, payload, tags, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("event: insert %s: %w", ev.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, occurred_at, source, category, payload, tags, created_at
		FROM events WHERE id = $1`, id)
	ev, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event: get %s: %w", id, err)
	}
	return ev, nil
}

func (s *PostgresStore) Update(ctx context.Context, ev *Event) error {
	payload, tags, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET payload = $1, tags = $2 WHERE id = $3`,
		payload, tags, ev.ID,
	)
	if err != nil {
		return fmt.Errorf("event: update %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, occurred_at, source, category, payload, tags, created_at
		FROM events ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("event: recent: %w", err)
	}
	defer rows.Close()
	return collectPgEvents(rows)
}

func (s *PostgresStore) Since(ctx context.Context, cutoff time.Time) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, occurred_at, source, category, payload, tags, created_at
		FROM events WHERE occurred_at >= $1 ORDER BY occurred_at DESC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("event: since: %w", err)
	}
	defer rows.Close()
	return collectPgEvents(rows)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgEvent(row pgx.Row) (*Event, error) {
	var (
		ev            Event
		payload, tags []byte
	)
	if err := row.Scan(&ev.ID, &ev.Type, &ev.OccurredAt, &ev.Source, &ev.Category, &payload, &tags, &ev.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(tags, &ev.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &ev, nil
}

func collectPgEvents(rows pgx.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
