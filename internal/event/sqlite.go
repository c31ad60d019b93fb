package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time assertion that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the default event store, backed by a single SQLite file via
// the pure-Go modernc driver. WAL mode keeps concurrent readers from
// blocking the writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath and applies the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("event: open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("event: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		source      TEXT NOT NULL,
		category    TEXT NOT NULL,
		payload     TEXT NOT NULL,
		tags        TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_events_category ON events(category, occurred_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, ev *Event) error {
	payload, tags, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, occurred_at, source, category, payload, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		ev.Source, ev.Category, payload, tags,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("event: insert %s: %w", ev.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, occurred_at, source, category, payload, tags, created_at
		FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event: get %s: %w", id, err)
	}
	return ev, nil
}

func (s *SQLiteStore) Update(ctx context.Context, ev *Event) error {
	payload, tags, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET payload = ?, tags = ? WHERE id = ?`,
		payload, tags, ev.ID,
	)
	if err != nil {
		return fmt.Errorf("event: update %s: %w", ev.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, occurred_at, source, category, payload, tags, created_at
		FROM events ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("event: recent: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) Since(ctx context.Context, cutoff time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, occurred_at, source, category, payload, tags, created_at
		FROM events WHERE occurred_at >= ? ORDER BY occurred_at DESC`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("event: since: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ---- row helpers ------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalEvent(ev *Event) (payload, tags []byte, err error) {
	payload, err = json.Marshal(ev.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("event: marshal payload: %w", err)
	}
	if ev.Tags == nil {
		tags = []byte("[]")
	} else if tags, err = json.Marshal(ev.Tags); err != nil {
		return nil, nil, fmt.Errorf("event: marshal tags: %w", err)
	}
	return payload, tags, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev            Event
		occurred      string
		created       string
		payload, tags []byte
	)
	if err := row.Scan(&ev.ID, &ev.Type, &occurred, &ev.Source, &ev.Category, &payload, &tags, &created); err != nil {
		return nil, err
	}
	var err error
	if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(tags, &ev.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
