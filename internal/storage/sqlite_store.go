package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		last_mutated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		instance_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
}

// SQLiteStore implements Store on a relational schema: one row per instance
// and one row per event. Events are appended incrementally.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database file at path, or a private in-memory
// database when path is empty.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; one connection also keeps an
	// in-memory database from being split across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *models.Instance) error {
	state, err := json.Marshal(inst.State)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, schema_version, state, version, created_at, last_mutated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			state = excluded.state,
			version = excluded.version,
			last_mutated_at = excluded.last_mutated_at
		WHERE excluded.version >= instances.version`,
		inst.ID, inst.Schema, string(state), int64(inst.Version),
		formatTime(inst.CreatedAt), formatTime(inst.LastMutatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = ?`, inst.ID,
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("read last event: %w", err)
	}

	for _, ev := range inst.Events {
		if int64(ev.Seq) <= stored {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (instance_id, seq, payload, recorded_at) VALUES (?, ?, ?, ?)`,
			inst.ID, int64(ev.Seq), string(ev.Payload), formatTime(ev.RecordedAt),
		)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

// scanInstance scans an instances row.
func scanInstance(scanner interface{ Scan(...any) error }) (*models.Instance, error) {
	var (
		inst               models.Instance
		state              string
		version            int64
		created, lastMutAt string
	)
	if err := scanner.Scan(&inst.ID, &inst.Schema, &state, &version, &created, &lastMutAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &inst.State); err != nil {
		return nil, fmt.Errorf("decode state of %s: %w", inst.ID, err)
	}
	inst.Version = uint64(version)
	var err error
	if inst.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if inst.LastMutatedAt, err = parseTime(lastMutAt); err != nil {
		return nil, err
	}
	inst.Events = []models.Event{}
	return &inst, nil
}

func (s *SQLiteStore) events(ctx context.Context, where string, args ...any) (map[string][]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, seq, payload, recorded_at FROM events `+where+` ORDER BY instance_id, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]models.Event{}
	for rows.Next() {
		var (
			id, payload, recorded string
			seq                   int64
		)
		if err := rows.Scan(&id, &seq, &payload, &recorded); err != nil {
			return nil, err
		}
		at, err := parseTime(recorded)
		if err != nil {
			return nil, err
		}
		ev := models.Event{Seq: uint64(seq), RecordedAt: at}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		out[id] = append(out[id], ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schema_version, state, version, created_at, last_mutated_at FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	evs, err := s.events(ctx, `WHERE instance_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if e := evs[id]; e != nil {
		inst.Events = e
	}
	return inst, nil
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE instance_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadInstances(ctx context.Context) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schema_version, state, version, created_at, last_mutated_at FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	evs, err := s.events(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, inst := range out {
		if e := evs[inst.ID]; e != nil {
			inst.Events = e
		}
	}
	return out, nil
}
