package registry

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hivemesh-dev/hivemesh/protocol"
)

// SQLiteRegistry stores agent records in a SQLite database, giving a
// single node a durable registry across restarts. The full record is
// kept as a JSON column alongside the indexed id.
type SQLiteRegistry struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	record TEXT NOT NULL
);
`

// NewSQLiteRegistry opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral registry.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Register creates or replaces a record.
func (r *SQLiteRegistry) Register(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, record) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, record = excluded.record`,
		string(record.ID), record.Name, string(data))
	if err != nil {
		return fmt.Errorf("register %s: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a record by agent id.
func (r *SQLiteRegistry) Get(ctx context.Context, id protocol.AgentID) (*Record, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT record FROM agents WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &record, nil
}

// GetPublicKey returns the decoded public key for an agent.
func (r *SQLiteRegistry) GetPublicKey(ctx context.Context, id protocol.AgentID) (ed25519.PublicKey, error) {
	record, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return recordPublicKey(record)
}

// List returns all records ordered by id.
func (r *SQLiteRegistry) List(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// Search returns records matching the free-text query. Matching runs
// over the decoded records; registry sizes stay small enough that a
// full scan is fine.
func (r *SQLiteRegistry) Search(ctx context.Context, query string) ([]*Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := records[:0]
	for _, record := range records {
		if matchRecord(record, query) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// Close closes the database.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}
