package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Record is anything the engine persists as a keyed JSON document.
type Record interface {
	EntityType() string
	RecordStatus() string
	RecordParent() string
}

// Key builds the record key for an entity id, e.g. "task/<id>".
func Key(entityType, id string) string {
	return entityType + "/" + id
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO records (key, entity_type, parent, status, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			parent = excluded.parent,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		key, rec.EntityType(), rec.RecordParent(), rec.RecordStatus(), string(data))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, rec Record) error {
	return putRecord(ctx, s.db, key, rec)
}

// Get decodes the record stored under key into out. It reports false when
// no such record exists.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) ListByStatus(ctx context.Context, entityType, status string) ([]json.RawMessage, error) {
	return s.queryRecords(ctx, `
		SELECT data FROM records WHERE entity_type = ? AND status = ?
		ORDER BY created_at, rowid`, entityType, status)
}

func (s *Store) ListByParent(ctx context.Context, entityType, parent string) ([]json.RawMessage, error) {
	return s.queryRecords(ctx, `
		SELECT data FROM records WHERE entity_type = ? AND parent = ?
		ORDER BY created_at, rowid`, entityType, parent)
}

func (s *Store) ListByType(ctx context.Context, entityType string) ([]json.RawMessage, error) {
	return s.queryRecords(ctx, `
		SELECT data FROM records WHERE entity_type = ?
		ORDER BY created_at DESC, rowid DESC`, entityType)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	return err
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}
