package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// StoredReport is a rendered workflow report. Content is kept
// zstd-compressed on disk and decompressed on read.
type StoredReport struct {
	WorkflowID string    `json:"workflow_id"`
	State      string    `json:"state"`
	Digest     string    `json:"digest"`
	Content    []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// SaveReport stores the report once. A report for a terminal workflow never
// changes, so later saves for the same workflow are ignored.
func (s *Store) SaveReport(ctx context.Context, r *StoredReport) error {
	compressed := encoder.EncodeAll(r.Content, nil)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (workflow_id, state, digest, content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO NOTHING`,
		r.WorkflowID, r.State, r.Digest, compressed)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, workflowID string) (*StoredReport, error) {
	r := &StoredReport{}
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, state, digest, content, created_at
		FROM reports WHERE workflow_id = ?`, workflowID).
		Scan(&r.WorkflowID, &r.State, &r.Digest, &compressed, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}

	content, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress report: %w", err)
	}
	r.Content = content
	return r, nil
}
