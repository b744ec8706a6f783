package watermark

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// ManifestEntry marks a stage complete for a (domain, partition).
type ManifestEntry struct {
	Domain       string         `json:"domain"`
	PartitionKey string         `json:"partition_key"`
	Stage        string         `json:"stage"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MarkStage upserts a stage-completion marker. Re-marking refreshes
// the timestamp and execution link.
func (s *Store) MarkStage(ctx context.Context, e ManifestEntry) error {
	if e.Domain == "" || e.PartitionKey == "" || e.Stage == "" {
		return &errors.ValidationError{
			Field:   "stage",
			Message: "domain, partition_key, and stage are required",
		}
	}
	meta, err := encodeMeta(e.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.store.DB().ExecContext(ctx, s.store.Rebind(`
		INSERT INTO core_manifest (domain, partition_key, stage, execution_id, completed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, partition_key, stage) DO UPDATE SET
			execution_id = excluded.execution_id,
			completed_at = excluded.completed_at,
			metadata = excluded.metadata`),
		e.Domain, e.PartitionKey, e.Stage, store.NullString(e.ExecutionID),
		store.FormatTime(now), meta)
	if err != nil {
		return &errors.StorageError{Op: "upsert manifest", Cause: err}
	}
	return nil
}

// StageDone reports whether the stage is marked complete.
func (s *Store) StageDone(ctx context.Context, domain, partitionKey, stage string) (bool, error) {
	var n int
	err := s.store.DB().QueryRowContext(ctx, s.store.Rebind(`
		SELECT COUNT(*) FROM core_manifest
		WHERE domain = ? AND partition_key = ? AND stage = ?`),
		domain, partitionKey, stage).Scan(&n)
	if err != nil {
		return false, &errors.StorageError{Op: "query manifest", Cause: err}
	}
	return n > 0, nil
}

// Stages returns all completed stages for a (domain, partition).
func (s *Store) Stages(ctx context.Context, domain, partitionKey string) ([]ManifestEntry, error) {
	rows, err := s.store.DB().QueryContext(ctx, s.store.Rebind(`
		SELECT domain, partition_key, stage, execution_id, completed_at, metadata
		FROM core_manifest
		WHERE domain = ? AND partition_key = ?
		ORDER BY completed_at`), domain, partitionKey)
	if err != nil {
		return nil, &errors.StorageError{Op: "query manifest", Cause: err}
	}
	defer rows.Close()

	var entries []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		var execID, metadata sql.NullString
		var completedAt string
		if err := rows.Scan(&e.Domain, &e.PartitionKey, &e.Stage,
			&execID, &completedAt, &metadata); err != nil {
			return nil, &errors.StorageError{Op: "scan manifest", Cause: err}
		}
		e.ExecutionID = execID.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, &errors.StorageError{Op: "decode manifest metadata", Cause: err}
			}
		}
		if e.CompletedAt, err = store.ParseTime(completedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
