// Package watermark tracks ingest progress per (domain, source,
// partition) as forward-only high-water marks, plus the stage
// completion manifest and readiness certification built on top.
package watermark

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Watermark is one (domain, source, partition) progress marker. The
// high water is an opaque monotone string, typically an ISO-8601
// timestamp or a sequence number; comparison is lexical.
type Watermark struct {
	Domain       string         `json:"domain"`
	Source       string         `json:"source"`
	PartitionKey string         `json:"partition_key"`
	HighWater    string         `json:"high_water"`
	LowWater     string         `json:"low_water,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Gap names an expected partition with no watermark.
type Gap struct {
	Domain       string `json:"domain"`
	Source       string `json:"source"`
	PartitionKey string `json:"partition_key"`
}

// Store persists watermarks.
type Store struct {
	store *store.Store
}

// NewStore creates a watermark store.
func NewStore(st *store.Store) *Store {
	return &Store{store: st}
}

// Advance moves the high water forward. A new value lexically at or
// below the current one leaves the row unchanged and returns the
// existing watermark: the mark never moves backward.
func (s *Store) Advance(ctx context.Context, domain, source, partitionKey, highWater, lowWater string, metadata map[string]any) (*Watermark, error) {
	if domain == "" || source == "" || partitionKey == "" {
		return nil, &errors.ValidationError{
			Field:   "partition_key",
			Message: "domain, source, and partition_key are required",
		}
	}
	if highWater == "" {
		return nil, &errors.ValidationError{
			Field:   "high_water",
			Message: "high_water must not be empty",
		}
	}

	meta, err := encodeMeta(metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		row := tx.QueryRowContext(ctx, s.store.Rebind(`
			SELECT high_water FROM core_watermarks
			WHERE domain = ? AND source = ? AND partition_key = ?`),
			domain, source, partitionKey)
		err := row.Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return &errors.StorageError{Op: "read watermark", Cause: err}
		}

		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx, s.store.Rebind(`
				INSERT INTO core_watermarks
					(domain, source, partition_key, high_water, low_water, metadata, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				domain, source, partitionKey, highWater,
				store.NullString(lowWater), meta, store.FormatTime(now))
			if err != nil {
				return &errors.StorageError{Op: "insert watermark", Cause: err}
			}
			return nil
		}

		if highWater <= current.String {
			// Forward-only: stale advance is a no-op.
			return nil
		}
		_, err = tx.ExecContext(ctx, s.store.Rebind(`
			UPDATE core_watermarks
			SET high_water = ?, low_water = COALESCE(?, low_water),
				metadata = COALESCE(?, metadata), updated_at = ?
			WHERE domain = ? AND source = ? AND partition_key = ?`),
			highWater, store.NullString(lowWater), meta,
			store.FormatTime(now), domain, source, partitionKey)
		if err != nil {
			return &errors.StorageError{Op: "update watermark", Cause: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, domain, source, partitionKey)
}

// Get returns one watermark, or NotFound.
func (s *Store) Get(ctx context.Context, domain, source, partitionKey string) (*Watermark, error) {
	row := s.store.DB().QueryRowContext(ctx, s.store.Rebind(`
		SELECT domain, source, partition_key, high_water, low_water, metadata, updated_at
		FROM core_watermarks
		WHERE domain = ? AND source = ? AND partition_key = ?`),
		domain, source, partitionKey)
	w, err := scanWatermark(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{
			Resource: "watermark",
			ID:       domain + "/" + source + "/" + partitionKey,
		}
	}
	return w, err
}

// ListAll returns watermarks, optionally filtered by domain.
func (s *Store) ListAll(ctx context.Context, domain string) ([]*Watermark, error) {
	query := `SELECT domain, source, partition_key, high_water, low_water, metadata, updated_at
		FROM core_watermarks`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY domain, source, partition_key`

	rows, err := s.store.DB().QueryContext(ctx, s.store.Rebind(query), args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "query watermarks", Cause: err}
	}
	defer rows.Close()

	var marks []*Watermark
	for rows.Next() {
		w, err := scanWatermark(rows)
		if err != nil {
			return nil, err
		}
		marks = append(marks, w)
	}
	return marks, rows.Err()
}

// ListGaps returns one Gap per expected partition key with no
// watermark row.
func (s *Store) ListGaps(ctx context.Context, domain, source string, expected []string) ([]Gap, error) {
	have := make(map[string]bool)
	rows, err := s.store.DB().QueryContext(ctx, s.store.Rebind(`
		SELECT partition_key FROM core_watermarks
		WHERE domain = ? AND source = ?`), domain, source)
	if err != nil {
		return nil, &errors.StorageError{Op: "query watermarks", Cause: err}
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, &errors.StorageError{Op: "scan watermark key", Cause: err}
		}
		have[key] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "iterate watermark keys", Cause: err}
	}

	var gaps []Gap
	for _, key := range expected {
		if !have[key] {
			gaps = append(gaps, Gap{Domain: domain, Source: source, PartitionKey: key})
		}
	}
	return gaps, nil
}

// Delete removes a watermark, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, domain, source, partitionKey string) (bool, error) {
	res, err := s.store.DB().ExecContext(ctx, s.store.Rebind(`
		DELETE FROM core_watermarks
		WHERE domain = ? AND source = ? AND partition_key = ?`),
		domain, source, partitionKey)
	if err != nil {
		return false, &errors.StorageError{Op: "delete watermark", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.StorageError{Op: "delete watermark", Cause: err}
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatermark(row rowScanner) (*Watermark, error) {
	var w Watermark
	var lowWater, metadata sql.NullString
	var updatedAt string
	err := row.Scan(&w.Domain, &w.Source, &w.PartitionKey, &w.HighWater,
		&lowWater, &metadata, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &errors.StorageError{Op: "scan watermark", Cause: err}
	}
	w.LowWater = lowWater.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &w.Metadata); err != nil {
			return nil, &errors.StorageError{Op: "decode watermark metadata", Cause: err}
		}
	}
	if w.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func encodeMeta(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, &errors.StorageError{Op: "encode metadata", Cause: err}
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
