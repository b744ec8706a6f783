// Package anomaly records operational anomalies detected during
// pipeline stages, with severity-based querying for escalation.
package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/metrics"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Severity orders anomalies for escalation.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Anomaly is one recorded incident.
type Anomaly struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	Stage          string         `json:"stage"`
	PartitionKey   string         `json:"partition_key,omitempty"`
	Severity       Severity       `json:"severity"`
	Category       string         `json:"category"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     time.Time      `json:"resolved_at,omitempty"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
}

// Resolved reports whether the anomaly has been closed out.
func (a *Anomaly) Resolved() bool { return !a.ResolvedAt.IsZero() }

// Recorder persists anomalies.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Record persists an anomaly and returns its id.
func (r *Recorder) Record(ctx context.Context, a Anomaly) (string, error) {
	if a.Stage == "" || a.Category == "" || a.Message == "" {
		return "", &errors.ValidationError{
			Field:   "message",
			Message: "stage, category, and message are required",
		}
	}
	if !a.Severity.Valid() {
		return "", &errors.ValidationError{
			Field:      "severity",
			Message:    "unknown severity: " + string(a.Severity),
			Suggestion: "use DEBUG, INFO, WARN, ERROR, or CRITICAL",
		}
	}
	if a.ID == "" {
		a.ID = ident.NewID()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}

	var metadata sql.NullString
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return "", &errors.StorageError{Op: "encode anomaly metadata", Cause: err}
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		INSERT INTO core_anomalies
			(id, execution_id, stage, partition_key, severity, category, message, metadata, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, store.NullString(a.ExecutionID), a.Stage,
		store.NullString(a.PartitionKey), string(a.Severity), a.Category,
		a.Message, metadata, store.FormatTime(a.DetectedAt))
	if err != nil {
		return "", &errors.StorageError{Op: "insert anomaly", Cause: err}
	}

	metrics.RecordAnomaly(string(a.Severity))
	switch a.Severity {
	case SeverityError, SeverityCritical:
		r.logger.Error("anomaly recorded",
			"anomaly_id", a.ID, "stage", a.Stage,
			"severity", string(a.Severity), "category", a.Category)
	default:
		r.logger.Debug("anomaly recorded",
			"anomaly_id", a.ID, "stage", a.Stage,
			"severity", string(a.Severity), "category", a.Category)
	}
	return a.ID, nil
}

// Resolve closes an anomaly, recording an optional note on how it was
// settled. Resolving twice is a conflict.
func (r *Recorder) Resolve(ctx context.Context, id, note string) error {
	res, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		UPDATE core_anomalies SET resolved_at = ?, resolution_note = ?
		WHERE id = ? AND resolved_at IS NULL`),
		store.FormatTime(time.Now()), store.NullString(note), id)
	if err != nil {
		return &errors.StorageError{Op: "resolve anomaly", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &errors.StorageError{Op: "resolve anomaly", Cause: err}
	}
	if n == 0 {
		if _, gerr := r.get(ctx, id); gerr != nil {
			return gerr
		}
		return &errors.ConflictError{Resource: "anomaly", ID: id, Reason: "already resolved"}
	}
	return nil
}

func (r *Recorder) get(ctx context.Context, id string) (*Anomaly, error) {
	row := r.store.DB().QueryRowContext(ctx, r.store.Rebind(`
		SELECT id, execution_id, stage, partition_key, severity, category,
			message, metadata, detected_at, resolved_at, resolution_note
		FROM core_anomalies WHERE id = ?`), id)
	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "anomaly", ID: id}
	}
	return a, err
}

// ListUnresolved returns open anomalies, optionally at or above a
// minimum severity, newest first.
func (r *Recorder) ListUnresolved(ctx context.Context, minSeverity Severity, limit int) ([]*Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, execution_id, stage, partition_key, severity, category,
		message, metadata, detected_at, resolved_at, resolution_note
		FROM core_anomalies WHERE resolved_at IS NULL`
	var args []any
	if minSeverity != "" {
		query += ` AND severity IN (` + severitiesAtLeast(minSeverity) + `)`
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.store.DB().QueryContext(ctx, r.store.Rebind(query), args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "query anomalies", Cause: err}
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// CountBySeverity returns open anomaly counts keyed by severity.
func (r *Recorder) CountBySeverity(ctx context.Context) (map[Severity]int, error) {
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM core_anomalies
		WHERE resolved_at IS NULL GROUP BY severity`)
	if err != nil {
		return nil, &errors.StorageError{Op: "count anomalies", Cause: err}
	}
	defer rows.Close()

	counts := make(map[Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, &errors.StorageError{Op: "scan anomaly count", Cause: err}
		}
		counts[Severity(sev)] = n
	}
	return counts, rows.Err()
}

// HasRecentCritical reports whether an unresolved CRITICAL anomaly was
// detected within the window.
func (r *Recorder) HasRecentCritical(ctx context.Context, window time.Duration) (bool, error) {
	var n int
	err := r.store.DB().QueryRowContext(ctx, r.store.Rebind(`
		SELECT COUNT(*) FROM core_anomalies
		WHERE resolved_at IS NULL AND severity = ? AND detected_at >= ?`),
		string(SeverityCritical),
		store.FormatTime(time.Now().Add(-window))).Scan(&n)
	if err != nil {
		return false, &errors.StorageError{Op: "query critical anomalies", Cause: err}
	}
	return n > 0, nil
}

// Purge removes resolved anomalies older than cutoff. Open anomalies
// are kept regardless of age.
func (r *Recorder) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.store.DB().ExecContext(ctx, r.store.Rebind(`
		DELETE FROM core_anomalies
		WHERE resolved_at IS NOT NULL AND detected_at < ?`),
		store.FormatTime(cutoff))
	if err != nil {
		return 0, &errors.StorageError{Op: "purge anomalies", Cause: err}
	}
	return res.RowsAffected()
}

// severitiesAtLeast builds the severity IN-list at or above min.
func severitiesAtLeast(min Severity) string {
	order := []Severity{SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical}
	out := ""
	include := false
	for _, s := range order {
		if s == min {
			include = true
		}
		if include {
			if out != "" {
				out += ", "
			}
			out += "'" + string(s) + "'"
		}
	}
	if out == "" {
		return "'" + string(SeverityCritical) + "'"
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*Anomaly, error) {
	var a Anomaly
	var execID, partitionKey, metadata, resolvedAt, note sql.NullString
	var severity, detectedAt string
	err := row.Scan(&a.ID, &execID, &a.Stage, &partitionKey, &severity,
		&a.Category, &a.Message, &metadata, &detectedAt, &resolvedAt, &note)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &errors.StorageError{Op: "scan anomaly", Cause: err}
	}
	a.ExecutionID = execID.String
	a.PartitionKey = partitionKey.String
	a.Severity = Severity(severity)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, &errors.StorageError{Op: "decode anomaly metadata", Cause: err}
		}
	}
	if a.DetectedAt, err = store.ParseTime(detectedAt); err != nil {
		return nil, err
	}
	a.ResolvedAt = store.TimeOrZero(resolvedAt)
	a.ResolutionNote = note.String
	return &a, nil
}
