// Package quality runs named data-quality checks against a partition
// and records results and per-record rejects to the store.
package quality

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
)

// CheckStatus is the outcome of one check. Warned and skipped results
// are recorded but do not block the gate.
type CheckStatus string

const (
	StatusPassed  CheckStatus = "passed"
	StatusWarned  CheckStatus = "warned"
	StatusFailed  CheckStatus = "failed"
	StatusSkipped CheckStatus = "skipped"
	StatusError   CheckStatus = "error"
)

// Outcome is what a check reports. Actual and Expected carry the
// observed and required values for diagnosis, formatted by the check.
type Outcome struct {
	Status   CheckStatus `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Actual   string      `json:"actual,omitempty"`
	Expected string      `json:"expected,omitempty"`
}

// Pass reports a passing outcome.
func Pass(detail string) Outcome { return Outcome{Status: StatusPassed, Detail: detail} }

// Warn reports a non-blocking warning.
func Warn(detail string) Outcome { return Outcome{Status: StatusWarned, Detail: detail} }

// Fail reports a blocking failure.
func Fail(detail string) Outcome { return Outcome{Status: StatusFailed, Detail: detail} }

// Skip reports that the check did not apply to this partition.
func Skip(detail string) Outcome { return Outcome{Status: StatusSkipped, Detail: detail} }

// WithValues attaches the observed and required values.
func (o Outcome) WithValues(actual, expected string) Outcome {
	o.Actual = actual
	o.Expected = expected
	return o
}

// Check inspects a partition through the workflow context. Returning
// an error (as opposed to a failed outcome) means the check itself
// could not run.
type Check func(ctx context.Context, wc *workflow.Context, partitionKey string) (Outcome, error)

// Result is one recorded check outcome.
type Result struct {
	ID           string      `json:"id"`
	ExecutionID  string      `json:"execution_id,omitempty"`
	PartitionKey string      `json:"partition_key"`
	CheckName    string      `json:"check_name"`
	Status       CheckStatus `json:"status"`
	Detail       string      `json:"detail,omitempty"`
	Actual       string      `json:"actual,omitempty"`
	Expected     string      `json:"expected,omitempty"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// Gate holds registered checks and runs them as a unit.
type Gate struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewGate creates an empty gate.
func NewGate(st *store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, logger: logger, checks: make(map[string]Check)}
}

// Add registers a check. Duplicate names are a conflict.
func (g *Gate) Add(name string, check Check) error {
	if name == "" || check == nil {
		return &errors.ValidationError{
			Field:   "check_name",
			Message: "check name and function are required",
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.checks[name]; exists {
		return &errors.ConflictError{Resource: "quality_check", ID: name, Reason: "already registered"}
	}
	g.checks[name] = check
	return nil
}

// Names returns the registered check names, sorted.
func (g *Gate) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.checks))
	for name := range g.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAll executes every check against the partition, records each
// result keyed to the run, and returns check name to status. A check
// that panics or errors records as error, not failed.
func (g *Gate) RunAll(ctx context.Context, wc *workflow.Context, partitionKey string) (map[string]CheckStatus, error) {
	g.mu.RLock()
	names := make([]string, 0, len(g.checks))
	for name := range g.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(g.checks))
	for name, c := range g.checks {
		checks[name] = c
	}
	g.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckStatus, len(names))
	for _, name := range names {
		out := g.runOne(ctx, checks[name], wc, partitionKey)
		results[name] = out.Status

		if err := g.record(ctx, Result{
			ID:           ident.NewID(),
			ExecutionID:  wc.RunID,
			PartitionKey: partitionKey,
			CheckName:    name,
			Status:       out.Status,
			Detail:       out.Detail,
			Actual:       out.Actual,
			Expected:     out.Expected,
			CheckedAt:    time.Now(),
		}); err != nil {
			return results, err
		}

		if out.Status != StatusPassed && out.Status != StatusSkipped {
			g.logger.Warn("quality check did not pass",
				"check", name, "status", string(out.Status),
				"partition_key", partitionKey, "run_id", wc.RunID)
		}
	}
	return results, nil
}

// runOne isolates a single check, converting panics and errors into
// error outcomes.
func (g *Gate) runOne(ctx context.Context, check Check, wc *workflow.Context, partitionKey string) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Outcome{Status: StatusError, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
	}()

	out, err := check(ctx, wc, partitionKey)
	if err != nil {
		return Outcome{Status: StatusError, Detail: err.Error()}
	}
	if out.Status == "" {
		return Outcome{Status: StatusError, Detail: "check returned no status"}
	}
	return out
}

// HasFailures reports whether any result blocks the gate. Warned and
// skipped results do not.
func HasFailures(results map[string]CheckStatus) bool {
	for _, status := range results {
		if status == StatusFailed || status == StatusError {
			return true
		}
	}
	return false
}

func (g *Gate) record(ctx context.Context, r Result) error {
	_, err := g.store.DB().ExecContext(ctx, g.store.Rebind(`
		INSERT INTO core_quality
			(id, execution_id, partition_key, check_name, status, detail, actual, expected, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, store.NullString(r.ExecutionID), r.PartitionKey, r.CheckName,
		string(r.Status), store.NullString(r.Detail),
		store.NullString(r.Actual), store.NullString(r.Expected),
		store.FormatTime(r.CheckedAt))
	if err != nil {
		return &errors.StorageError{Op: "insert quality result", Cause: err}
	}
	return nil
}

// Results returns recorded check results for a run.
func (g *Gate) Results(ctx context.Context, executionID string) ([]Result, error) {
	rows, err := g.store.DB().QueryContext(ctx, g.store.Rebind(`
		SELECT id, execution_id, partition_key, check_name, status, detail, actual, expected, checked_at
		FROM core_quality
		WHERE execution_id = ?
		ORDER BY checked_at, id`), executionID)
	if err != nil {
		return nil, &errors.StorageError{Op: "query quality results", Cause: err}
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var execID, detail, actual, expected sql.NullString
		var checkedAt string
		if err := rows.Scan(&r.ID, &execID, &r.PartitionKey, &r.CheckName,
			&r.Status, &detail, &actual, &expected, &checkedAt); err != nil {
			return nil, &errors.StorageError{Op: "scan quality result", Cause: err}
		}
		r.ExecutionID = execID.String
		r.Detail = detail.String
		r.Actual = actual.String
		r.Expected = expected.String
		if r.CheckedAt, err = store.ParseTime(checkedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Reject records a per-record rejection.
type Reject struct {
	ID           string    `json:"id"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	Domain       string    `json:"domain"`
	PartitionKey string    `json:"partition_key"`
	Stage        string    `json:"stage"`
	ReasonCode   string    `json:"reason_code"`
	Record       any       `json:"record,omitempty"`
	RejectedAt   time.Time `json:"rejected_at"`
}

// RecordReject persists one rejected record.
func (g *Gate) RecordReject(ctx context.Context, r Reject) (string, error) {
	if r.Domain == "" || r.PartitionKey == "" || r.Stage == "" || r.ReasonCode == "" {
		return "", &errors.ValidationError{
			Field:   "reason_code",
			Message: "domain, partition_key, stage, and reason_code are required",
		}
	}
	if r.ID == "" {
		r.ID = ident.NewID()
	}
	if r.RejectedAt.IsZero() {
		r.RejectedAt = time.Now()
	}

	var record sql.NullString
	if r.Record != nil {
		b, err := json.Marshal(r.Record)
		if err != nil {
			return "", &errors.StorageError{Op: "encode reject record", Cause: err}
		}
		record = sql.NullString{String: string(b), Valid: true}
	}

	_, err := g.store.DB().ExecContext(ctx, g.store.Rebind(`
		INSERT INTO core_rejects
			(id, execution_id, domain, partition_key, stage, reason_code, record, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, store.NullString(r.ExecutionID), r.Domain, r.PartitionKey,
		r.Stage, r.ReasonCode, record, store.FormatTime(r.RejectedAt))
	if err != nil {
		return "", &errors.StorageError{Op: "insert reject", Cause: err}
	}
	return r.ID, nil
}

// CountRejects returns the rejects recorded for a (domain, partition).
func (g *Gate) CountRejects(ctx context.Context, domain, partitionKey string) (int, error) {
	var n int
	err := g.store.DB().QueryRowContext(ctx, g.store.Rebind(`
		SELECT COUNT(*) FROM core_rejects
		WHERE domain = ? AND partition_key = ?`),
		domain, partitionKey).Scan(&n)
	if err != nil {
		return 0, &errors.StorageError{Op: "count rejects", Cause: err}
	}
	return n, nil
}
