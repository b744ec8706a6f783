package watermark

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/strandkit/strand/internal/ident"
	"github.com/strandkit/strand/internal/store"
	"github.com/strandkit/strand/pkg/errors"
)

// Readiness certifies that a domain partition is complete for
// downstream consumption.
type Readiness struct {
	ID           string         `json:"id"`
	Domain       string         `json:"domain"`
	PartitionKey string         `json:"partition_key"`
	CertifiedBy  string         `json:"certified_by"`
	CertifiedAt  time.Time      `json:"certified_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CalcDependency declares that a calculation consumes a (domain,
// stage); readiness checks walk these before certifying consumers.
type CalcDependency struct {
	ID        string    `json:"id"`
	CalcName  string    `json:"calc_name"`
	Domain    string    `json:"depends_on_domain"`
	Stage     string    `json:"depends_on_stage"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpectedSchedule declares the cadence a (domain, source) is expected
// to deliver on, for SLA tracking.
type ExpectedSchedule struct {
	ID        string        `json:"id"`
	Domain    string        `json:"domain"`
	Source    string        `json:"source"`
	Cadence   string        `json:"cadence"`
	Grace     time.Duration `json:"grace"`
	CreatedAt time.Time     `json:"created_at"`
}

// Certify records a readiness certification. Re-certifying a partition
// replaces the prior certification.
func (s *Store) Certify(ctx context.Context, domain, partitionKey, certifiedBy string, metadata map[string]any) (*Readiness, error) {
	if domain == "" || partitionKey == "" || certifiedBy == "" {
		return nil, &errors.ValidationError{
			Field:   "certified_by",
			Message: "domain, partition_key, and certified_by are required",
		}
	}
	meta, err := encodeMeta(metadata)
	if err != nil {
		return nil, err
	}

	r := &Readiness{
		ID:           ident.NewID(),
		Domain:       domain,
		PartitionKey: partitionKey,
		CertifiedBy:  certifiedBy,
		CertifiedAt:  time.Now(),
		Metadata:     metadata,
	}
	_, err = s.store.DB().ExecContext(ctx, s.store.Rebind(`
		INSERT INTO core_data_readiness (id, domain, partition_key, certified_by, certified_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, partition_key) DO UPDATE SET
			id = excluded.id,
			certified_by = excluded.certified_by,
			certified_at = excluded.certified_at,
			metadata = excluded.metadata`),
		r.ID, domain, partitionKey, certifiedBy,
		store.FormatTime(r.CertifiedAt), meta)
	if err != nil {
		return nil, &errors.StorageError{Op: "certify readiness", Cause: err}
	}
	return r, nil
}

// CheckReadiness reports whether a partition is certified, plus the
// certification row when present.
func (s *Store) CheckReadiness(ctx context.Context, domain, partitionKey string) (*Readiness, bool, error) {
	row := s.store.DB().QueryRowContext(ctx, s.store.Rebind(`
		SELECT id, domain, partition_key, certified_by, certified_at, metadata
		FROM core_data_readiness
		WHERE domain = ? AND partition_key = ?`), domain, partitionKey)

	var r Readiness
	var metadata sql.NullString
	var certifiedAt string
	err := row.Scan(&r.ID, &r.Domain, &r.PartitionKey, &r.CertifiedBy,
		&certifiedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.StorageError{Op: "query readiness", Cause: err}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, false, &errors.StorageError{Op: "decode readiness metadata", Cause: err}
		}
	}
	if r.CertifiedAt, err = store.ParseTime(certifiedAt); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// DeclareCalcDependency records a consumer's dependency on a (domain,
// stage). Duplicate declarations are no-ops.
func (s *Store) DeclareCalcDependency(ctx context.Context, calcName, domain, stage string) (*CalcDependency, error) {
	if calcName == "" || domain == "" || stage == "" {
		return nil, &errors.ValidationError{
			Field:   "calc_name",
			Message: "calc_name, domain, and stage are required",
		}
	}
	d := &CalcDependency{
		ID:        ident.NewID(),
		CalcName:  calcName,
		Domain:    domain,
		Stage:     stage,
		CreatedAt: time.Now(),
	}
	_, err := s.store.DB().ExecContext(ctx, s.store.Rebind(`
		INSERT INTO core_calc_dependencies (id, calc_name, depends_on_domain, depends_on_stage, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (calc_name, depends_on_domain, depends_on_stage) DO NOTHING`),
		d.ID, calcName, domain, stage, store.FormatTime(d.CreatedAt))
	if err != nil {
		return nil, &errors.StorageError{Op: "insert calc dependency", Cause: err}
	}
	return d, nil
}

// ListCalcDependencies returns declarations, optionally filtered by
// calculation name.
func (s *Store) ListCalcDependencies(ctx context.Context, calcName string) ([]CalcDependency, error) {
	query := `SELECT id, calc_name, depends_on_domain, depends_on_stage, created_at
		FROM core_calc_dependencies`
	var args []any
	if calcName != "" {
		query += ` WHERE calc_name = ?`
		args = append(args, calcName)
	}
	query += ` ORDER BY calc_name, depends_on_domain, depends_on_stage`

	rows, err := s.store.DB().QueryContext(ctx, s.store.Rebind(query), args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "query calc dependencies", Cause: err}
	}
	defer rows.Close()

	var deps []CalcDependency
	for rows.Next() {
		var d CalcDependency
		var createdAt string
		if err := rows.Scan(&d.ID, &d.CalcName, &d.Domain, &d.Stage, &createdAt); err != nil {
			return nil, &errors.StorageError{Op: "scan calc dependency", Cause: err}
		}
		if d.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// CalcReady reports whether every declared dependency of a
// calculation has its stage marked complete for the partition.
func (s *Store) CalcReady(ctx context.Context, calcName, partitionKey string) (bool, []CalcDependency, error) {
	deps, err := s.ListCalcDependencies(ctx, calcName)
	if err != nil {
		return false, nil, err
	}
	var missing []CalcDependency
	for _, d := range deps {
		done, err := s.StageDone(ctx, d.Domain, partitionKey, d.Stage)
		if err != nil {
			return false, nil, err
		}
		if !done {
			missing = append(missing, d)
		}
	}
	return len(missing) == 0, missing, nil
}

// DeclareExpectedSchedule records the cadence a source should deliver
// on.
func (s *Store) DeclareExpectedSchedule(ctx context.Context, domain, source, cadence string, grace time.Duration) (*ExpectedSchedule, error) {
	if domain == "" || source == "" || cadence == "" {
		return nil, &errors.ValidationError{
			Field:   "cadence",
			Message: "domain, source, and cadence are required",
		}
	}
	e := &ExpectedSchedule{
		ID:        ident.NewID(),
		Domain:    domain,
		Source:    source,
		Cadence:   cadence,
		Grace:     grace,
		CreatedAt: time.Now(),
	}
	_, err := s.store.DB().ExecContext(ctx, s.store.Rebind(`
		INSERT INTO core_expected_schedules (id, domain, source, cadence, grace_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, domain, source, cadence, int(grace.Seconds()),
		store.FormatTime(e.CreatedAt))
	if err != nil {
		return nil, &errors.StorageError{Op: "insert expected schedule", Cause: err}
	}
	return e, nil
}

// ListExpectedSchedules returns declarations, optionally filtered by
// domain.
func (s *Store) ListExpectedSchedules(ctx context.Context, domain string) ([]ExpectedSchedule, error) {
	query := `SELECT id, domain, source, cadence, grace_seconds, created_at
		FROM core_expected_schedules`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY domain, source`

	rows, err := s.store.DB().QueryContext(ctx, s.store.Rebind(query), args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "query expected schedules", Cause: err}
	}
	defer rows.Close()

	var out []ExpectedSchedule
	for rows.Next() {
		var e ExpectedSchedule
		var graceSecs int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Domain, &e.Source, &e.Cadence, &graceSecs, &createdAt); err != nil {
			return nil, &errors.StorageError{Op: "scan expected schedule", Cause: err}
		}
		e.Grace = time.Duration(graceSecs) * time.Second
		if e.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
