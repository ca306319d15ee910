package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const invocationColumns = `id, scope, operation, mode, payload, status, output,
	error_code, error_reason, error_op, error_detail, archived, seq`

// GetInvocation returns the invocation stored under id.
func (s *Store) GetInvocation(ctx context.Context, id string) (Invocation, bool, error) {
	row := s.queryRow(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Invocation{}, false, nil
	}
	if err != nil {
		return Invocation{}, false, fmt.Errorf("get invocation %s: %w", id, err)
	}
	return inv, true, nil
}

// FindIncomplete returns invocations that are pending or running, oldest
// first. After a crash these are the runs to resume.
func (s *Store) FindIncomplete(ctx context.Context) ([]Invocation, error) {
	return s.listInvocations(ctx, `
		SELECT `+invocationColumns+` FROM invocations
		WHERE status IN (?, ?)
		ORDER BY seq ASC, id ASC
	`, string(StatusPending), string(StatusRunning))
}

// ListInvocations returns the most recent invocations, newest first.
func (s *Store) ListInvocations(ctx context.Context, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listInvocations(ctx, `
		SELECT `+invocationColumns+` FROM invocations
		ORDER BY seq DESC, id ASC
		LIMIT ?
	`, limit)
}

func (s *Store) listInvocations(ctx context.Context, query string, args ...any) ([]Invocation, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	invocations := []Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return invocations, nil
}

// GetStep returns the recorded outcome of (runID, label).
func (s *Store) GetStep(ctx context.Context, runID, label string) (StepRecord, bool, error) {
	row := s.queryRow(ctx, `
		SELECT run_id, label, seq, attempts, output, error_code, error_reason, error_op, error_detail
		FROM steps WHERE run_id = ? AND label = ?
	`, runID, label)
	rec, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StepRecord{}, false, nil
	}
	if err != nil {
		return StepRecord{}, false, fmt.Errorf("get step %s/%s: %w", runID, label, err)
	}
	return rec, true, nil
}

// ListSteps returns a run's recorded steps in the order they were recorded.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, label, seq, attempts, output, error_code, error_reason, error_op, error_detail
		FROM steps WHERE run_id = ?
		ORDER BY seq ASC, label ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []StepRecord{}
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// GetMarker returns the value stored under (runID, name).
func (s *Store) GetMarker(ctx context.Context, runID, name string) (string, bool, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM markers WHERE run_id = ? AND name = ?`, runID, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get marker %s/%s: %w", runID, name, err)
	}
	return value, true, nil
}

// ListMarkers returns a run's markers ordered by last write.
func (s *Store) ListMarkers(ctx context.Context, runID string) ([]Marker, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, name, value, seq FROM markers
		WHERE run_id = ?
		ORDER BY seq ASC, name ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	markers := []Marker{}
	for rows.Next() {
		var m Marker
		if err := rows.Scan(&m.RunID, &m.Name, &m.Value, &m.Seq); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markers: %w", err)
	}
	return markers, nil
}

// Snapshot collects the invocation, steps and markers of a live run.
func (s *Store) Snapshot(ctx context.Context, runID string) (RunSnapshot, bool, error) {
	inv, found, err := s.GetInvocation(ctx, runID)
	if err != nil || !found {
		return RunSnapshot{}, found, err
	}
	steps, err := s.ListSteps(ctx, runID)
	if err != nil {
		return RunSnapshot{}, false, fmt.Errorf("snapshot: %w", err)
	}
	markers, err := s.ListMarkers(ctx, runID)
	if err != nil {
		return RunSnapshot{}, false, fmt.Errorf("snapshot: %w", err)
	}
	return RunSnapshot{Invocation: inv, Steps: steps, Markers: markers}, true, nil
}

// GetArchive returns the archived document of a terminal run.
func (s *Store) GetArchive(ctx context.Context, runID string) ([]byte, bool, error) {
	var doc string
	err := s.queryRow(ctx, `SELECT document FROM archived_runs WHERE run_id = ?`, runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get archive %s: %w", runID, err)
	}
	return []byte(doc), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row scanner) (Invocation, error) {
	var (
		inv      Invocation
		payload  string
		status   string
		output   sql.NullString
		f        Failure
		archived int
	)
	if err := row.Scan(&inv.ID, &inv.Scope, &inv.Operation, &inv.Mode, &payload, &status, &output,
		&f.Code, &f.Reason, &f.Op, &f.Detail, &archived, &inv.Seq); err != nil {
		return Invocation{}, err
	}
	inv.Payload = []byte(payload)
	inv.Status = Status(status)
	if output.Valid {
		inv.Output = []byte(output.String)
	}
	if f.Code != "" {
		inv.Failure = &f
	}
	inv.Archived = archived != 0
	return inv, nil
}

func scanStep(row scanner) (StepRecord, error) {
	var (
		rec    StepRecord
		output sql.NullString
		f      Failure
	)
	if err := row.Scan(&rec.RunID, &rec.Label, &rec.Seq, &rec.Attempts, &output,
		&f.Code, &f.Reason, &f.Op, &f.Detail); err != nil {
		return StepRecord{}, err
	}
	if output.Valid {
		rec.Output = []byte(output.String)
	}
	if f.Code != "" {
		rec.Failure = &f
	}
	return rec, nil
}
