package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ClaimInvocation inserts inv unless an invocation with the same ID exists.
//
// Returns the stored invocation and whether this call inserted it. A false
// claimed result means another caller owns the key; the returned record is
// theirs. Uses ON CONFLICT(id) DO NOTHING, so concurrent claims for one key
// produce exactly one row.
func (s *Store) ClaimInvocation(ctx context.Context, inv Invocation) (Invocation, bool, error) {
	if inv.Status == "" {
		inv.Status = StatusPending
	}
	inv.Seq = s.nextSeq()

	result, err := s.exec(ctx, `
		INSERT INTO invocations (id, scope, operation, mode, payload, status, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, inv.ID, inv.Scope, inv.Operation, inv.Mode, string(inv.Payload), string(inv.Status), inv.Seq)
	if err != nil {
		return Invocation{}, false, fmt.Errorf("claim invocation: insert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return Invocation{}, false, fmt.Errorf("claim invocation: rows affected: %w", err)
	}
	if n > 0 {
		return inv, true, nil
	}

	existing, found, err := s.GetInvocation(ctx, inv.ID)
	if err != nil {
		return Invocation{}, false, fmt.Errorf("claim invocation: %w", err)
	}
	if !found {
		return Invocation{}, false, fmt.Errorf("claim invocation: %s conflicted but is missing", inv.ID)
	}
	return existing, false, nil
}

// MarkRunning moves a pending invocation to running.
// Returns false when the invocation was not pending.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	result, err := s.exec(ctx, `
		UPDATE invocations SET status = ?
		WHERE id = ? AND status = ?
	`, string(StatusRunning), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark running: rows affected: %w", err)
	}
	return n > 0, nil
}

// CompleteInvocation records the terminal outcome of an invocation.
//
// A nil failure marks success with output; a non-nil failure marks failure.
// An invocation already terminal is left untouched and false is returned,
// so the first completion wins.
func (s *Store) CompleteInvocation(ctx context.Context, id string, output []byte, failure *Failure) (bool, error) {
	status := StatusSucceeded
	var f Failure
	var out sql.NullString
	if failure != nil {
		status = StatusFailed
		f = *failure
	} else {
		out = sql.NullString{String: string(output), Valid: output != nil}
	}

	result, err := s.exec(ctx, `
		UPDATE invocations
		SET status = ?, output = ?, error_code = ?, error_reason = ?, error_op = ?, error_detail = ?, seq = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, string(status), out, f.Code, f.Reason, f.Op, f.Detail, s.nextSeq(),
		id, string(StatusSucceeded), string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("complete invocation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete invocation: rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordStep appends a step outcome for (rec.RunID, rec.Label).
//
// The first record for a pair wins: returns the stored record and whether
// this call inserted it. Callers replaying a run must use the returned
// record, never their own, so every replay observes the same outcome.
func (s *Store) RecordStep(ctx context.Context, rec StepRecord) (StepRecord, bool, error) {
	rec.Seq = s.nextSeq()

	var f Failure
	var out sql.NullString
	if rec.Failure != nil {
		f = *rec.Failure
	} else {
		out = sql.NullString{String: string(rec.Output), Valid: rec.Output != nil}
	}

	result, err := s.exec(ctx, `
		INSERT INTO steps (run_id, label, seq, attempts, output, error_code, error_reason, error_op, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, label) DO NOTHING
	`, rec.RunID, rec.Label, rec.Seq, rec.Attempts, out, f.Code, f.Reason, f.Op, f.Detail)
	if err != nil {
		return StepRecord{}, false, fmt.Errorf("record step: insert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return StepRecord{}, false, fmt.Errorf("record step: rows affected: %w", err)
	}
	if n > 0 {
		return rec, true, nil
	}

	existing, found, err := s.GetStep(ctx, rec.RunID, rec.Label)
	if err != nil {
		return StepRecord{}, false, fmt.Errorf("record step: %w", err)
	}
	if !found {
		return StepRecord{}, false, fmt.Errorf("record step: %s/%s conflicted but is missing", rec.RunID, rec.Label)
	}
	return existing, false, nil
}

// SetMarker stores value under (runID, name), replacing any previous value.
func (s *Store) SetMarker(ctx context.Context, runID, name, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO markers (run_id, name, value, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET value = excluded.value, seq = excluded.seq
	`, runID, name, value, s.nextSeq())
	if err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

// ArchiveRun stores document as the run's archive, purges its steps and
// markers, and flags the invocation archived. All four writes commit
// together. Archiving an already archived run is a no-op.
func (s *Store) ArchiveRun(ctx context.Context, runID string, document []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive run: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO archived_runs (run_id, document, seq) VALUES (?, ?, ?) ON CONFLICT(run_id) DO NOTHING`,
			[]any{runID, string(document), s.nextSeq()}},
		{`DELETE FROM steps WHERE run_id = ?`, []any{runID}},
		{`DELETE FROM markers WHERE run_id = ?`, []any{runID}},
		{`UPDATE invocations SET archived = 1 WHERE id = ?`, []any{runID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(st.query), st.args...); err != nil {
			return fmt.Errorf("archive run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive run: commit: %w", err)
	}
	return nil
}
