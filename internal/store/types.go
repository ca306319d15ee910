package store

import (
	json "github.com/goccy/go-json"

	"github.com/roach88/bulbflow/internal/fault"
)

// Status is the lifecycle position of an invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further work will happen for the invocation.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Failure is the persisted form of a *fault.Error.
type Failure struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Op     string `json:"op,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// FailureOf converts err into its persisted form. Errors outside the
// taxonomy are stored as terminal failures.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.Terminal("", err)
	}
	return &Failure{
		Code:   string(fe.Code),
		Reason: string(fe.Reason),
		Op:     fe.Op,
		Detail: fe.Detail(),
	}
}

// Err restores the failure as a *fault.Error that reads the same as the
// one originally recorded.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return &fault.Error{
		Code:    fault.Code(f.Code),
		Reason:  fault.Reason(f.Reason),
		Op:      f.Op,
		Message: f.Detail,
	}
}

// Invocation is one accepted call, keyed by idempotency key or run id.
type Invocation struct {
	ID        string          `json:"id"`
	Scope     string          `json:"scope"`
	Operation string          `json:"operation"`
	Mode      string          `json:"mode,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Failure   *Failure        `json:"failure,omitempty"`
	Archived  bool            `json:"archived"`
	Seq       int64           `json:"seq"`
}

// StepRecord is the recorded outcome of one step of a run. Exactly one of
// Output and Failure is set.
type StepRecord struct {
	RunID    string          `json:"run_id"`
	Label    string          `json:"label"`
	Seq      int64           `json:"seq"`
	Attempts int             `json:"attempts"`
	Output   json.RawMessage `json:"output,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
}

// Marker is a durable named value attached to a run, such as the workflow
// status marker.
type Marker struct {
	RunID string `json:"run_id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Seq   int64  `json:"seq"`
}

// RunSnapshot is everything the journal holds about one run.
type RunSnapshot struct {
	Invocation Invocation   `json:"invocation"`
	Steps      []StepRecord `json:"steps"`
	Markers    []Marker     `json:"markers"`
}
