package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/bulbflow/internal/store"
)

// Journal is the persistence a run needs. *store.Store implements it.
type Journal interface {
	GetStep(ctx context.Context, runID, label string) (store.StepRecord, bool, error)
	RecordStep(ctx context.Context, rec store.StepRecord) (store.StepRecord, bool, error)
	GetMarker(ctx context.Context, runID, name string) (string, bool, error)
	SetMarker(ctx context.Context, runID, name, value string) error
}

// Run is one durable execution. Steps executed through a Run are recorded
// under its ID; executing the same Run again replays recorded steps.
//
// A Run is used by one goroutine at a time: steps within a run are strictly
// sequential.
type Run struct {
	id      string
	journal Journal
	log     zerolog.Logger
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithLogger attaches a logger; the run id is added to every entry.
func WithLogger(l zerolog.Logger) RunOption {
	return func(r *Run) {
		r.log = l
	}
}

// NewRun binds id to journal.
func NewRun(id string, journal Journal, opts ...RunOption) *Run {
	r := &Run{id: id, journal: journal, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("run_id", id).Logger()
	return r
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Logger returns the run's logger, tagged with its run id.
func (r *Run) Logger() *zerolog.Logger {
	return &r.log
}

// SetMarker durably stores a named value for the run. It returns only
// after the journal has committed the write.
func (r *Run) SetMarker(ctx context.Context, name, value string) error {
	if err := r.journal.SetMarker(ctx, r.id, name, value); err != nil {
		return fmt.Errorf("run %s: %w", r.id, err)
	}
	r.log.Debug().Str("marker", name).Str("value", value).Msg("marker set")
	return nil
}

// Marker reads a named value previously stored with SetMarker.
func (r *Run) Marker(ctx context.Context, name string) (string, bool, error) {
	v, found, err := r.journal.GetMarker(ctx, r.id, name)
	if err != nil {
		return "", false, fmt.Errorf("run %s: %w", r.id, err)
	}
	return v, found, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
