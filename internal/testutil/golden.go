package testutil

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/canonical"
	"github.com/roach88/bulbflow/internal/store"
)

// RunTrace is the comparable part of a journaled run. Sequence numbers
// are left out since they depend on the journal's history.
type RunTrace struct {
	RunID   string            `json:"run_id"`
	Status  store.Status      `json:"status"`
	Markers map[string]string `json:"markers"`
	Steps   []StepTrace       `json:"steps"`
}

// StepTrace is one recorded step of a RunTrace.
type StepTrace struct {
	Label    string         `json:"label"`
	Attempts int            `json:"attempts"`
	Output   any            `json:"output,omitempty"`
	Failure  *store.Failure `json:"failure,omitempty"`
}

// TraceOf builds the trace of snap.
func TraceOf(t testing.TB, snap store.RunSnapshot) RunTrace {
	t.Helper()

	trace := RunTrace{
		RunID:   snap.Invocation.ID,
		Status:  snap.Invocation.Status,
		Markers: make(map[string]string, len(snap.Markers)),
		Steps:   make([]StepTrace, 0, len(snap.Steps)),
	}
	for _, m := range snap.Markers {
		trace.Markers[m.Name] = m.Value
	}
	for _, st := range snap.Steps {
		step := StepTrace{Label: st.Label, Attempts: st.Attempts, Failure: st.Failure}
		if len(st.Output) > 0 {
			out, err := canonical.Normalize(st.Output)
			require.NoError(t, err)
			step.Output = out
		}
		trace.Steps = append(trace.Steps, step)
	}
	return trace
}

// AssertGoldenRun compares the canonical JSON of the journaled run with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./... -update
func AssertGoldenRun(t *testing.T, name string, snap store.RunSnapshot) {
	t.Helper()

	data, err := canonical.Marshal(TraceOf(t, snap))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
