package durable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/store"
)

func openJournal(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		AttemptTimeout: time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
	}
}

type status struct {
	Status string `json:"status"`
}

func TestRunStepSucceedsAfterRetryableFailures(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("fails_%d_times", k), func(t *testing.T) {
			run := NewRun("bulb-1", openJournal(t))
			var calls atomic.Int32

			got, err := RunStep(context.Background(), run, "get-status", fastPolicy(5), func(ctx context.Context) (status, error) {
				n := calls.Add(1)
				if int(n) <= k {
					return status{}, fault.Retryable("get", errors.New("nats: timeout"))
				}
				return status{Status: "OFF"}, nil
			})

			require.NoError(t, err)
			assert.Equal(t, "OFF", got.Status)
			assert.Equal(t, int32(k+1), calls.Load())
		})
	}
}

func TestRunStepExhaustsAttempts(t *testing.T) {
	journal := openJournal(t)
	run := NewRun("bulb-1", journal)
	var calls atomic.Int32

	_, err := RunStep(context.Background(), run, "install", fastPolicy(5), func(ctx context.Context) (status, error) {
		calls.Add(1)
		return status{}, fault.Retryable("install", errors.New("nats: no responders available for request"))
	})

	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.True(t, fault.IsTerminal(err))
	assert.Equal(t, fault.ReasonExhausted, fault.ReasonOf(err))
	assert.Contains(t, err.Error(), "remote unreachable after retries exhausted")

	rec, found, err := journal.GetStep(context.Background(), "bulb-1", "install")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, rec.Attempts)
	require.NotNil(t, rec.Failure)

	// replay surfaces the same failure without invoking the effect
	_, replayErr := RunStep(context.Background(), run, "install", fastPolicy(5), func(ctx context.Context) (status, error) {
		calls.Add(1)
		return status{}, nil
	})
	require.Error(t, replayErr)
	assert.Equal(t, int32(5), calls.Load())
	assert.True(t, fault.IsTerminal(replayErr))
	assert.Contains(t, replayErr.Error(), "remote unreachable after retries exhausted")
}

func TestRunStepTerminalAbortsImmediately(t *testing.T) {
	run := NewRun("bulb-1", openJournal(t))
	var calls atomic.Int32

	_, err := RunStep(context.Background(), run, "install", fastPolicy(5), func(ctx context.Context) (status, error) {
		calls.Add(1)
		return status{}, fault.Rejected("install", "lightbulb bulb-1 already installed")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, fault.ReasonRejected, fault.ReasonOf(err))
}

func TestRunStepUnclassifiedErrorIsTerminal(t *testing.T) {
	run := NewRun("r", openJournal(t))
	var calls atomic.Int32

	_, err := RunStep(context.Background(), run, "local", fastPolicy(3), func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("disk full")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, fault.IsTerminal(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunStepReplaysRecordedResult(t *testing.T) {
	journal := openJournal(t)
	var calls atomic.Int32
	effect := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)) * 7, nil
	}

	first, err := RunStep(context.Background(), NewRun("bulb-1", journal), "getting random delay", fastPolicy(3), effect)
	require.NoError(t, err)

	// a fresh Run for the same id stands in for a restarted process
	second, err := RunStep(context.Background(), NewRun("bulb-1", journal), "getting random delay", fastPolicy(3), effect)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// different run, same label: independent
	_, err = RunStep(context.Background(), NewRun("bulb-2", journal), "getting random delay", fastPolicy(3), effect)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunStepAttemptTimeoutIsRetryable(t *testing.T) {
	run := NewRun("slow", openJournal(t))
	var calls atomic.Int32
	policy := fastPolicy(3).WithAttemptTimeout(20 * time.Millisecond)

	got, err := RunStep(context.Background(), run, "toggle", policy, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			// ignores ctx on purpose; the executor must still give up on it
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}
		return "ON", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ON", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunStepAttemptTimeoutExhausts(t *testing.T) {
	run := NewRun("stuck", openJournal(t))
	policy := fastPolicy(2).WithAttemptTimeout(10 * time.Millisecond)

	_, err := RunStep(context.Background(), run, "get-status", policy, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.Error(t, err)
	assert.Equal(t, fault.ReasonExhausted, fault.ReasonOf(err))
	assert.Contains(t, err.Error(), "attempt exceeded")
}

func TestRunStepCancellationRecordsNothing(t *testing.T) {
	journal := openJournal(t)
	run := NewRun("bulb-1", journal)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := RunStep(ctx, run, "install", fastPolicy(3).WithAttemptTimeout(0), func(ctx context.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	_, found, err := journal.GetStep(context.Background(), "bulb-1", "install")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunStepRejectsInvalidPolicy(t *testing.T) {
	run := NewRun("r", openJournal(t))
	_, err := RunStep(context.Background(), run, "x", RetryPolicy{}, func(ctx context.Context) (int, error) {
		t.Fatal("effect must not run")
		return 0, nil
	})
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	journal := openJournal(t)
	run := NewRun("bulb-1", journal)
	ctx := context.Background()

	_, found, err := Lookup[status](ctx, run, "get-status")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = RunStep(ctx, run, "get-status", fastPolicy(1), func(ctx context.Context) (status, error) {
		return status{Status: "ON"}, nil
	})
	require.NoError(t, err)

	got, found, err := Lookup[status](ctx, run, "get-status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ON", got.Status)
}

func TestRunMarkers(t *testing.T) {
	run := NewRun("bulb-1", openJournal(t))
	ctx := context.Background()

	require.NoError(t, run.SetMarker(ctx, "installation_status", "installed"))
	v, found, err := run.Marker(ctx, "installation_status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "installed", v)
	assert.Equal(t, "bulb-1", run.ID())
}

func TestRunLoggerCarriesRunID(t *testing.T) {
	var buf bytes.Buffer
	run := NewRun("bulb-1", openJournal(t), WithLogger(zerolog.New(&buf)))

	run.Logger().Info().Str("step", "toggle").Msg("stepping")
	assert.Contains(t, buf.String(), `"run_id":"bulb-1"`)
	assert.Contains(t, buf.String(), `"step":"toggle"`)
}

func TestSleepHonoursContext(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
