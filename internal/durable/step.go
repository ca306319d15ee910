package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/metrics"
	"github.com/roach88/bulbflow/internal/store"
)

// Effect is a single attempt of a step. It must honour ctx.
type Effect[T any] func(ctx context.Context) (T, error)

// RunStep executes effect as the step label of run.
//
// If the run already recorded label, the recorded outcome is returned and
// effect is not invoked. Otherwise effect is attempted up to
// policy.MaxAttempts times:
//   - retryable failures (fault.CodeRetryable, attempt timeout) are retried
//     after a non-decreasing, capped backoff
//   - any other failure aborts immediately
//   - exhausting the attempts yields a terminal "retries exhausted" failure
//
// The final outcome, value or terminal failure, is recorded before RunStep
// returns. Context cancellation is returned as-is and records nothing, so
// the step runs again when the run resumes.
func RunStep[T any](ctx context.Context, run *Run, label string, policy RetryPolicy, effect Effect[T]) (T, error) {
	var zero T
	if err := policy.Validate(); err != nil {
		return zero, fmt.Errorf("step %s: %w", label, err)
	}

	log := run.log.With().Str("label", label).Logger()

	rec, found, err := run.journal.GetStep(ctx, run.id, label)
	if err != nil {
		return zero, fmt.Errorf("step %s: %w", label, err)
	}
	if found {
		metrics.StepOutcomes.WithLabelValues(label, "replayed").Inc()
		log.Debug().Int64("seq", rec.Seq).Msg("step replayed from journal")
		return decodeRecord[T](rec)
	}

	started := time.Now()
	attempts := 0
	operation := func() (T, error) {
		attempts++
		metrics.StepAttempts.WithLabelValues(label).Inc()

		v, err := attempt(ctx, label, policy.AttemptTimeout, effect)
		if err == nil {
			return v, nil
		}
		if fault.IsRetryable(err) {
			log.Warn().Err(err).Int("attempt", attempts).Int("max_attempts", policy.MaxAttempts).Msg("step attempt failed")
			return v, err
		}
		return v, backoff.Permanent(err)
	}

	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy.newBackOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	metrics.StepDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		err = classifyFinal(label, err)
		metrics.StepOutcomes.WithLabelValues(label, outcomeOf(err)).Inc()
		log.Error().Err(err).Int("attempts", attempts).Msg("step failed")

		stored, _, recErr := run.journal.RecordStep(ctx, store.StepRecord{
			RunID:    run.id,
			Label:    label,
			Attempts: attempts,
			Failure:  store.FailureOf(err),
		})
		if recErr != nil {
			return zero, fmt.Errorf("step %s: %w", label, recErr)
		}
		if stored.Failure == nil {
			// A concurrent executor of the same run recorded success first.
			return decodeRecord[T](stored)
		}
		return zero, err
	}

	output, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("step %s: encode result: %w", label, err)
	}
	stored, inserted, err := run.journal.RecordStep(ctx, store.StepRecord{
		RunID:    run.id,
		Label:    label,
		Attempts: attempts,
		Output:   output,
	})
	if err != nil {
		return zero, fmt.Errorf("step %s: %w", label, err)
	}

	metrics.StepOutcomes.WithLabelValues(label, "succeeded").Inc()
	log.Debug().Int("attempts", attempts).Int64("seq", stored.Seq).Msg("step recorded")
	if !inserted {
		return decodeRecord[T](stored)
	}
	return value, nil
}

// Lookup returns the recorded value of a step without executing anything.
// found is false when the step has not been recorded. A recorded failure
// is returned as the error.
func Lookup[T any](ctx context.Context, run *Run, label string) (T, bool, error) {
	var zero T
	rec, found, err := run.journal.GetStep(ctx, run.id, label)
	if err != nil {
		return zero, false, fmt.Errorf("lookup %s: %w", label, err)
	}
	if !found {
		return zero, false, nil
	}
	v, err := decodeRecord[T](rec)
	return v, true, err
}

func decodeRecord[T any](rec store.StepRecord) (T, error) {
	var v T
	if rec.Failure != nil {
		return v, rec.Failure.Err()
	}
	if len(rec.Output) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(rec.Output, &v); err != nil {
		return v, fmt.Errorf("step %s: decode recorded result: %w", rec.Label, err)
	}
	return v, nil
}

// attempt runs effect once, bounded by timeout. An attempt that overruns
// is abandoned and reported retryable; its goroutine drains into a
// buffered channel.
func attempt[T any](ctx context.Context, label string, timeout time.Duration, effect Effect[T]) (T, error) {
	if timeout <= 0 {
		return effect(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := effect(actx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			if _, classified := fault.As(r.err); !classified {
				return r.v, fault.Retryable(label, fmt.Errorf("attempt exceeded %s: %w", timeout, r.err))
			}
		}
		return r.v, r.err
	case <-actx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fault.Retryable(label, fmt.Errorf("attempt exceeded %s", timeout))
	}
}

// classifyFinal turns the error that ended the retry loop into its
// terminal form.
func classifyFinal(label string, err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	switch {
	case fault.IsRetryable(err):
		return fault.Exhausted(label, err)
	case fault.IsTerminal(err), fault.IsEncoding(err):
		return err
	default:
		return fault.Terminal(label, err)
	}
}

func outcomeOf(err error) string {
	if fault.ReasonOf(err) == fault.ReasonExhausted {
		return "exhausted"
	}
	return "failed"
}
