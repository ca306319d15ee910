// Package durable implements the retrying step executor.
//
// A Run is one durable execution keyed by run id (a workflow's device id,
// or an invocation's idempotency key). RunStep wraps an effect with a
// bounded retry policy and records its final outcome in the journal so the
// effect runs at most to completion once per (run id, label).
//
// ARCHITECTURE:
//
// Step Execution Flow:
// 1. Journal lookup for (run id, label); a hit returns the recorded outcome
// 2. Attempt loop under cenkalti/backoff: retryable failures wait and retry,
// anything else stops the loop
// 3. Exhaustion becomes a terminal "retries exhausted" failure
// 4. The outcome is recorded; the first record wins and is what every
// later caller observes
//
// Each attempt is bounded by RetryPolicy.AttemptTimeout; an attempt that
// overruns is abandoned and counts as retryable.
//
// CRITICAL PATTERNS:
//
// Exactly-once recording:
// The outcome is committed before RunStep returns. A crash after the commit
// replays the value; a crash before it re-runs the step, which is why remote
// effects carry idempotency keys.
//
// Bounded backoff:
// Waits grow by RetryPolicy.Multiplier from InitialBackoff and stop at
// MaxBackoff. Jitter is off, so waits never decrease.
//
// Cancellation:
// A cancelled context ends the loop without recording anything.
package durable
