package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/store"
)

const testBaseURL = "http://ingress.test"

var (
	toggleID   = idempotency.Identity{Scope: "LightbulbManagementSvc", Operation: "toggle_lightbulb"}
	workflowID = idempotency.Identity{Scope: "InstallationWorkflow", Operation: "run"}
	t0         = time.Date(2024, time.January, 1, 0, 0, 10, 0, time.UTC)
)

func newTestClient(t *testing.T, clock Clock) *Client {
	t.Helper()

	hc := &http.Client{}
	gock.InterceptClient(hc)
	t.Cleanup(func() {
		gock.RestoreClient(hc)
		gock.Off()
	})

	opts := []Option{
		WithHTTPClient(hc),
		WithPollInterval(time.Millisecond, 5*time.Millisecond),
		WithCallTimeout(time.Second),
	}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	return New(testBaseURL, catalog.Default(), opts...)
}

func fixedClock(t *testing.T, times ...time.Time) *MockClock {
	ctrl := gomock.NewController(t)
	clock := NewMockClock(ctrl)
	for _, ts := range times {
		clock.EXPECT().Now().Return(ts)
	}
	return clock
}

func TestInvokeAttachesWindowedKey(t *testing.T) {
	c := newTestClient(t, fixedClock(t, t0))
	payload := map[string]any{"id": "bulb-1"}
	want := idempotency.MustDerive(toggleID, payload, 30*time.Second, t0)

	gock.New(testBaseURL).
		Post("/LightbulbManagementSvc/toggle_lightbulb/send").
		MatchHeader(HeaderIdempotencyKey, string(want)).
		Reply(http.StatusAccepted).
		SetHeader(HeaderInvocationID, string(want)).
		JSON(AckBody{InvocationID: string(want), Status: AckAccepted})

	ack, err := c.Invoke(context.Background(), toggleID, payload, WithMode(ModeSend))
	require.NoError(t, err)
	assert.Equal(t, want, ack.Key)
	assert.True(t, ack.Accepted)
	assert.False(t, ack.Duplicate)
	assert.True(t, gock.IsDone())
}

func TestKeyChangesAcrossWindows(t *testing.T) {
	c := newTestClient(t, fixedClock(t, t0, t0.Add(5*time.Second), t0.Add(30*time.Second)))
	payload := map[string]any{"id": "bulb-1"}

	first, err := c.Key(toggleID, payload)
	require.NoError(t, err)
	sameBucket, err := c.Key(toggleID, payload)
	require.NoError(t, err)
	nextBucket, err := c.Key(toggleID, payload)
	require.NoError(t, err)

	assert.Equal(t, first, sameBucket)
	assert.NotEqual(t, first, nextBucket)
}

func TestKeyPayloadIgnoresClock(t *testing.T) {
	// The mock fails the test if Now is called.
	c := newTestClient(t, fixedClock(t))

	k1, err := c.Key(toggleID, map[string]any{"id": "bulb-1"}, WithKeyPayload(map[string]any{"run": "bulb-1", "step": "toggle"}))
	require.NoError(t, err)
	k2, err := c.Key(toggleID, map[string]any{"id": "bulb-1"}, WithKeyPayload(map[string]any{"run": "bulb-1", "step": "restore-toggle"}))
	require.NoError(t, err)

	assert.Len(t, string(k1), idempotency.KeyLength)
	assert.NotEqual(t, k1, k2)
}

func TestWorkflowRunHasNoKey(t *testing.T) {
	c := newTestClient(t, fixedClock(t))

	gock.New(testBaseURL).
		Post("/InstallationWorkflow/run/send").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			return req.Header.Get(HeaderIdempotencyKey) == "", nil
		}).
		Reply(http.StatusAccepted).
		SetHeader(HeaderInvocationID, "bulb-1").
		JSON(AckBody{InvocationID: "bulb-1", Status: AckAccepted})

	ack, err := c.Invoke(context.Background(), workflowID, map[string]any{"id": "bulb-1"}, WithMode(ModeSend))
	require.NoError(t, err)
	assert.Equal(t, idempotency.Key("bulb-1"), ack.Key)
}

func TestInvokeDuplicateIsNotAnError(t *testing.T) {
	c := newTestClient(t, nil)
	key := idempotency.Key("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	gock.New(testBaseURL).
		Post("/LightbulbManagementSvc/toggle_lightbulb/send").
		Reply(http.StatusConflict).
		SetHeader(HeaderInvocationID, string(key)).
		JSON(AckBody{InvocationID: string(key), Status: AckDuplicate})

	ack, err := c.Invoke(context.Background(), toggleID, map[string]any{"id": "bulb-1"}, WithMode(ModeSend), WithKey(key))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.False(t, ack.Accepted)
	assert.Equal(t, key, ack.Key)
}

func TestInvokeClassification(t *testing.T) {
	exhausted := store.FailureOf(fault.Exhausted("toggling lightbulb status", fault.Retryable("toggle", errors.New("no responders"))))

	tests := []struct {
		name      string
		status    int
		body      ErrorBody
		retryable bool
		reason    fault.Reason
	}{
		{"unavailable", http.StatusServiceUnavailable, ErrorBody{Message: "queue full"}, true, fault.ReasonUnavailable},
		{"throttled", http.StatusTooManyRequests, ErrorBody{Message: "slow down"}, true, fault.ReasonUnavailable},
		{"validation", http.StatusBadRequest, ErrorBody{Message: "invalid body"}, false, fault.ReasonRejected},
		{"unknown operation", http.StatusNotFound, ErrorBody{Message: "no such operation"}, false, fault.ReasonRejected},
		{"recorded failure", http.StatusInternalServerError, ErrorBody{Message: "failed", Failure: exhausted}, false, fault.ReasonExhausted},
		{"bare 500", http.StatusInternalServerError, ErrorBody{}, false, fault.ReasonRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, nil)
			gock.New(testBaseURL).
				Post("/LightbulbManagementSvc/toggle_lightbulb").
				Reply(tt.status).
				JSON(tt.body)

			_, err := c.Invoke(context.Background(), toggleID, map[string]any{"id": "bulb-1"}, WithKey("k"))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, fault.IsRetryable(err))
			assert.Equal(t, !tt.retryable, fault.IsTerminal(err))
			assert.Equal(t, tt.reason, fault.ReasonOf(err))
		})
	}
}

func TestInvokeTransportErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, nil)
	gock.New(testBaseURL).
		Post("/LightbulbManagementSvc/toggle_lightbulb").
		ReplyError(errors.New("connection refused"))

	_, err := c.Invoke(context.Background(), toggleID, map[string]any{"id": "bulb-1"}, WithKey("k"))
	require.Error(t, err)
	assert.True(t, fault.IsRetryable(err))
}

func TestInvokeSynchronousReturnsOutput(t *testing.T) {
	c := newTestClient(t, nil)
	gock.New(testBaseURL).
		Post("/LightbulbManagementSvc/toggle_lightbulb").
		Reply(http.StatusOK).
		SetHeader(HeaderInvocationID, "k").
		JSON(map[string]any{"id": "bulb-1", "run_time": 2})

	ack, err := c.Invoke(context.Background(), toggleID, map[string]any{"id": "bulb-1"}, WithKey("k"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"bulb-1","run_time":2}`, string(ack.Output))

	// Completed results are served from the cache.
	out, err := c.FetchResult(context.Background(), toggleID, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"bulb-1","run_time":2}`, string(out))
}

func TestFetchResult(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	gock.New(testBaseURL).Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/pending/output").
		Reply(http.StatusAccepted)
	_, err := c.FetchResult(ctx, toggleID, "pending")
	assert.ErrorIs(t, err, ErrPending)

	gock.New(testBaseURL).Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/missing/output").
		Reply(http.StatusNotFound)
	_, err = c.FetchResult(ctx, toggleID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	gock.New(testBaseURL).Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/failed/output").
		Reply(http.StatusInternalServerError).
		JSON(ErrorBody{Message: "failed", Failure: store.FailureOf(fault.Rejected("install", "lightbulb bulb-1 already installed"))})
	_, err = c.FetchResult(ctx, toggleID, "failed")
	require.Error(t, err)
	assert.Equal(t, fault.ReasonRejected, fault.ReasonOf(err))
	assert.Contains(t, err.Error(), "already installed")

	gock.New(testBaseURL).Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/done/output").
		Times(1).
		Reply(http.StatusOK).
		JSON(map[string]any{"id": "bulb-1"})
	out, err := c.FetchResult(ctx, toggleID, "done")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"bulb-1"}`, string(out))

	out, err = c.FetchResult(ctx, toggleID, "done")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"bulb-1"}`, string(out))
	assert.True(t, gock.IsDone())
}

func TestCallPollsUntilComplete(t *testing.T) {
	c := newTestClient(t, nil)

	gock.New(testBaseURL).
		Post("/LightbulbManagementSvc/toggle_lightbulb/send").
		Reply(http.StatusConflict).
		SetHeader(HeaderInvocationID, "k").
		JSON(AckBody{InvocationID: "k", Status: AckDuplicate})
	gock.New(testBaseURL).
		Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/k/output").
		Times(2).
		Reply(http.StatusAccepted)
	gock.New(testBaseURL).
		Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/k/output").
		Reply(http.StatusOK).
		JSON(map[string]any{"id": "bulb-1", "data": map[string]any{"status": "ON"}})

	out, err := c.Call(context.Background(), toggleID, map[string]any{"id": "bulb-1"}, WithKey("k"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"bulb-1","data":{"status":"ON"}}`, string(out))
	assert.True(t, gock.IsDone())
}

func TestCallStillPendingIsRetryable(t *testing.T) {
	c := newTestClient(t, nil)
	c.callTimeout = 20 * time.Millisecond

	gock.New(testBaseURL).
		Post("/LightbulbManagementSvc/toggle_lightbulb/send").
		Reply(http.StatusAccepted).
		SetHeader(HeaderInvocationID, "k")
	gock.New(testBaseURL).
		Get("/invocation/LightbulbManagementSvc/toggle_lightbulb/k/output").
		Persist().
		Reply(http.StatusAccepted)

	_, err := c.Call(context.Background(), toggleID, map[string]any{"id": "bulb-1"}, WithKey("k"))
	require.Error(t, err)
	assert.True(t, fault.IsRetryable(err))
	assert.ErrorIs(t, err, ErrPending)
}

func TestInvokeUnknownOperation(t *testing.T) {
	c := newTestClient(t, nil)

	_, err := c.Invoke(context.Background(), idempotency.Identity{Scope: "Nope", Operation: "nothing"}, map[string]any{})
	require.Error(t, err)
	assert.True(t, fault.IsTerminal(err))
}

func TestInvokeEncodingError(t *testing.T) {
	c := newTestClient(t, fixedClock(t, t0))

	_, err := c.Invoke(context.Background(), toggleID, map[string]any{"f": func() {}})
	require.Error(t, err)
	assert.True(t, fault.IsEncoding(err))
}
