package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserVisibleMessagesAreDistinct(t *testing.T) {
	rejected := Rejected("install", "lightbulb bulb-1 already installed")
	exhausted := Exhausted("get-status", Retryable("get-status", errors.New("nats: no responders available for request")))
	invariant := Invariant("toggle", "toggle did not change status")

	assert.Equal(t, "install: remote rejected request: lightbulb bulb-1 already installed", rejected.Error())
	assert.Equal(t, "get-status: remote unreachable after retries exhausted: get-status: remote call failed: nats: no responders available for request", exhausted.Error())
	assert.Equal(t, "toggle: workflow invariant violated: toggle did not change status", invariant.Error())
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	retry := fmt.Errorf("attempt 2: %w", Retryable("get", errors.New("timeout")))
	assert.True(t, IsRetryable(retry))
	assert.False(t, IsTerminal(retry))

	term := fmt.Errorf("workflow: %w", Rejected("install", "bad id"))
	assert.True(t, IsTerminal(term))
	assert.False(t, IsRetryable(term))
	assert.Equal(t, ReasonRejected, ReasonOf(term))

	enc := Encoding("key", errors.New("unsupported type"))
	assert.True(t, IsEncoding(enc))
	assert.False(t, IsTerminal(enc))
}

func TestExhaustedIsTerminalNotRetryable(t *testing.T) {
	last := Retryable("toggle", errors.New("nats: timeout"))
	err := Exhausted("toggle", last)

	assert.True(t, IsTerminal(err))
	assert.False(t, IsRetryable(err), "outermost classification wins")
	assert.ErrorIs(t, err, last)
}

func TestPlainErrorsAreUnclassified(t *testing.T) {
	err := errors.New("boom")
	assert.False(t, IsRetryable(err))
	assert.False(t, IsTerminal(err))
	assert.Equal(t, Reason(""), ReasonOf(err))

	_, ok := As(err)
	require.False(t, ok)
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "", (&Error{}).Detail())
	assert.Equal(t, "msg", (&Error{Message: "msg"}).Detail())
	assert.Equal(t, "cause", (&Error{Err: errors.New("cause")}).Detail())
	assert.Equal(t, "msg: cause", (&Error{Message: "msg", Err: errors.New("cause")}).Detail())
}
