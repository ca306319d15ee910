package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Equal(t, 5, DefaultPolicy().WithAttempts(5).MaxAttempts)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RetryPolicy)
	}{
		{"zero attempts", func(p *RetryPolicy) { p.MaxAttempts = 0 }},
		{"negative timeout", func(p *RetryPolicy) { p.AttemptTimeout = -time.Second }},
		{"zero backoff", func(p *RetryPolicy) { p.InitialBackoff = 0 }},
		{"cap below initial", func(p *RetryPolicy) { p.MaxBackoff = p.InitialBackoff / 2 }},
		{"shrinking multiplier", func(p *RetryPolicy) { p.Multiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			require.Error(t, p.Validate())
		})
	}
}

func TestDelaysNonDecreasingAndBounded(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}

	delays := p.Delays()
	require.Len(t, delays, 7)
	assert.Equal(t, 100*time.Millisecond, delays[0])
	assert.Equal(t, 200*time.Millisecond, delays[1])
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], p.MaxBackoff)
	}
	assert.Equal(t, time.Second, delays[len(delays)-1])
}

func TestDelaysSingleAttempt(t *testing.T) {
	assert.Empty(t, DefaultPolicy().WithAttempts(1).Delays())
}
