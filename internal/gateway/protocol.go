package gateway

import (
	"github.com/roach88/bulbflow/internal/store"
)

// Wire names shared with the ingress.
const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderInvocationID   = "x-invocation-id"

	// ModeSend asks the ingress to acknowledge and run asynchronously.
	ModeSend = "send"
)

// Acknowledgement statuses.
const (
	AckAccepted  = "accepted"
	AckDuplicate = "duplicate"
)

// AckBody answers an asynchronous submission.
type AckBody struct {
	InvocationID string `json:"invocation_id"`
	Status       string `json:"status"`
}

// ErrorBody carries a failed request or a failed invocation.
type ErrorBody struct {
	Message string         `json:"message"`
	Failure *store.Failure `json:"failure,omitempty"`
}

// StepSummary describes one recorded step of a run.
type StepSummary struct {
	Label    string `json:"label"`
	Attempts int    `json:"attempts"`
	Failed   bool   `json:"failed"`
}

// RunState reports where an invocation stands.
type RunState struct {
	ID       string            `json:"id"`
	Status   store.Status      `json:"status"`
	Markers  map[string]string `json:"markers,omitempty"`
	Steps    []StepSummary     `json:"steps"`
	Failure  *store.Failure    `json:"failure,omitempty"`
	Terminal bool              `json:"terminal"`
	Archived bool              `json:"archived"`
}
