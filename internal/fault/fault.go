// Package fault defines the error taxonomy shared by the key deriver, the
// call gateway, the step executor and the workflow.
//
// Every failure crossing a component boundary is an *Error carrying a Code
// (how the caller must react) and a Reason (what the user is told).
//
//   - CodeEncoding: payload not serializable; fatal to the call, never retried
//   - CodeRetryable: transport timeout, no responder, explicit retryable status
//   - CodeTerminal: rejection, invariant violation or exhausted retries
//
// A duplicate submission is not an error and has no code here; the gateway
// reports it as an acknowledgement.
package fault

import (
	"errors"
	"strings"
)

// Code tells the caller whether an operation may be retried.
type Code string

const (
	// CodeRetryable marks failures eligible for another attempt.
	CodeRetryable Code = "RETRYABLE"

	// CodeTerminal marks failures that must never be retried.
	CodeTerminal Code = "TERMINAL"

	// CodeEncoding marks payloads that cannot be canonically encoded.
	CodeEncoding Code = "ENCODING"
)

// Reason distinguishes the user-visible failure classes.
type Reason string

const (
	ReasonTransport   Reason = "transport"
	ReasonUnavailable Reason = "unavailable"
	ReasonRejected    Reason = "rejected"
	ReasonExhausted   Reason = "exhausted"
	ReasonInvariant   Reason = "invariant"
	ReasonFailed      Reason = "failed"
	ReasonEncoding    Reason = "encoding"
)

var phrases = map[Reason]string{
	ReasonTransport:   "remote call failed",
	ReasonUnavailable: "remote temporarily unavailable",
	ReasonRejected:    "remote rejected request",
	ReasonExhausted:   "remote unreachable after retries exhausted",
	ReasonInvariant:   "workflow invariant violated",
	ReasonFailed:      "step failed",
	ReasonEncoding:    "payload not serializable",
}

// Error is the single failure type of the call path.
type Error struct {
	// Code decides retry behaviour.
	Code Code

	// Reason selects the user-visible phrase.
	Reason Reason

	// Op names the operation or step that failed, e.g. "install" or
	// "LightbulbManagementSvc/toggle_lightbulb".
	Op string

	// Message is additional detail, usually the remote error_message.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Phrase())
	if detail := e.Detail(); detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Phrase returns the fixed user-visible description of the reason.
func (e *Error) Phrase() string {
	if p, ok := phrases[e.Reason]; ok {
		return p
	}
	return string(e.Reason)
}

// Detail joins Message and the cause into one line. The journal persists
// Detail so a replayed failure reads the same as the original.
func (e *Error) Detail() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

// Retryable wraps a transport-level failure.
func Retryable(op string, err error) *Error {
	return &Error{Code: CodeRetryable, Reason: ReasonTransport, Op: op, Err: err}
}

// Unavailable reports an explicit retryable status from the remote side.
func Unavailable(op, message string) *Error {
	return &Error{Code: CodeRetryable, Reason: ReasonUnavailable, Op: op, Message: message}
}

// Rejected reports an application-level rejection such as a validation
// failure or success=false from the device.
func Rejected(op, message string) *Error {
	return &Error{Code: CodeTerminal, Reason: ReasonRejected, Op: op, Message: message}
}

// Exhausted converts the last retryable failure into a terminal one.
func Exhausted(op string, last error) *Error {
	return &Error{Code: CodeTerminal, Reason: ReasonExhausted, Op: op, Err: last}
}

// Invariant reports a violated workflow post-condition.
func Invariant(op, message string) *Error {
	return &Error{Code: CodeTerminal, Reason: ReasonInvariant, Op: op, Message: message}
}

// Terminal wraps an unclassified failure as terminal.
func Terminal(op string, err error) *Error {
	return &Error{Code: CodeTerminal, Reason: ReasonFailed, Op: op, Err: err}
}

// Encoding reports a payload that cannot be canonically encoded.
func Encoding(op string, err error) *Error {
	return &Error{Code: CodeEncoding, Reason: ReasonEncoding, Op: op, Err: err}
}

// As extracts the outermost *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsRetryable reports whether err may be retried.
// Uses errors.As, so wrapping with fmt.Errorf("%w") is preserved.
func IsRetryable(err error) bool {
	fe, ok := As(err)
	return ok && fe.Code == CodeRetryable
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	fe, ok := As(err)
	return ok && fe.Code == CodeTerminal
}

// IsEncoding reports whether err is a payload encoding failure.
func IsEncoding(err error) bool {
	fe, ok := As(err)
	return ok && fe.Code == CodeEncoding
}

// ReasonOf returns the reason of the outermost *Error, or "" when err is
// not part of the taxonomy.
func ReasonOf(err error) Reason {
	if fe, ok := As(err); ok {
		return fe.Reason
	}
	return ""
}
