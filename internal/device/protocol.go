// Package device speaks the lightbulb device protocol over NATS
// request/reply.
//
// The protocol has four operations, a closed set enumerated by
// OperationKind. Each operation has its own subject under a common prefix
// (lightbulb.install, lightbulb.get, lightbulb.toggle, lightbulb.uninstall).
// Requests carry {id, data?}; replies carry
// {success, id?, data?, error_message?}.
//
// Client issues requests with a short per-call timeout and classifies
// failures into the fault taxonomy. Endpoint is the device side: it owns
// device state through an injected Store and answers requests through a
// single dispatcher.
package device

import (
	"fmt"
)

// DefaultSubjectPrefix is the subject namespace of the device protocol.
const DefaultSubjectPrefix = "lightbulb"

// OperationKind enumerates the device operations.
type OperationKind int

const (
	OpInstall OperationKind = iota + 1
	OpGet
	OpToggle
	OpUninstall
)

// Operations lists every kind in protocol order.
var Operations = []OperationKind{OpInstall, OpGet, OpToggle, OpUninstall}

var operationNames = map[OperationKind]string{
	OpInstall:   "install",
	OpGet:       "get",
	OpToggle:    "toggle",
	OpUninstall: "uninstall",
}

// String returns the operation's subject suffix.
func (k OperationKind) String() string {
	if name, ok := operationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Subject returns the full subject for k under prefix.
func (k OperationKind) Subject(prefix string) string {
	return prefix + "." + k.String()
}

// Mutates reports whether the operation changes device state.
func (k OperationKind) Mutates() bool {
	return k != OpGet
}

// ParseOperationKind maps a subject suffix back to its kind.
func ParseOperationKind(name string) (OperationKind, error) {
	for k, n := range operationNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("device: unknown operation %q", name)
}

// Status is the on/off state of a lightbulb.
type Status string

const (
	StatusOn  Status = "ON"
	StatusOff Status = "OFF"
)

// Flip returns the opposite status.
func (s Status) Flip() Status {
	if s == StatusOn {
		return StatusOff
	}
	return StatusOn
}

// Request is the body of every device request.
type Request struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

// Validate rejects requests without a device id.
func (r Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("device: request id is required")
	}
	return nil
}

// Response is the body of every device reply.
type Response struct {
	Success      bool           `json:"success"`
	ID           string         `json:"id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Status extracts data.status from the reply.
func (r Response) Status() (Status, bool) {
	if r.Data == nil {
		return "", false
	}
	s, ok := r.Data["status"].(string)
	if !ok {
		return "", false
	}
	return Status(s), true
}

// Fail builds an unsuccessful reply.
func Fail(id, format string, args ...any) Response {
	return Response{Success: false, ID: id, ErrorMessage: fmt.Sprintf(format, args...)}
}
