package cli

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/roach88/bulbflow/internal/fault"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The remote call failed or is still pending
	ExitCommandError = 2 // Command error (bad flags, unreadable config, journal not found)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	reported bool // already written through an OutputFormatter
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // RETRYABLE, TERMINAL, ENCODING or E_COMMAND
	Reason  string `json:"reason,omitempty"`  // fault reason, e.g. "invariant"
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	switch v := data.(type) {
	case json.RawMessage:
		fmt.Fprintln(f.Writer, string(v))
	case fmt.Stringer:
		fmt.Fprintln(f.Writer, v.String())
	default:
		fmt.Fprintln(f.Writer, v)
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	return f.write(&CLIError{Code: code, Message: message, Details: details})
}

// Failure outputs err, classified by the fault taxonomy when it belongs
// to it.
func (f *OutputFormatter) Failure(err error) error {
	ce := &CLIError{Code: "E_COMMAND", Message: err.Error()}
	if fe, ok := fault.As(err); ok {
		ce.Code = string(fe.Code)
		ce.Reason = string(fe.Reason)
	}
	return f.write(ce)
}

func (f *OutputFormatter) write(ce *CLIError) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: ce})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", ce.Code, ce.Message)
	if f.Verbose && ce.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", ce.Details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// fail reports err through the formatter and returns it as a failure
// exit.
func fail(formatter *OutputFormatter, message string, err error) error {
	_ = formatter.Failure(err)
	exitErr := WrapExitError(ExitFailure, message, err)
	exitErr.reported = true
	return exitErr
}

// failWith reports a failure outside the fault taxonomy under code.
func failWith(formatter *OutputFormatter, code, message string, err error) error {
	_ = formatter.Error(code, message, nil)
	exitErr := WrapExitError(ExitFailure, message, err)
	exitErr.reported = true
	return exitErr
}
