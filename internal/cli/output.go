package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Processing failure (event rejected, server error)
	ExitCommandError = 2 // Command error (bad config, unreadable file)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter renders command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope for command output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command in JSON output.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data. Text output uses text when non-empty, else data's
// default formatting.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == "" {
		text = fmt.Sprint(data)
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error writes a failure in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}
