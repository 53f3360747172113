// Package apperr defines the machine-readable error taxonomy shared by the
// RPC router, the agent runtime, and the LPT callback handler. Every error
// that crosses an RPC or HTTP boundary carries one of these codes so clients
// can recover programmatically instead of string-matching messages.
package apperr

import "fmt"

// Code is a machine-readable error classification.
type Code string

const (
	CodeInvalidAPIVersion     Code = "INVALID_API_VERSION"
	CodeInvalidArgs           Code = "INVALID_ARGS"
	CodeMissingCompanyID      Code = "MISSING_COMPANY_ID"
	CodeMissingMandatePath    Code = "MISSING_MANDATE_PATH"
	CodeMissingJobID          Code = "MISSING_JOB_ID"
	CodeAuthFailed            Code = "AUTH_FAILED"
	CodeMethodNotFound        Code = "METHOD_NOT_FOUND"
	CodeSessionNotInitialized Code = "SESSION_NOT_INITIALIZED"
	CodeNoCompany             Code = "NO_COMPANY"
	CodeInternal              Code = "INTERNAL"
)

// Error is an apperr-flavoured error carrying a Code and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to CodeInternal for
// anything that isn't an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if ae, ok := err.(*Error); ok {
		return ae.Code
	}
	return CodeInternal
}
