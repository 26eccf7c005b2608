package controller

import "fmt"

const (
	CodeValidation    = "VALIDATION"
	CodeRunNotFound   = "RUN_NOT_FOUND"
	CodeCaptureBusy   = "CAPTURE_BUSY"
	CodeCaptureFailed = "CAPTURE_FAILED"
)

// CodedError is a service-level failure with a stable code the API maps to
// a status.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}
