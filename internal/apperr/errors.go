package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	UnknownInstance  Code = "UNKNOWN_INSTANCE"
	NoAgentBound     Code = "NO_AGENT_BOUND"
	ProviderTimeout  Code = "PROVIDER_TIMEOUT"
	ProviderError    Code = "PROVIDER_ERROR"
	ToolLoopExceeded Code = "TOOL_LOOP_EXCEEDED"
	InvalidQuery     Code = "INVALID_QUERY"
	StoreError       Code = "STORE_ERROR"
	DeliveryFailed   Code = "DELIVERY_FAILED"
)

type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
