package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNoProject       = errors.New("no active project")
	ErrTransport       = errors.New("transport failure")
	ErrMalformedInput  = errors.New("malformed input")
	ErrAnalysisRunning = errors.New("analysis already running")
)

// TransportError reports a failed send or lookup against the transport.
type TransportError struct {
	Op        string
	RequestID string
	Err       error
}

func (e *TransportError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.RequestID, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

func NewTransportError(op, requestID string, err error) *TransportError {
	return &TransportError{Op: op, RequestID: requestID, Err: err}
}

// MalformedInputError reports input that could not be parsed, with a human-readable reason.
type MalformedInputError struct {
	Source string
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s: %s", e.Source, e.Reason)
}

func (e *MalformedInputError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedInput}
	}
	return []error{ErrMalformedInput, e.Err}
}

func NewMalformedInputError(source, reason string, err error) *MalformedInputError {
	return &MalformedInputError{Source: source, Reason: reason, Err: err}
}
