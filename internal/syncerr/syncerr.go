// Package syncerr provides the error taxonomy for the replication client.
// Classification drives retry behavior: network failures are retried on the
// next trigger, authentication failures abort the cycle and surface to the
// caller, authorization denials become standing conflicts.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of a sync error.
type Code string

const (
	CodeNetwork Code = "NETWORK_FAILURE"
	CodeAuth    Code = "AUTH_FAILURE"
	CodeDenied  Code = "WRITE_DENIED"
	CodeStorage Code = "STORAGE_FAILURE"
	CodeProto   Code = "PROTOCOL_FAILURE"
)

// Operation names the replication step during which an error occurred.
type Operation string

const (
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpReconcile Operation = "reconcile"
	OpCycle     Operation = "cycle"
	OpStore     Operation = "store"
)

// SyncError wraps a failure with the operation, component, and retry class.
type SyncError struct {
	Op        Operation
	Component string
	Code      Code
	Err       error
	Retryable bool
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s operation failed", e.Op)
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewNetwork wraps a transport failure; retried on the next trigger.
func NewNetwork(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Code: CodeNetwork, Err: cause, Retryable: true}
}

// NewAuth wraps an authentication failure; fatal to the cycle, never retried automatically.
func NewAuth(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Code: CodeAuth, Err: cause, Retryable: false}
}

// NewDenied wraps a push authorization denial for a single document.
func NewDenied(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "gateway", Code: CodeDenied, Err: cause, Retryable: false}
}

// NewStorage wraps a local store failure.
func NewStorage(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "store", Code: CodeStorage, Err: cause, Retryable: true}
}

// NewProtocol wraps a malformed gateway response.
func NewProtocol(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Code: CodeProto, Err: cause, Retryable: false}
}

// IsRetryable reports whether the next trigger should retry the failed step.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool {
	return hasCode(err, CodeAuth)
}

// IsNetwork reports whether the error is a transport failure.
func IsNetwork(err error) bool {
	return hasCode(err, CodeNetwork)
}

func hasCode(err error, code Code) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code == code
	}
	return false
}
