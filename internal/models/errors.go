package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClassification    = errors.New("classification error")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
	ErrCycleDetected     = errors.New("dependency graph contains a cycle")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrNoCapableAgent    = errors.New("no agent has the required capability")
	ErrTimeout           = errors.New("deadline exceeded")
	ErrValidation        = errors.New("validation error")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrNotFound          = errors.New("not found")
	ErrAgentBusy         = errors.New("agent has active load")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ErrPlanning is the name planning callers know ErrInvalidWorkflow by.
var ErrPlanning = ErrInvalidWorkflow

type ProviderErrorKind string

const (
	ProviderNetwork ProviderErrorKind = "network"
	ProviderQuota   ProviderErrorKind = "quota"
	ProviderTimeout ProviderErrorKind = "timeout"
	ProviderInvalid ProviderErrorKind = "invalid"
)

type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider error (%s)", e.Kind)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Error kinds exposed per task in workflow status.
const (
	KindTimeout          = "timeout"
	KindCapacity         = "capacity"
	KindDependencyFailed = "dependency_failed"
	KindCancelled        = "cancelled"
	KindInvalid          = "invalid"
	KindUnknown          = "unknown"
)

// ErrorKind maps err to the most specific kind string a caller can act on.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return "provider:" + string(pe.Kind)
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrNoCapableAgent):
		return KindCapacity
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrValidation):
		return KindInvalid
	}
	return KindUnknown
}

// ErrorFromKind rebuilds an error carried as a kind string and message,
// e.g. in a status update, so that ErrorKind(ErrorFromKind(k, m)) == k for
// every kind ErrorKind produces.
func ErrorFromKind(kind, msg string) error {
	if msg == "" {
		msg = kind
	}
	if pk, ok := strings.CutPrefix(kind, "provider:"); ok {
		return &ProviderError{Kind: ProviderErrorKind(pk), Err: errors.New(msg)}
	}
	switch kind {
	case KindTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	case KindCapacity:
		return fmt.Errorf("%w: %s", ErrCapacityExceeded, msg)
	case KindCancelled:
		return fmt.Errorf("%w: %s", context.Canceled, msg)
	case KindInvalid:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	}
	return errors.New(msg)
}
