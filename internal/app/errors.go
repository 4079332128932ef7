package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrent update conflict")
	ErrClaimLost    = errors.New("queue claim lost")
	ErrInvalidInput = errors.New("invalid input")
)

// FailureKind classifies a collaborator failure for retry purposes.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// DeliveryError wraps a content-generation or transport failure with its kind.
type DeliveryError struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind) + " failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return &DeliveryError{Kind: FailureTransient, Op: op, Err: err}
}

// Permanent marks err as terminal.
func Permanent(op string, err error) error {
	return &DeliveryError{Kind: FailurePermanent, Op: op, Err: err}
}

// ClassifyFailure decides whether a failed collaborator call may be retried.
// Only errors explicitly marked permanent are terminal; timeouts, network
// errors and anything unrecognized are transient.
func ClassifyFailure(err error) FailureKind {
	var delivery *DeliveryError
	if errors.As(err, &delivery) && delivery.Kind == FailurePermanent {
		return FailurePermanent
	}
	return FailureTransient
}

// StatusFailure classifies a non-2xx collaborator response. Request timeouts,
// throttling and server errors are transient; every other 4xx is permanent.
func StatusFailure(op string, status int, body string) error {
	err := fmt.Errorf("status %d", status)
	if body = strings.TrimSpace(body); body != "" {
		err = fmt.Errorf("status %d: %s", status, body)
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient(op, err)
	case status >= 400:
		return Permanent(op, err)
	default:
		return Transient(op, err)
	}
}
