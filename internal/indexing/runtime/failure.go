package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrFuelExhausted = errors.New("fuel exhausted")
	ErrTimeout       = errors.New("handler timed out")
	ErrUnknownSource = errors.New("unknown data source")
)

// FailureKind classifies why an invocation produced no operations.
type FailureKind string

const (
	FailureFuel    FailureKind = "fuel"
	FailureTimeout FailureKind = "timeout"
	FailureHandler FailureKind = "handler" // thrown by or aborted from mapping code
	FailureHost    FailureKind = "host"    // I/O behind the host interface failed
)

// Failure is the outcome of an invocation that must not be committed.
type Failure struct {
	Kind    FailureKind
	Source  string
	Handler string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure in %s.%s: %s", f.Kind, f.Source, f.Handler, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Deterministic reports whether retrying the same input yields the same
// failure.
func (f *Failure) Deterministic() bool {
	return f.Kind != FailureHost
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
