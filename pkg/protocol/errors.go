package protocol

import (
	"fmt"
	"time"
)

// ValidationError is a malformed or filtered trigger. Items failing
// validation are dropped without retry.
type ValidationError struct {
	Path   string // Source file, if any.
	Field  string // Offending field (e.g., "trigger_id").
	Reason string // Human-readable failure reason.
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid trigger %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("invalid trigger %s: field %s: %s", e.Path, e.Field, e.Reason)
}

// TimeoutError is an operation that exceeded its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.After)
}

// ProcessError is a spawn, signal, or wait failure on an external process.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// DependencyError is a service that could not be brought up because one of
// its dependencies failed or does not resolve.
type DependencyError struct {
	Service    string
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Dependency == "" || e.Dependency == e.Service {
		return fmt.Sprintf("service %s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("service %s: dependency %s: %v", e.Service, e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// IOError is a filesystem read or write failure on the exchange directory.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
