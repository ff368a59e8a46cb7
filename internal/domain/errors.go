package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrEmbeddingService  = errors.New("embedding service error")
	ErrCompletionService = errors.New("completion service error")
	ErrStoreWrite        = errors.New("store write error")
	ErrOutlineParse      = errors.New("outline parse error")
	ErrNotFound          = errors.New("not found")
	ErrRunLocked         = errors.New("run is locked by another process")
)

// Configf builds an error that matches ErrConfiguration.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ServiceError reports a failed call to an external model service.
type ServiceError struct {
	Kind      error
	Op        string
	Transient bool
	Err       error
}

func (e *ServiceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%v (%s): %s: %v", e.Kind, kind, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() []error { return []error{e.Kind, e.Err} }

// NewEmbeddingError wraps an embedding backend failure.
func NewEmbeddingError(op string, transient bool, err error) error {
	return &ServiceError{Kind: ErrEmbeddingService, Op: op, Transient: transient, Err: err}
}

// NewCompletionError wraps a completion backend failure.
func NewCompletionError(op string, transient bool, err error) error {
	return &ServiceError{Kind: ErrCompletionService, Op: op, Transient: transient, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// StoreWriteError reports a partially failed chunk insertion.
type StoreWriteError struct {
	DocumentID  string
	Committed   int
	Compensated bool
	Err         error
}

func (e *StoreWriteError) Error() string {
	state := "no rows committed"
	switch {
	case e.Committed > 0 && e.Compensated:
		state = fmt.Sprintf("%d committed rows removed", e.Committed)
	case e.Committed > 0:
		state = fmt.Sprintf("%d rows left committed", e.Committed)
	}
	return fmt.Sprintf("store write failed for document %s (%s): %v", e.DocumentID, state, e.Err)
}

func (e *StoreWriteError) Unwrap() []error { return []error{ErrStoreWrite, e.Err} }

// RunError names the section at which a handbook run stopped.
type RunError struct {
	Index int
	Title string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("section %d (%q): %v", e.Index, e.Title, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
