package pipeline

import (
	"errors"
	"fmt"
)

// ErrQueueClosed signals a drained and closed page queue.
var ErrQueueClosed = errors.New("pipeline: page queue closed")

// ErrPublisherClosed signals a publish after Close.
var ErrPublisherClosed = errors.New("pipeline: publisher closed")

// ErrNoDurableHome signals that a batch could be written neither to the
// destination store nor to a backup artifact. The records are still held in
// memory and the run must stop rather than risk checkpointing past them.
var ErrNoDurableHome = errors.New("pipeline: no durable home for batch")

// FetchError describes a failed page fetch. Permanent marks failures that
// retrying cannot fix, such as a page that does not exist.
type FetchError struct {
	Page      int
	Status    int
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch page %d: status %d: %v", e.Page, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError describes a page body the parser could not make sense of.
type ParseError struct {
	Page int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse page %d: %v", e.Page, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError describes a single extracted record that failed schema
// validation. Such records are skipped, never fatal.
type ValidationError struct {
	Reference string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("invalid listing: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid listing %s: %s: %s", e.Reference, e.Field, e.Reason)
}

// PersistenceError describes a failed store operation. Fatal marks
// non-retryable failures such as constraint or schema violations.
type PersistenceError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StateError describes a failed progress-state operation.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// IsPermanentFetch reports whether err is a fetch failure that retrying
// cannot fix.
func IsPermanentFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}

// IsFatalPersistence reports whether err is a store failure that retrying
// cannot fix.
func IsFatalPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Fatal
}

// IsRunFatal reports whether err must abort the whole run instead of just
// the page or batch it came from.
func IsRunFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoDurableHome) {
		return true
	}
	var se *StateError
	return errors.As(err, &se)
}
