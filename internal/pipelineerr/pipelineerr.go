// Package pipelineerr defines the error taxonomy the ingest/analysis
// pipeline uses to decide how a job handler's failure maps onto the job
// queue's state machine (see spec §7). Handlers return a plain `error`;
// internal/worker inspects it with errors.As against the kinds here to
// choose Done/Cancelled/DependencyReschedule/Failure.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind classifies why a handler did not complete successfully.
type Kind int

const (
	// KindNotFound means a path, media item, album, or user could not be
	// located. The pipeline treats this as Cancelled: retries won't help.
	KindNotFound Kind = iota
	// KindTransient means a database, network, or filesystem error that
	// may succeed on retry. The pipeline treats this as Failure (retried
	// with backoff up to max_attempts).
	KindTransient
	// KindDependencyUnmet means a precondition (another job's output)
	// isn't ready yet. The pipeline treats this as DependencyReschedule:
	// a soft retry that doesn't count against the attempt budget.
	KindDependencyUnmet
	// KindValidation means the data itself is malformed (embedding length,
	// JWT, path escape). The pipeline treats this as Failure, logged at
	// warn, not retried once max_attempts is hit.
	KindValidation
	// KindCancelled means the job's work is moot: the file vanished, a
	// sibling transaction already handled it, or Remove raced Ingest.
	KindCancelled
	// KindConflict means a unique-constraint violation the pipeline knows
	// how to resolve itself (e.g. delete-then-insert on relative_path).
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindDependencyUnmet:
		return "dependency_unmet"
	case KindValidation:
		return "validation"
	case KindCancelled:
		return "cancelled"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a pipeline error tagged with a Kind, wrapping an underlying
// cause following the teacher's fmt.Errorf("...: %w", err) idiom.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NotFound wraps err as a KindNotFound pipeline error.
func NotFound(msg string, err error) error { return newErr(KindNotFound, msg, err) }

// Transient wraps err as a KindTransient pipeline error.
func Transient(msg string, err error) error { return newErr(KindTransient, msg, err) }

// DependencyUnmet wraps err as a KindDependencyUnmet pipeline error.
func DependencyUnmet(msg string, err error) error { return newErr(KindDependencyUnmet, msg, err) }

// Validation wraps err as a KindValidation pipeline error.
func Validation(msg string, err error) error { return newErr(KindValidation, msg, err) }

// Cancelled wraps err as a KindCancelled pipeline error.
func Cancelled(msg string, err error) error { return newErr(KindCancelled, msg, err) }

// Conflict wraps err as a KindConflict pipeline error.
func Conflict(msg string, err error) error { return newErr(KindConflict, msg, err) }

// As extracts the Kind of err if it (or something it wraps) is an *Error.
// Returns (0, false) for a plain error, which callers should then treat
// as KindTransient — an un-tagged error is assumed retryable rather than
// silently swallowed.
func As(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
