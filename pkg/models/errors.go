package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers branch on these with
// errors.Is; each maps to a distinct recovery policy.
var (
	// ErrRunNotActive means the caller held a stale run snapshot.
	// Recovery: re-fetch the active run and retry.
	ErrRunNotActive = errors.New("run is not active")

	// ErrDuplicateAssignment marks an idempotent no-op: the (run, document)
	// pair already has an assignment. Never surfaced to operators.
	ErrDuplicateAssignment = errors.New("assignment already exists")

	// ErrConsolidationConflict means another consolidation pass holds the
	// per-run lock. Retry later; not fatal.
	ErrConsolidationConflict = errors.New("consolidation already in progress")

	// ErrInvalidState marks an illegal run transition. Fatal to the calling
	// operation, not to the run.
	ErrInvalidState = errors.New("invalid run state transition")

	// ErrInvalidParams marks malformed run parameters, rejected at creation.
	ErrInvalidParams = errors.New("invalid run parameters")
)

// TransientIndexError wraps a similarity-index failure that the caller may
// retry with backoff, or fail open from (assigner creates a new cluster
// rather than blocking the pipeline).
type TransientIndexError struct {
	Op  string
	Err error
}

func (e *TransientIndexError) Error() string {
	return fmt.Sprintf("similarity index %s: %v", e.Op, e.Err)
}

func (e *TransientIndexError) Unwrap() error { return e.Err }

// IsTransientIndex reports whether err is a transient similarity-index
// failure.
func IsTransientIndex(err error) bool {
	var t *TransientIndexError
	return errors.As(err, &t)
}
