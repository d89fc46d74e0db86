// Package apperrors classifies executor-facing errors into the kinds
// spec §7 names, and provides the stable error-code + user-message +
// detail propagation the same section requires. Shaped after the
// backend.App.errorHandler field referenced in the teacher's app.go
// (that middleware's own source wasn't in the retrieval pack, so this
// is a from-scratch implementation). It exposes New and Classify; it
// has no HandleError(err, stage, op) entry point.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes spec §7 assigns a retry/fail policy to.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPrecondition
	KindPermissionDenied
	KindInsufficientSpace
	KindCacheCorrupt
	KindCycleDetected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPrecondition:
		return "precondition"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInsufficientSpace:
		return "insufficient_space"
	case KindCacheCorrupt:
		return "cache_corrupt"
	case KindCycleDetected:
		return "cycle_detected"
	default:
		return "unknown"
	}
}

// Error is the tagged value drivers return instead of throwing, per spec
// §7's "drivers never throw to the executor — they return tagged error
// values."
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable code, e.g. "E_SRC_VANISHED"
	Message string // user-facing remediation message
	Detail  string // secondary technical detail for logs
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged Error.
func New(kind Kind, code, message string, cause error) *Error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: message, Detail: detail, Cause: cause}
}

// Classify extracts the Kind from err, defaulting to KindUnknown for
// plain errors the executor should treat as a permanent failure.
func Classify(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}

var (
	// ErrCycleDetected is returned by the op graph on batch submission
	// when the requested ops would introduce a cycle (spec §4.H rule 4).
	ErrCycleDetected = New(KindCycleDetected, "E_CYCLE", "batch would create a dependency cycle", nil)
	// ErrStoreCorrupt is the KindCacheCorrupt sentinel for a node cache
	// that failed its integrity check.
	ErrStoreCorrupt = New(KindCacheCorrupt, "E_STORE_CORRUPT", "the node cache failed its integrity check", nil)
)

// ConflictPolicy is the user-chosen strategy for precondition errors,
// spec §7's dir_conflict_policy / file_conflict_policy.
type ConflictPolicy int

const (
	ConflictFail ConflictPolicy = iota
	ConflictOverwrite
	ConflictSkip
	ConflictRename
)

// BatchErrorHandlingStrategy is the client's chosen response to a
// BATCH_FAILED signal, spec §4.H.
type BatchErrorHandlingStrategy int

const (
	StrategyAbort BatchErrorHandlingStrategy = iota
	StrategyRetry
	StrategySkip
)
