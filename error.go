package duet

import (
	"fmt"
	"strconv"
	"time"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// Validation means the request itself is malformed, e.g. an operation batch
	// naming an unknown entity or an update without a key. Never retried.
	Validation
	// TransientBackend means a backend failed in a way that a later attempt may succeed,
	// e.g. timeout, dropped connection, leader election in progress.
	TransientBackend
	// PartialCommit means one participant committed and the other failed, leaving the
	// pair divergent until compensation runs.
	PartialCommit
	// ResourceExhausted means a pool or rate limiter could not admit the work in time.
	// UserData carries a ResourceExhaustedData with the suggested wait.
	ResourceExhausted
	// UnrecoverableCompensation means compensation itself failed and the transaction
	// needs manual review. No automated recovery applies.
	UnrecoverableCompensation
	// LockAcquisitionFailure means a recovery sweep or coordinator could not obtain
	// the cache lock that fences concurrent processors.
	LockAcquisitionFailure
)

func (c ErrorCode) String() string {
	switch c {
	case Validation:
		return "validation"
	case TransientBackend:
		return "transient_backend"
	case PartialCommit:
		return "partial_commit"
	case ResourceExhausted:
		return "resource_exhausted"
	case UnrecoverableCompensation:
		return "unrecoverable_compensation"
	case LockAcquisitionFailure:
		return "lock_acquisition_failure"
	}
	return "unknown"
}

// MarshalJSON renders the code as its string name, the int value is an
// implementation detail callers of the diagnostic API should not see.
func (c ErrorCode) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(c.String())), nil
}

type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

func (s ErrorSeverity) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// duet custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// ResourceExhaustedData is the UserData payload of a ResourceExhausted error.
// RetryAfter is the producer's hint on how long to back off before retrying.
type ResourceExhaustedData struct {
	Resource   string        `json:"resource"`
	RetryAfter time.Duration `json:"retry_after"`
}
