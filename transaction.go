package duet

import (
	"context"
	"fmt"
)

// Status enumerates the lifecycle states of a coordinated transaction.
type Status int

const (
	// StatusUnknown is the zero value. Coordinator calls never return it; a
	// transaction is always in one of the named states below once begun.
	StatusUnknown Status = iota
	// StatusPreparing means the transaction is accepting prepare batches.
	StatusPreparing
	// StatusPrepared means every participant staged its operations successfully.
	StatusPrepared
	// StatusCommitting means the commit round is underway.
	StatusCommitting
	// StatusCommitted is terminal, both participants landed their operations.
	StatusCommitted
	// StatusAborting means staged or committed work is being undone.
	StatusAborting
	// StatusAborted is terminal, no participant's commit survived.
	StatusAborted
	// StatusAbortedWithCompensation is terminal, a committed participant was
	// undone with compensating commands after the other participant failed.
	StatusAbortedWithCompensation
	// StatusNeedsManualReview is terminal, compensation failed and the backend
	// pair may be divergent until an operator intervenes.
	StatusNeedsManualReview
)

func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "PREPARING"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitting:
		return "COMMITTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborting:
		return "ABORTING"
	case StatusAborted:
		return "ABORTED"
	case StatusAbortedWithCompensation:
		return "ABORTED_WITH_COMPENSATION"
	case StatusNeedsManualReview:
		return "NEEDS_MANUAL_REVIEW"
	}
	return "UNKNOWN"
}

// IsTerminal reports whether the state can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusAborted, StatusAbortedWithCompensation, StatusNeedsManualReview:
		return true
	}
	return false
}

// legalTransitions enumerates every edge of the transaction state machine.
// Terminal states have no outgoing edges.
var legalTransitions = map[Status][]Status{
	StatusPreparing:  {StatusPrepared, StatusAborting},
	StatusPrepared:   {StatusCommitting, StatusAborting},
	StatusCommitting: {StatusCommitted, StatusAborting},
	StatusAborting:   {StatusAborted, StatusAbortedWithCompensation, StatusNeedsManualReview},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OperationKind enumerates the write shapes a transaction can carry.
type OperationKind int

const (
	// OpCreate inserts a new row or node.
	OpCreate OperationKind = iota
	// OpUpdate overwrites named values of an existing row or node.
	OpUpdate
	// OpDelete removes an existing row or node.
	OpDelete
)

func (k OperationKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "create"
}

// Operation is one write against one entity in one participant store.
// Key identifies the row or node, Values carries the columns or properties to write.
// The rollback payload of an operation is computed before the operation executes.
type Operation struct {
	Kind   OperationKind  `json:"kind"`
	Entity string         `json:"entity"`
	Key    map[string]any `json:"key,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// Validate checks the operation's shape. Failures come back as a Validation coded error,
// surfaced immediately and never retried.
func (op Operation) Validate() error {
	if op.Entity == "" {
		return Error{Code: Validation, Err: fmt.Errorf("operation needs an entity")}
	}
	switch op.Kind {
	case OpCreate:
		if len(op.Values) == 0 {
			return Error{Code: Validation, Err: fmt.Errorf("create on %s needs values", op.Entity)}
		}
	case OpUpdate:
		if len(op.Key) == 0 {
			return Error{Code: Validation, Err: fmt.Errorf("update on %s needs a key", op.Entity)}
		}
		if len(op.Values) == 0 {
			return Error{Code: Validation, Err: fmt.Errorf("update on %s needs values", op.Entity)}
		}
	case OpDelete:
		if len(op.Key) == 0 {
			return Error{Code: Validation, Err: fmt.Errorf("delete on %s needs a key", op.Entity)}
		}
	default:
		return Error{Code: Validation, Err: fmt.Errorf("unknown operation kind %d on %s", op.Kind, op.Entity)}
	}
	return nil
}

// Coordinator drives two-phase commit over a graph store and a relational store.
// One instance serves many concurrent transactions, each identified by a
// caller-supplied id. A given id is mutated by one caller at a time; concurrent
// calls on the same id serialize on the coordinator's per-transaction lock.
type Coordinator interface {
	// Begin registers a new transaction in Preparing state. It fails if the id is
	// already in use.
	Begin(ctx context.Context, tid string) error

	// PrepareGraph captures rollback payloads then stages ops on the graph store.
	PrepareGraph(ctx context.Context, tid string, ops []Operation) error
	// PrepareRelational captures rollback payloads then stages ops on the relational store.
	PrepareRelational(ctx context.Context, tid string, ops []Operation) error

	// CommitAll commits participants in a fixed order, graph before relational, so the
	// compensation path is symmetric. It requires Prepared state. Once the commit round
	// has run the returned status is terminal; when the call is rejected before the
	// round starts, an unknown id, a state violation or a fenced id, the status is
	// advisory and reports the record's current state alongside the error.
	CommitAll(ctx context.Context, tid string) (Status, error)
	// RollbackAll undoes staged work, compensating any committed participant from its
	// rollback payloads. The returned status is terminal unless the call is rejected
	// before any work is undone, in which case it is advisory like CommitAll's.
	RollbackAll(ctx context.Context, tid string) (Status, error)

	// GetStatus reports the transaction's current state.
	GetStatus(ctx context.Context, tid string) (Status, error)

	// RecoverPending scans the transaction log for transactions left non-terminal by a
	// crash or reboot and resolves each deterministically. Call it at startup, before
	// serving traffic.
	RecoverPending(ctx context.Context) error

	// Close stops background loops and releases pooled backend connections.
	Close(ctx context.Context) error
}
