package coordinator

import (
	"context"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/encoding"
)

type commitFunction int

// Transaction commit functions. Each is logged before its step executes, so a
// crashed transaction leaves a trail that tells recovery how far it got. A
// function is logged at most once per transaction; the prepare entries are
// re-written with the full undo list as it grows, which the backends store as
// an upsert on (transaction id, commit function).
const (
	unknownStep commitFunction = iota
	// beginTransaction carries the caller's transaction id as its payload.
	beginTransaction
	// prepareGraphOps carries the compiled graph undo operations captured so far.
	// Logged before each speculative graph execute.
	prepareGraphOps
	// prepareRelationalOps carries the relational undo operations captured so far.
	// The staged work itself lives in the native transaction and evaporates on
	// crash; the undo list is kept for post-commit re-drives.
	prepareRelationalOps
	// commitGraph marks the start of the graph commit round.
	commitGraph
	// commitRelational marks the start of the relational commit. A crash between
	// this entry and finalizeCommit leaves the relational outcome in doubt.
	commitRelational
	// finalizeCommit marks both participants landed; logs are removable.
	finalizeCommit
)

type transactionLogger struct {
	committedState commitFunction
	logger         duet.TransactionLog
	logging        bool
	transactionID  duet.UUID
}

// Instantiate a transaction logger.
func newTransactionLogger(logger duet.TransactionLog, logging bool) *transactionLogger {
	return &transactionLogger{
		logger:        logger,
		logging:       logging,
		transactionID: logger.NewUUID(),
	}
}

// Log the about to be committed function state.
func (tl *transactionLogger) log(ctx context.Context, f commitFunction, payload []byte) error {
	tl.committedState = f
	if !tl.logging || f == unknownStep {
		return nil
	}
	return tl.logger.Add(ctx, tl.transactionID, int(f), payload)
}

// removeLogs removes logs saved to the backend. Invoked when a transaction
// reaches a state recovery no longer needs to resolve.
func (tl *transactionLogger) removeLogs(ctx context.Context) error {
	if !tl.logging {
		return nil
	}
	return tl.logger.Remove(ctx, tl.transactionID)
}

func toStruct[T any](obj []byte) T {
	var t T
	if obj == nil {
		return t
	}
	encoding.Unmarshal(obj, &t)
	return t
}

func toByteArray[T any](obj T) []byte {
	ba, _ := encoding.Marshal(obj)
	return ba
}
