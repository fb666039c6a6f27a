package duet

import (
	"context"
)

// Backend names one of the two participant stores.
type Backend int

const (
	// BackendGraph is the graph store participant, committed first.
	BackendGraph Backend = iota
	// BackendRelational is the relational store participant, committed second.
	BackendRelational
)

func (b Backend) String() string {
	if b == BackendRelational {
		return "relational"
	}
	return "graph"
}

// Record is one row or node payload returned by a backend driver.
type Record map[string]any

// GraphDriver is the injected graph store client. Implementations wrap a native
// driver, e.g. Neo4j, behind a connection pool. The coordinator never constructs
// one itself, which keeps it testable against fakes.
type GraphDriver interface {
	// Execute runs one graph command with its parameters and returns the resulting records.
	Execute(ctx context.Context, query string, params map[string]any) ([]Record, error)
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases the driver's pooled connections.
	Close(ctx context.Context) error
}

// RelationalTx is a native relational transaction held open from prepare to commit.
type RelationalTx interface {
	// Exec runs one statement inside the transaction.
	Exec(ctx context.Context, statement string, args ...any) error
	// Query runs one query inside the transaction and returns the resulting rows.
	Query(ctx context.Context, statement string, args ...any) ([]Record, error)
	// Commit lands the transaction.
	Commit(ctx context.Context) error
	// Rollback discards the transaction. Safe to call after Commit; it is then a no-op.
	Rollback(ctx context.Context) error
}

// RelationalDriver is the injected relational store client. Implementations wrap a
// native driver, e.g. Postgres, behind a connection pool.
type RelationalDriver interface {
	// Begin opens a native transaction. The connection backing it stays checked out
	// of the pool until the transaction ends.
	Begin(ctx context.Context) (RelationalTx, error)
	// Exec runs one statement in auto-commit mode.
	Exec(ctx context.Context, statement string, args ...any) error
	// Query runs one query in auto-commit mode and returns the resulting rows.
	Query(ctx context.Context, statement string, args ...any) ([]Record, error)
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases the driver's pooled connections.
	Close(ctx context.Context) error
}

// StoreAdapter stages, lands and undoes one transaction's operations on one
// participant store. One adapter instance serves one transaction and is not
// shared across goroutines.
type StoreAdapter interface {
	// Backend names the participant this adapter fronts.
	Backend() Backend
	// Prepare stages the given operations. A relational adapter holds a native
	// transaction open from here until Commit or Rollback; a graph adapter may have
	// to execute speculatively, see the implementation's doc for its guarantees.
	Prepare(ctx context.Context, ops []Operation) error
	// Commit lands the staged operations.
	Commit(ctx context.Context) error
	// Rollback undoes staged work. After a successful Commit it undoes landed work
	// using the rollback payloads captured at prepare time.
	Rollback(ctx context.Context) error
}
