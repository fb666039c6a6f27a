package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/duet"
)

// GraphAdapter stages one transaction's operations on the graph store.
//
// Graph stores expose no prepare handle the way a relational transaction does,
// so Prepare executes the operations speculatively and Commit is a liveness
// verification round-trip. The window where graph writes are visible before
// CommitAll finishes is a known, accepted limitation of pairing a graph store
// with two-phase commit; the captured undo operations are what bounds it.
// Rollback after the speculative writes is compensation, not discard.
//
// One adapter serves one transaction and is not goroutine safe.
type GraphAdapter struct {
	driver    duet.GraphDriver
	generator RollbackDataGenerator
	// logUndos persists the accumulated undo list before each speculative
	// execute, keeping the log-before-execute invariant. Nil disables logging.
	logUndos  func(ctx context.Context, undos []duet.Operation) error
	undos     []duet.Operation
	committed bool
}

var _ duet.StoreAdapter = (*GraphAdapter)(nil)

func NewGraphAdapter(driver duet.GraphDriver, logUndos func(ctx context.Context, undos []duet.Operation) error) *GraphAdapter {
	return &GraphAdapter{
		driver:   driver,
		logUndos: logUndos,
	}
}

// Backend names the participant this adapter fronts.
func (a *GraphAdapter) Backend() duet.Backend {
	return duet.BackendGraph
}

// Prepare captures each operation's undo, logs it, then executes the operation
// speculatively. On a mid-batch failure the already executed operations stay
// on the undo list for Rollback to compensate.
func (a *GraphAdapter) Prepare(ctx context.Context, ops []duet.Operation) error {
	for _, op := range ops {
		preImage, err := a.readPreImage(ctx, op)
		if err != nil {
			return err
		}
		undo, err := a.generator.Inverse(op, preImage)
		if err != nil {
			return err
		}
		a.undos = append(a.undos, undo)
		if a.logUndos != nil {
			if err := a.logUndos(ctx, a.undos); err != nil {
				return err
			}
		}

		query, params, err := compileGraphWrite(op)
		if err != nil {
			return err
		}
		if _, err := executeGraph(ctx, a.driver, query, params); err != nil {
			return err
		}
	}
	return nil
}

// Commit verifies the backend still answers. The writes themselves landed
// during Prepare; a failed verification here is the coordinator's cue to
// compensate instead of proceeding to the relational commit.
func (a *GraphAdapter) Commit(ctx context.Context) error {
	if err := a.driver.Ping(ctx); err != nil {
		return err
	}
	a.committed = true
	return nil
}

// Rollback applies the captured undo operations newest first. Failures are
// collected and surfaced as an UnrecoverableCompensation error; the store may
// then be divergent and needs manual review.
func (a *GraphAdapter) Rollback(ctx context.Context) error {
	var lastErr error
	for i := len(a.undos) - 1; i >= 0; i-- {
		query, params, err := compileGraphWrite(a.undos[i])
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := executeGraph(ctx, a.driver, query, params); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return duet.Error{Code: duet.UnrecoverableCompensation, Err: lastErr}
	}
	a.undos = nil
	return nil
}

// UndoOperations returns a copy of the captured undo list, oldest first.
// The trace archive records these as the applied compensations.
func (a *GraphAdapter) UndoOperations() []duet.Operation {
	out := make([]duet.Operation, len(a.undos))
	copy(out, a.undos)
	return out
}

// readPreImage fetches the node's current properties for update and delete
// operations. Creates need no pre-image; their undo is a delete by key.
func (a *GraphAdapter) readPreImage(ctx context.Context, op duet.Operation) (duet.Record, error) {
	if op.Kind == duet.OpCreate {
		return nil, nil
	}
	query, params, err := compileGraphRead(op.Entity, op.Key)
	if err != nil {
		return nil, err
	}
	records, err := executeGraph(ctx, a.driver, query, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// executeGraph runs one graph command, retrying transient backend failures
// with the package backoff. Other failures surface immediately.
func executeGraph(ctx context.Context, driver duet.GraphDriver, query string, params map[string]any) ([]duet.Record, error) {
	var records []duet.Record
	err := duet.Retry(ctx, func(ctx context.Context) error {
		var err error
		records, err = driver.Execute(ctx, query, params)
		if err == nil {
			return nil
		}
		var de duet.Error
		if errors.As(err, &de) && de.Code == duet.TransientBackend {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
	return records, err
}

// compileGraphWrite turns one operation into a graph command and parameters.
// Creates compile to MERGE on the key pattern so re-applying them, e.g. during
// recovery of an undo that may already have run, is idempotent.
func compileGraphWrite(op duet.Operation) (string, map[string]any, error) {
	if err := validateIdentifiers(op); err != nil {
		return "", nil, err
	}
	params := map[string]any{}

	switch op.Kind {
	case duet.OpCreate:
		var b strings.Builder
		fmt.Fprintf(&b, "MERGE (n:%s {%s})", op.Entity, graphKeyPattern(op.Key, params))
		if len(op.Values) > 0 {
			b.WriteString(" SET n += $props")
			params["props"] = op.Values
		}
		return b.String(), params, nil

	case duet.OpUpdate:
		params["props"] = op.Values
		return fmt.Sprintf("MATCH (n:%s {%s}) SET n += $props", op.Entity, graphKeyPattern(op.Key, params)), params, nil

	case duet.OpDelete:
		return fmt.Sprintf("MATCH (n:%s {%s}) DETACH DELETE n", op.Entity, graphKeyPattern(op.Key, params)), params, nil
	}
	return "", nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("unknown operation kind %d on %s", op.Kind, op.Entity)}
}

// compileGraphRead builds the pre-image query for one node.
func compileGraphRead(entity string, key map[string]any) (string, map[string]any, error) {
	if err := validateIdentifiers(duet.Operation{Kind: duet.OpDelete, Entity: entity, Key: key}); err != nil {
		return "", nil, err
	}
	params := map[string]any{}
	return fmt.Sprintf("MATCH (n:%s {%s}) RETURN n LIMIT 1", entity, graphKeyPattern(key, params)), params, nil
}

// graphKeyPattern renders the key fields as a Cypher map pattern, filling
// params with one named parameter per field. Fields are ordered so compiled
// commands are deterministic.
func graphKeyPattern(key map[string]any, params map[string]any) string {
	fields := make([]string, 0, len(key))
	for k := range key {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, k := range fields {
		parts[i] = fmt.Sprintf("%s: $k_%s", k, k)
		params["k_"+k] = key[k]
	}
	return strings.Join(parts, ", ")
}
