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

// RelationalAdapter stages one transaction's operations inside a native
// relational transaction held open from the first Prepare until Commit or
// Rollback. Pre-images are read through that transaction, so they see the
// effects of earlier staged operations. Before Commit, Rollback is a native
// discard; after Commit the captured undo operations are applied in
// auto-commit mode, which is how an operator-driven re-drive compensates.
//
// One adapter serves one transaction and is not goroutine safe.
type RelationalAdapter struct {
	driver    duet.RelationalDriver
	tx        duet.RelationalTx
	generator RollbackDataGenerator
	// logUndos persists the accumulated undo list before each staged statement.
	// Nil disables logging.
	logUndos  func(ctx context.Context, undos []duet.Operation) error
	undos     []duet.Operation
	committed bool
}

var _ duet.StoreAdapter = (*RelationalAdapter)(nil)

func NewRelationalAdapter(driver duet.RelationalDriver, logUndos func(ctx context.Context, undos []duet.Operation) error) *RelationalAdapter {
	return &RelationalAdapter{
		driver:   driver,
		logUndos: logUndos,
	}
}

// Backend names the participant this adapter fronts.
func (a *RelationalAdapter) Backend() duet.Backend {
	return duet.BackendRelational
}

// Prepare opens the native transaction on first use and stages each operation
// in it. A failed statement poisons the native transaction, so there is no
// per-statement retry here; the coordinator aborts and the caller may retry
// the whole transaction.
func (a *RelationalAdapter) Prepare(ctx context.Context, ops []duet.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if a.tx == nil {
		tx, err := a.driver.Begin(ctx)
		if err != nil {
			return err
		}
		a.tx = tx
	}
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

		stmt, args, err := compileSQLWrite(op, false)
		if err != nil {
			return err
		}
		if err := a.tx.Exec(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

// Commit lands the native transaction. There is no retry: once Commit has been
// sent its outcome on failure is in doubt, and the coordinator escalates
// rather than guess.
func (a *RelationalAdapter) Commit(ctx context.Context) error {
	if a.tx == nil {
		// Nothing staged; an empty participant commits trivially.
		a.committed = true
		return nil
	}
	if err := a.tx.Commit(ctx); err != nil {
		return err
	}
	a.committed = true
	return nil
}

// Rollback discards the native transaction when it has not committed. After a
// commit it applies the undo operations newest first in auto-commit mode.
func (a *RelationalAdapter) Rollback(ctx context.Context) error {
	if !a.committed {
		a.undos = nil
		if a.tx == nil {
			return nil
		}
		return a.tx.Rollback(ctx)
	}

	var lastErr error
	for i := len(a.undos) - 1; i >= 0; i-- {
		stmt, args, err := compileSQLWrite(a.undos[i], true)
		if err != nil {
			lastErr = err
			continue
		}
		if err := execRelational(ctx, a.driver, stmt, args); err != nil {
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
func (a *RelationalAdapter) UndoOperations() []duet.Operation {
	out := make([]duet.Operation, len(a.undos))
	copy(out, a.undos)
	return out
}

// readPreImage fetches the row's current values through the open transaction
// for update and delete operations.
func (a *RelationalAdapter) readPreImage(ctx context.Context, op duet.Operation) (duet.Record, error) {
	if op.Kind == duet.OpCreate {
		return nil, nil
	}
	stmt, args, err := compileSQLRead(op.Entity, op.Key)
	if err != nil {
		return nil, err
	}
	rows, err := a.tx.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// execRelational runs one auto-commit statement, retrying transient backend
// failures. Only compensation statements flow through here; they are compiled
// to be idempotent, so a retry after an ambiguous failure is safe.
func execRelational(ctx context.Context, driver duet.RelationalDriver, stmt string, args []any) error {
	return duet.Retry(ctx, func(ctx context.Context) error {
		err := driver.Exec(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		var de duet.Error
		if errors.As(err, &de) && de.Code == duet.TransientBackend {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
}

// compileSQLWrite turns one operation into a SQL statement and its ordered
// arguments. idempotent compiles inserts with a conflict guard so undo
// re-inserts can run against a store where the original delete never landed.
func compileSQLWrite(op duet.Operation, idempotent bool) (string, []any, error) {
	if err := validateIdentifiers(op); err != nil {
		return "", nil, err
	}

	switch op.Kind {
	case duet.OpCreate:
		cols, args := orderedColumns(op.Key, op.Values)
		placeholders := make([]string, len(cols))
		for i := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			op.Entity, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if idempotent {
			stmt += " ON CONFLICT DO NOTHING"
		}
		return stmt, args, nil

	case duet.OpUpdate:
		setCols, setArgs := orderedColumns(nil, op.Values)
		keyCols, keyArgs := orderedColumns(op.Key, nil)
		sets := make([]string, len(setCols))
		for i, c := range setCols {
			sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		}
		wheres := make([]string, len(keyCols))
		for i, c := range keyCols {
			wheres[i] = fmt.Sprintf("%s = $%d", c, len(setCols)+i+1)
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			op.Entity, strings.Join(sets, ", "), strings.Join(wheres, " AND "))
		return stmt, append(setArgs, keyArgs...), nil

	case duet.OpDelete:
		keyCols, keyArgs := orderedColumns(op.Key, nil)
		wheres := make([]string, len(keyCols))
		for i, c := range keyCols {
			wheres[i] = fmt.Sprintf("%s = $%d", c, i+1)
		}
		return fmt.Sprintf("DELETE FROM %s WHERE %s", op.Entity, strings.Join(wheres, " AND ")), keyArgs, nil
	}
	return "", nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("unknown operation kind %d on %s", op.Kind, op.Entity)}
}

// compileSQLRead builds the pre-image query for one row.
func compileSQLRead(entity string, key map[string]any) (string, []any, error) {
	if err := validateIdentifiers(duet.Operation{Kind: duet.OpDelete, Entity: entity, Key: key}); err != nil {
		return "", nil, err
	}
	keyCols, keyArgs := orderedColumns(key, nil)
	wheres := make([]string, len(keyCols))
	for i, c := range keyCols {
		wheres[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1", entity, strings.Join(wheres, " AND ")), keyArgs, nil
}

// orderedColumns merges the two maps and returns columns and matching values
// sorted by column name, so compiled statements are deterministic.
func orderedColumns(a, b map[string]any) ([]string, []any) {
	merged := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	cols := make([]string, 0, len(merged))
	for k := range merged {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = merged[c]
	}
	return cols, args
}
