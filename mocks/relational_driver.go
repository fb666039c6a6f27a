package mocks

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/sharedcode/duet"
)

// MockRelationalDriver keeps rows per table and interprets the compiled SQL the
// coordinator emits. Begin snapshots the table map; statements staged in the
// returned transaction apply to the snapshot and replay onto the live tables
// on Commit, which gives real staging semantics: pre-image queries inside the
// transaction see earlier staged writes, other callers do not, and concurrent
// transactions merge instead of clobbering each other.
type MockRelationalDriver struct {
	mu    sync.Mutex
	rows  map[string][]duet.Record
	stmts []string

	// FailOn, when set, is consulted before each statement executes; a non-nil
	// return is surfaced as that statement's failure.
	FailOn func(stmt string, args []any) error
	// BeginErr fails Begin when set. CommitErr fails the native commit, the
	// lever that forces the partial commit path. PingErr fails Ping.
	BeginErr  error
	CommitErr error
	PingErr   error
	closed    bool
}

var _ duet.RelationalDriver = (*MockRelationalDriver)(nil)

func NewMockRelationalDriver() *MockRelationalDriver {
	return &MockRelationalDriver{rows: map[string][]duet.Record{}}
}

func (d *MockRelationalDriver) Begin(ctx context.Context) (duet.RelationalTx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("relational driver is closed")
	}
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	return &mockRelationalTx{driver: d, rows: cloneRows(d.rows)}, nil
}

func (d *MockRelationalDriver) Exec(ctx context.Context, statement string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("relational driver is closed")
	}
	d.stmts = append(d.stmts, statement)
	if d.FailOn != nil {
		if err := d.FailOn(statement, args); err != nil {
			return err
		}
	}
	return applyStatement(d.rows, statement, args)
}

func (d *MockRelationalDriver) Query(ctx context.Context, statement string, args ...any) ([]duet.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("relational driver is closed")
	}
	d.stmts = append(d.stmts, statement)
	if d.FailOn != nil {
		if err := d.FailOn(statement, args); err != nil {
			return nil, err
		}
	}
	return queryRows(d.rows, statement, args)
}

func (d *MockRelationalDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("relational driver is closed")
	}
	return d.PingErr
}

// SetPingErr swaps the Ping failure. Unlike assigning the field it serializes
// with concurrent Ping calls, e.g. from a running health monitor.
func (d *MockRelationalDriver) SetPingErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PingErr = err
}

func (d *MockRelationalDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// SeedRow inserts a row directly, bypassing statement bookkeeping. For test setup.
func (d *MockRelationalDriver) SeedRow(entity string, row duet.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[entity] = append(d.rows[entity], cloneRecord(row))
}

// Rows returns a copy of a table's rows.
func (d *MockRelationalDriver) Rows(entity string) []duet.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]duet.Record, 0, len(d.rows[entity]))
	for _, r := range d.rows[entity] {
		out = append(out, cloneRecord(r))
	}
	return out
}

// Statements returns every statement executed so far, staged or auto-commit, in order.
func (d *MockRelationalDriver) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.stmts))
	copy(out, d.stmts)
	return out
}

type stagedStmt struct {
	stmt string
	args []any
}

type mockRelationalTx struct {
	driver    *MockRelationalDriver
	rows      map[string][]duet.Record
	staged    []stagedStmt
	committed bool
	done      bool
}

func (tx *mockRelationalTx) Exec(ctx context.Context, statement string, args ...any) error {
	tx.driver.mu.Lock()
	defer tx.driver.mu.Unlock()
	if tx.done {
		return fmt.Errorf("transaction is finished")
	}
	tx.driver.stmts = append(tx.driver.stmts, statement)
	if tx.driver.FailOn != nil {
		if err := tx.driver.FailOn(statement, args); err != nil {
			return err
		}
	}
	if err := applyStatement(tx.rows, statement, args); err != nil {
		return err
	}
	tx.staged = append(tx.staged, stagedStmt{stmt: statement, args: args})
	return nil
}

func (tx *mockRelationalTx) Query(ctx context.Context, statement string, args ...any) ([]duet.Record, error) {
	tx.driver.mu.Lock()
	defer tx.driver.mu.Unlock()
	if tx.done {
		return nil, fmt.Errorf("transaction is finished")
	}
	tx.driver.stmts = append(tx.driver.stmts, statement)
	if tx.driver.FailOn != nil {
		if err := tx.driver.FailOn(statement, args); err != nil {
			return nil, err
		}
	}
	return queryRows(tx.rows, statement, args)
}

func (tx *mockRelationalTx) Commit(ctx context.Context) error {
	tx.driver.mu.Lock()
	defer tx.driver.mu.Unlock()
	if tx.done {
		return fmt.Errorf("transaction is finished")
	}
	tx.done = true
	if tx.driver.CommitErr != nil {
		// A failed commit aborts the native transaction; nothing lands.
		return tx.driver.CommitErr
	}
	for _, s := range tx.staged {
		if err := applyStatement(tx.driver.rows, s.stmt, s.args); err != nil {
			return err
		}
	}
	tx.committed = true
	return nil
}

func (tx *mockRelationalTx) Rollback(ctx context.Context) error {
	tx.driver.mu.Lock()
	defer tx.driver.mu.Unlock()
	if tx.committed {
		return nil
	}
	tx.done = true
	return nil
}

func cloneRows(rows map[string][]duet.Record) map[string][]duet.Record {
	out := make(map[string][]duet.Record, len(rows))
	for entity, recs := range rows {
		cp := make([]duet.Record, 0, len(recs))
		for _, r := range recs {
			cp = append(cp, cloneRecord(r))
		}
		out[entity] = cp
	}
	return out
}

func cloneRecord(r duet.Record) duet.Record {
	out := make(duet.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// applyStatement interprets one compiled write statement against the table map.
func applyStatement(rows map[string][]duet.Record, stmt string, args []any) error {
	switch {
	case strings.HasPrefix(stmt, "INSERT INTO "):
		entity, cols, err := insertShape(stmt)
		if err != nil {
			return err
		}
		if len(cols) != len(args) {
			return fmt.Errorf("insert into %s: %d columns, %d args", entity, len(cols), len(args))
		}
		rec := duet.Record{}
		for i, c := range cols {
			rec[c] = args[i]
		}
		if strings.Contains(stmt, "ON CONFLICT DO NOTHING") {
			for _, existing := range rows[entity] {
				if reflect.DeepEqual(existing, rec) {
					return nil
				}
			}
		}
		rows[entity] = append(rows[entity], rec)
		return nil

	case strings.HasPrefix(stmt, "UPDATE "):
		entity, rest, ok := cutAround(stmt, "UPDATE ", " SET ")
		if !ok {
			return fmt.Errorf("unrecognized statement %q", stmt)
		}
		setPart, wherePart, ok := strings.Cut(rest, " WHERE ")
		if !ok {
			return fmt.Errorf("unrecognized statement %q", stmt)
		}
		sets, err := bindAssignments(setPart, ", ", args)
		if err != nil {
			return err
		}
		wheres, err := bindAssignments(wherePart, " AND ", args)
		if err != nil {
			return err
		}
		for i, r := range rows[entity] {
			if matches(r, wheres) {
				for k, v := range sets {
					rows[entity][i][k] = v
				}
			}
		}
		return nil

	case strings.HasPrefix(stmt, "DELETE FROM "):
		entity, wherePart, ok := cutAround(stmt, "DELETE FROM ", " WHERE ")
		if !ok {
			return fmt.Errorf("unrecognized statement %q", stmt)
		}
		wheres, err := bindAssignments(wherePart, " AND ", args)
		if err != nil {
			return err
		}
		kept := make([]duet.Record, 0, len(rows[entity]))
		for _, r := range rows[entity] {
			if !matches(r, wheres) {
				kept = append(kept, r)
			}
		}
		rows[entity] = kept
		return nil
	}
	return fmt.Errorf("unrecognized statement %q", stmt)
}

// queryRows interprets one compiled read statement against the table map.
func queryRows(rows map[string][]duet.Record, stmt string, args []any) ([]duet.Record, error) {
	if stmt == "SELECT 1" {
		return []duet.Record{{"?column?": 1}}, nil
	}
	if !strings.HasPrefix(stmt, "SELECT * FROM ") {
		return nil, fmt.Errorf("unrecognized query %q", stmt)
	}
	limited := strings.HasSuffix(stmt, " LIMIT 1")
	stmt = strings.TrimSuffix(stmt, " LIMIT 1")
	entity, wherePart, ok := cutAround(stmt, "SELECT * FROM ", " WHERE ")
	if !ok {
		return nil, fmt.Errorf("unrecognized query %q", stmt)
	}
	wheres, err := bindAssignments(wherePart, " AND ", args)
	if err != nil {
		return nil, err
	}
	var out []duet.Record
	for _, r := range rows[entity] {
		if matches(r, wheres) {
			out = append(out, cloneRecord(r))
			if limited {
				break
			}
		}
	}
	return out, nil
}

// cutAround extracts the token between prefix and sep, returning it with the remainder.
func cutAround(s, prefix, sep string) (string, string, bool) {
	s = strings.TrimPrefix(s, prefix)
	return strings.Cut(s, sep)
}

// insertShape parses "INSERT INTO entity (a, b) VALUES ($1, $2)[ ON CONFLICT DO NOTHING]".
func insertShape(stmt string) (string, []string, error) {
	entity, rest, ok := cutAround(stmt, "INSERT INTO ", " (")
	if !ok {
		return "", nil, fmt.Errorf("unrecognized statement %q", stmt)
	}
	colsPart, _, ok := strings.Cut(rest, ") VALUES")
	if !ok {
		return "", nil, fmt.Errorf("unrecognized statement %q", stmt)
	}
	return entity, strings.Split(colsPart, ", "), nil
}

// bindAssignments parses "a = $1<sep>b = $2" pairs and binds each placeholder
// to its positional argument.
func bindAssignments(part, sep string, args []any) (map[string]any, error) {
	out := map[string]any{}
	for _, expr := range strings.Split(part, sep) {
		col, ph, ok := strings.Cut(expr, " = $")
		if !ok {
			return nil, fmt.Errorf("unrecognized expression %q", expr)
		}
		idx, err := strconv.Atoi(ph)
		if err != nil || idx < 1 || idx > len(args) {
			return nil, fmt.Errorf("placeholder $%s out of range", ph)
		}
		out[col] = args[idx-1]
	}
	return out, nil
}

func matches(rec duet.Record, wheres map[string]any) bool {
	for k, v := range wheres {
		got, ok := rec[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}
