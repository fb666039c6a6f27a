package coordinator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/mocks"
)

func TestCompileGraphWrite(t *testing.T) {
	cases := []struct {
		name   string
		op     duet.Operation
		query  string
		params map[string]any
	}{
		{
			"create",
			createOp("Account", "a", map[string]any{"name": "Ana"}),
			"MERGE (n:Account {id: $k_id}) SET n += $props",
			map[string]any{"k_id": "a", "props": map[string]any{"name": "Ana"}},
		},
		{
			"create without values",
			duet.Operation{Kind: duet.OpCreate, Entity: "Account", Key: map[string]any{"id": "a"}},
			"MERGE (n:Account {id: $k_id})",
			map[string]any{"k_id": "a"},
		},
		{
			"update",
			updateOp("Account", "a", map[string]any{"balance": 50}),
			"MATCH (n:Account {id: $k_id}) SET n += $props",
			map[string]any{"k_id": "a", "props": map[string]any{"balance": 50}},
		},
		{
			"delete",
			deleteOp("Account", "a"),
			"MATCH (n:Account {id: $k_id}) DETACH DELETE n",
			map[string]any{"k_id": "a"},
		},
		{
			"composite key is ordered",
			duet.Operation{Kind: duet.OpDelete, Entity: "Holding",
				Key: map[string]any{"symbol": "X", "account": "a"}},
			"MATCH (n:Holding {account: $k_account, symbol: $k_symbol}) DETACH DELETE n",
			map[string]any{"k_account": "a", "k_symbol": "X"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, params, err := compileGraphWrite(tc.op)
			if err != nil {
				t.Fatal(err)
			}
			if query != tc.query {
				t.Fatalf("got %q, want %q", query, tc.query)
			}
			if !reflect.DeepEqual(params, tc.params) {
				t.Fatalf("got %v, want %v", params, tc.params)
			}
		})
	}

	if _, _, err := compileGraphWrite(createOp("Account; MATCH (m) DELETE m", "a", nil)); err == nil {
		t.Fatal("expected an invalid entity rejected")
	}
}

func TestCompileSQLWrite(t *testing.T) {
	stmt, args, err := compileSQLWrite(createOp("accounts", "a", map[string]any{"name": "Ana"}), false)
	if err != nil {
		t.Fatal(err)
	}
	if stmt != "INSERT INTO accounts (id, name) VALUES ($1, $2)" {
		t.Fatalf("unexpected statement %q", stmt)
	}
	if !reflect.DeepEqual(args, []any{"a", "Ana"}) {
		t.Fatalf("unexpected args %v", args)
	}

	stmt, _, err = compileSQLWrite(createOp("accounts", "a", map[string]any{"name": "Ana"}), true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(stmt, " ON CONFLICT DO NOTHING") {
		t.Fatalf("expected a conflict guard on the idempotent form, got %q", stmt)
	}

	stmt, args, err = compileSQLWrite(updateOp("accounts", "a",
		map[string]any{"name": "Ana", "balance": 50}), false)
	if err != nil {
		t.Fatal(err)
	}
	if stmt != "UPDATE accounts SET balance = $1, name = $2 WHERE id = $3" {
		t.Fatalf("unexpected statement %q", stmt)
	}
	if !reflect.DeepEqual(args, []any{50, "Ana", "a"}) {
		t.Fatalf("unexpected args %v", args)
	}

	stmt, args, err = compileSQLWrite(deleteOp("accounts", "a"), false)
	if err != nil {
		t.Fatal(err)
	}
	if stmt != "DELETE FROM accounts WHERE id = $1" {
		t.Fatalf("unexpected statement %q", stmt)
	}
	if !reflect.DeepEqual(args, []any{"a"}) {
		t.Fatalf("unexpected args %v", args)
	}
}

// A transient backend failure during prepare is retried with backoff rather
// than aborting the transaction.
func TestGraphPrepareRetriesTransient(t *testing.T) {
	ctx := context.Background()
	graph := mocks.NewMockGraphDriver()
	seedNode(t, graph, "Account", "a", map[string]any{"balance": 100})

	failures := 0
	graph.FailOn = func(query string, params map[string]any) error {
		if strings.Contains(query, "RETURN n") && failures == 0 {
			failures++
			return duet.Error{Code: duet.TransientBackend, Err: errors.New("connection reset")}
		}
		return nil
	}

	adapter := NewGraphAdapter(graph, nil)
	if err := adapter.Prepare(ctx, []duet.Operation{
		updateOp("Account", "a", map[string]any{"balance": 50}),
	}); err != nil {
		t.Fatalf("expected the transient failure retried, got %v", err)
	}
	if failures != 1 {
		t.Fatalf("expected exactly one injected failure, got %d", failures)
	}
	if node, _ := graph.Node("Account", map[string]any{"id": "a"}); node["balance"] != 50 {
		t.Fatalf("expected the staged update applied, got %v", node)
	}
}

func TestGraphRollbackFailureIsUnrecoverable(t *testing.T) {
	ctx := context.Background()
	graph := mocks.NewMockGraphDriver()
	adapter := NewGraphAdapter(graph, nil)
	if err := adapter.Prepare(ctx, []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	graph.FailOn = func(query string, params map[string]any) error {
		if strings.Contains(query, "DETACH DELETE") {
			return errors.New("graph store unreachable")
		}
		return nil
	}
	err := adapter.Rollback(ctx)
	if err == nil {
		t.Fatal("expected the rollback failure surfaced")
	}
	var de duet.Error
	if !errors.As(err, &de) || de.Code != duet.UnrecoverableCompensation {
		t.Fatalf("expected UnrecoverableCompensation, got %v", err)
	}

	// The undo list is retained for a later re-drive, which then succeeds.
	graph.FailOn = nil
	if err := adapter.Rollback(ctx); err != nil {
		t.Fatalf("re-drive failed: %v", err)
	}
	if graph.NodeCount() != 0 {
		t.Fatal("expected the node compensated on the re-drive")
	}
}

func TestRelationalRollbackAfterCommitAppliesUndos(t *testing.T) {
	ctx := context.Background()
	rel := mocks.NewMockRelationalDriver()
	adapter := NewRelationalAdapter(rel, nil)

	if err := adapter.Prepare(ctx, []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if rows := rel.Rows("accounts"); len(rows) != 1 {
		t.Fatalf("expected the committed row, got %v", rows)
	}

	if err := adapter.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if rows := rel.Rows("accounts"); len(rows) != 0 {
		t.Fatalf("expected the undo delete applied, got %v", rows)
	}
	// A second rollback has nothing left to undo.
	if err := adapter.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
}
