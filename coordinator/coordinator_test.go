package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/cache"
	"github.com/sharedcode/duet/metrics"
	"github.com/sharedcode/duet/mocks"
	"github.com/sharedcode/duet/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	c          *Coordinator
	graph      *mocks.MockGraphDriver
	relational *mocks.MockRelationalDriver
	translog   *mocks.MockTransactionLog
	cache      duet.Cache
	handler    *duet.ErrorHandler
	metrics    *metrics.Registry
	archiver   *memArchiver
}

// memArchiver keeps archived traces in a map so tests can read them back.
type memArchiver struct {
	mu     sync.Mutex
	traces map[string]trace.Trace
}

func newMemArchiver() *memArchiver {
	return &memArchiver{traces: make(map[string]trace.Trace)}
}

func (a *memArchiver) Archive(_ context.Context, tr trace.Trace) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := trace.Key(tr.TransactionID, tr.Ended)
	a.traces[key] = tr
	return key, nil
}

func (a *memArchiver) Fetch(_ context.Context, key string) (trace.Trace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tr, ok := a.traces[key]
	if !ok {
		return trace.Trace{}, fmt.Errorf("no trace archived under %s", key)
	}
	return tr, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		graph:      mocks.NewMockGraphDriver(),
		relational: mocks.NewMockRelationalDriver(),
		translog:   mocks.NewMockTransactionLog(),
		cache:      cache.NewInMemoryCache(),
		handler:    duet.NewErrorHandler(),
		metrics:    metrics.New(),
		archiver:   newMemArchiver(),
	}
	c, err := New(Options{
		GraphDriver:      f.graph,
		RelationalDriver: f.relational,
		TransactionLog:   f.translog,
		Cache:            f.cache,
		Handler:          f.handler,
		Metrics:          f.metrics,
		Archiver:         f.archiver,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	f.c = c
	t.Cleanup(func() {
		if err := c.Close(context.Background()); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return f
}

func createOp(entity, id string, values map[string]any) duet.Operation {
	return duet.Operation{Kind: duet.OpCreate, Entity: entity, Key: map[string]any{"id": id}, Values: values}
}

func updateOp(entity, id string, values map[string]any) duet.Operation {
	return duet.Operation{Kind: duet.OpUpdate, Entity: entity, Key: map[string]any{"id": id}, Values: values}
}

func deleteOp(entity, id string) duet.Operation {
	return duet.Operation{Kind: duet.OpDelete, Entity: entity, Key: map[string]any{"id": id}}
}

func errCode(t *testing.T, err error) duet.ErrorCode {
	t.Helper()
	var de duet.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected a coded error, got %v", err)
	}
	return de.Code
}

func TestCommitAllLandsBothStores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	// The relational insert is staged in the native transaction, invisible to
	// other callers until commit.
	if rows := f.relational.Rows("accounts"); len(rows) != 0 {
		t.Fatalf("staged row leaked before commit: %v", rows)
	}

	status, err := f.c.CommitAll(ctx, "t1")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if status != duet.StatusCommitted {
		t.Fatalf("expected %v, got %v", duet.StatusCommitted, status)
	}

	node, ok := f.graph.Node("Account", map[string]any{"id": "a"})
	if !ok {
		t.Fatal("expected the node on the graph store")
	}
	if node["name"] != "Ana" {
		t.Fatalf("unexpected node %v", node)
	}
	rows := f.relational.Rows("accounts")
	if len(rows) != 1 || rows[0]["name"] != "Ana" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if f.translog.Count() != 0 {
		t.Fatal("expected transaction logs removed after commit")
	}
	if st, _ := f.c.GetStatus(ctx, "t1"); st != duet.StatusCommitted {
		t.Fatalf("expected COMMITTED status, got %v", st)
	}
}

// The headline guarantee: the graph commit lands, the relational commit fails,
// and the coordinator deletes the staged node again, ending in
// ABORTED_WITH_COMPENSATION with exactly one critical partial commit record
// carrying the operation trace.
func TestPartialCommitCompensates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); !ok {
		t.Fatal("expected the speculative prepare to land the node")
	}

	f.relational.CommitErr = errors.New("disk full")

	status, err := f.c.CommitAll(ctx, "t1")
	if err == nil {
		t.Fatal("expected CommitAll to fail")
	}
	if status != duet.StatusAbortedWithCompensation {
		t.Fatalf("expected %v, got %v", duet.StatusAbortedWithCompensation, status)
	}
	if code := errCode(t, err); code != duet.PartialCommit {
		t.Fatalf("expected a PartialCommit coded error, got %v", code)
	}

	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); ok {
		t.Fatal("expected compensation to delete the node")
	}
	if rows := f.relational.Rows("accounts"); len(rows) != 0 {
		t.Fatalf("expected no relational rows, got %v", rows)
	}

	var partials []duet.ErrorRecord
	for _, rec := range f.handler.RecordsFor("t1") {
		if rec.Code == duet.PartialCommit {
			partials = append(partials, rec)
		}
	}
	if len(partials) != 1 {
		t.Fatalf("expected exactly one PartialCommit record, got %d", len(partials))
	}
	if partials[0].Severity != duet.SeverityCritical {
		t.Fatalf("expected critical severity, got %v", partials[0].Severity)
	}
	ops, ok := partials[0].UserData.([]duet.Operation)
	if !ok || len(ops) != 2 {
		t.Fatalf("expected the record to carry the full 2 operation trace, got %#v", partials[0].UserData)
	}

	if st, _ := f.c.GetStatus(ctx, "t1"); st != duet.StatusAbortedWithCompensation {
		t.Fatalf("terminal status did not stick: %v", st)
	}
	if f.translog.Count() != 0 {
		t.Fatal("expected transaction logs removed after the terminal state")
	}
}

// A first-leg failure means nothing committed anywhere; staged work is undone
// and the state is plain ABORTED, with no partial commit record.
func TestFirstCommitFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	f.graph.PingErr = errors.New("graph store unreachable")

	status, err := f.c.CommitAll(ctx, "t1")
	if err == nil {
		t.Fatal("expected CommitAll to fail")
	}
	if status != duet.StatusAborted {
		t.Fatalf("expected %v, got %v", duet.StatusAborted, status)
	}
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); ok {
		t.Fatal("expected the speculative node undone")
	}
	if rows := f.relational.Rows("accounts"); len(rows) != 0 {
		t.Fatalf("expected the staged row discarded, got %v", rows)
	}
	for _, rec := range f.handler.RecordsFor("t1") {
		if rec.Code == duet.PartialCommit {
			t.Fatal("first-leg failure must not journal a partial commit")
		}
	}
}

// A prepare failure on the second participant rolls the first participant's
// speculative writes back and aborts.
func TestPrepareFailureRollsBackEarlierParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	f.relational.FailOn = func(stmt string, args []any) error {
		if strings.HasPrefix(stmt, "INSERT INTO ") {
			return errors.New("constraint violation")
		}
		return nil
	}
	err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	})
	if err == nil {
		t.Fatal("expected prepare to fail")
	}
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); ok {
		t.Fatal("expected the graph participant rolled back")
	}
	if st, _ := f.c.GetStatus(ctx, "t1"); st != duet.StatusAborted {
		t.Fatalf("expected %v, got %v", duet.StatusAborted, st)
	}
}

// A malformed operation aborts the transaction the same way a backend prepare
// failure does, and is classified Validation.
func TestPrepareValidatesOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		{Kind: duet.OpCreate, Entity: "", Values: map[string]any{"name": "Ana"}},
	})
	if err == nil {
		t.Fatal("expected prepare to fail")
	}
	if code := errCode(t, err); code != duet.Validation {
		t.Fatalf("expected Validation, got %v", code)
	}
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); ok {
		t.Fatal("expected the graph participant rolled back")
	}
	if st, _ := f.c.GetStatus(ctx, "t1"); st != duet.StatusAborted {
		t.Fatalf("expected %v, got %v", duet.StatusAborted, st)
	}
}

// Compensating an update must restore the captured pre-image, not just delete.
func TestUpdateCompensationRestoresPreImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.graph.Execute(ctx, "MERGE (n:Account {id: $k_id}) SET n += $props",
		map[string]any{"k_id": "a", "props": map[string]any{"balance": 100}}); err != nil {
		t.Fatal(err)
	}
	f.relational.SeedRow("accounts", duet.Record{"id": "a", "balance": 100})

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		updateOp("Account", "a", map[string]any{"balance": 50}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		updateOp("accounts", "a", map[string]any{"balance": 50}),
	}); err != nil {
		t.Fatal(err)
	}

	// Speculative graph write is visible mid-transaction.
	if node, _ := f.graph.Node("Account", map[string]any{"id": "a"}); node["balance"] != 50 {
		t.Fatalf("expected the staged graph update visible, got %v", node)
	}

	f.relational.CommitErr = errors.New("connection reset")
	status, err := f.c.CommitAll(ctx, "t1")
	if err == nil {
		t.Fatal("expected CommitAll to fail")
	}
	if status != duet.StatusAbortedWithCompensation {
		t.Fatalf("expected %v, got %v", duet.StatusAbortedWithCompensation, status)
	}

	node, _ := f.graph.Node("Account", map[string]any{"id": "a"})
	if node["balance"] != 100 {
		t.Fatalf("expected the pre-image restored, got %v", node)
	}
	rows := f.relational.Rows("accounts")
	if len(rows) != 1 || rows[0]["balance"] != 100 {
		t.Fatalf("expected the relational row untouched, got %v", rows)
	}
}

// Compensating a delete re-inserts the captured pre-image.
func TestDeleteCompensationReinsertsPreImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.graph.Execute(ctx, "MERGE (n:Account {id: $k_id}) SET n += $props",
		map[string]any{"k_id": "a", "props": map[string]any{"name": "Ana", "balance": 100}}); err != nil {
		t.Fatal(err)
	}
	f.relational.SeedRow("accounts", duet.Record{"id": "a", "name": "Ana"})

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{deleteOp("Account", "a")}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{deleteOp("accounts", "a")}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); ok {
		t.Fatal("expected the speculative delete to land")
	}

	f.relational.CommitErr = errors.New("connection reset")
	if status, err := f.c.CommitAll(ctx, "t1"); err == nil || status != duet.StatusAbortedWithCompensation {
		t.Fatalf("expected a compensated abort, got %v, %v", status, err)
	}

	node, ok := f.graph.Node("Account", map[string]any{"id": "a"})
	if !ok {
		t.Fatal("expected the deleted node re-created from its pre-image")
	}
	if node["name"] != "Ana" || node["balance"] != 100 {
		t.Fatalf("re-created node lost properties: %v", node)
	}
	if rows := f.relational.Rows("accounts"); len(rows) != 1 {
		t.Fatalf("expected the relational delete discarded, got %v", rows)
	}
}

func TestRollbackAllUndoesStagedWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	status, err := f.c.RollbackAll(ctx, "t1")
	if err != nil {
		t.Fatalf("RollbackAll failed: %v", err)
	}
	if status != duet.StatusAborted {
		t.Fatalf("expected %v, got %v", duet.StatusAborted, status)
	}
	if f.graph.NodeCount() != 0 {
		t.Fatal("expected the graph store clean")
	}
	if rows := f.relational.Rows("accounts"); len(rows) != 0 {
		t.Fatalf("expected no relational rows, got %v", rows)
	}
	if f.translog.Count() != 0 {
		t.Fatal("expected transaction logs removed")
	}
}

func TestCommitRequiresPrepared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	status, err := f.c.CommitAll(ctx, "t1")
	if err == nil {
		t.Fatal("expected a state violation")
	}
	if code := errCode(t, err); code != duet.Validation {
		t.Fatalf("expected Validation, got %v", code)
	}
	if status != duet.StatusPreparing {
		t.Fatalf("expected the state untouched, got %v", status)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.CommitAll(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.c.RollbackAll(ctx, "t1"); err == nil {
		t.Fatal("expected rollback of a committed transaction rejected")
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "b", map[string]any{"name": "Bo"}),
	}); err == nil {
		t.Fatal("expected prepare on a committed transaction rejected")
	}
	if st, _ := f.c.GetStatus(ctx, "t1"); st != duet.StatusCommitted {
		t.Fatalf("terminal state moved: %v", st)
	}
}

func TestBeginRejectsBadIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, ""); err == nil {
		t.Fatal("expected empty id rejected")
	}
	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	err := f.c.Begin(ctx, "t1")
	if err == nil {
		t.Fatal("expected duplicate id rejected")
	}
	if code := errCode(t, err); code != duet.Validation {
		t.Fatalf("expected Validation, got %v", code)
	}
}

func TestUnknownTransactionID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.PrepareGraph(ctx, "nope", nil); err == nil {
		t.Fatal("expected prepare on unknown id rejected")
	}
	if _, err := f.c.CommitAll(ctx, "nope"); err == nil {
		t.Fatal("expected commit on unknown id rejected")
	}
	if _, err := f.c.RollbackAll(ctx, "nope"); err == nil {
		t.Fatal("expected rollback on unknown id rejected")
	}
	if _, err := f.c.GetStatus(ctx, "nope"); err == nil {
		t.Fatal("expected status on unknown id rejected")
	}
}

// When compensation itself fails the transaction parks in NEEDS_MANUAL_REVIEW,
// keeping its undo lists, and an operator re-drive converges the stores.
func TestCompensationFailureEscalatesThenRedrives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	f.relational.CommitErr = errors.New("disk full")
	f.graph.FailOn = func(query string, params map[string]any) error {
		if strings.Contains(query, "DETACH DELETE") {
			return errors.New("graph store unreachable")
		}
		return nil
	}

	status, err := f.c.CommitAll(ctx, "t1")
	if err == nil {
		t.Fatal("expected CommitAll to fail")
	}
	if status != duet.StatusNeedsManualReview {
		t.Fatalf("expected %v, got %v", duet.StatusNeedsManualReview, status)
	}
	if code := errCode(t, err); code != duet.UnrecoverableCompensation {
		t.Fatalf("expected UnrecoverableCompensation, got %v", code)
	}
	if len(f.handler.Escalations()) == 0 {
		t.Fatal("expected an escalation journaled")
	}
	// The divergent node is still there and the log trail is retained for recovery.
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); !ok {
		t.Fatal("expected the uncompensated node still present")
	}
	if f.translog.Count() == 0 {
		t.Fatal("expected the log trail retained while parked for review")
	}

	// Backend is reachable again; the operator re-drives.
	f.graph.FailOn = nil
	if err := f.c.RetryCompensation(ctx, "t1"); err != nil {
		t.Fatalf("RetryCompensation failed: %v", err)
	}
	if _, ok := f.graph.Node("Account", map[string]any{"id": "a"}); ok {
		t.Fatal("expected the re-drive to delete the node")
	}
	if f.translog.Count() != 0 {
		t.Fatal("expected the log trail removed after the re-drive")
	}
	if st, _ := f.c.GetStatus(ctx, "t1"); st != duet.StatusNeedsManualReview {
		t.Fatalf("terminal state moved: %v", st)
	}
	if err := f.c.RetryCompensation(ctx, "t2"); err == nil {
		t.Fatal("expected re-drive of an unknown id rejected")
	}
}

// The commit fence keeps a second holder, e.g. another coordinator instance,
// from interleaving a commit round on the same id.
func TestCommitFenceBlocksOtherHolders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}

	foreign := f.cache.CreateLockKeys([]string{txName("t1")})
	if ok, _, err := f.cache.Lock(ctx, minCommitTime, foreign); !ok || err != nil {
		t.Fatalf("could not take the fence: %v", err)
	}

	status, err := f.c.CommitAll(ctx, "t1")
	if err == nil {
		t.Fatal("expected the fenced commit to fail")
	}
	if code := errCode(t, err); code != duet.LockAcquisitionFailure {
		t.Fatalf("expected LockAcquisitionFailure, got %v", code)
	}
	if status != duet.StatusPrepared {
		t.Fatalf("expected the state untouched, got %v", status)
	}

	if err := f.cache.Unlock(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	if status, err := f.c.CommitAll(ctx, "t1"); err != nil || status != duet.StatusCommitted {
		t.Fatalf("expected the retried commit to land, got %v, %v", status, err)
	}
}

// An empty prepare marks the participant side done without staging anything;
// the commit is then trivial.
func TestEmptyPrepareCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", nil); err != nil {
		t.Fatal(err)
	}
	status, err := f.c.CommitAll(ctx, "t1")
	if err != nil || status != duet.StatusCommitted {
		t.Fatalf("expected a trivial commit, got %v, %v", status, err)
	}
}

// Different transaction ids make progress independently and commit
// concurrently without interference.
func TestConcurrentTransactionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var g errgroup.Group
	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
	for i, tid := range ids {
		g.Go(func() error {
			if err := f.c.Begin(ctx, tid); err != nil {
				return err
			}
			if err := f.c.PrepareGraph(ctx, tid, []duet.Operation{
				createOp("Account", tid, map[string]any{"n": i}),
			}); err != nil {
				return err
			}
			if err := f.c.PrepareRelational(ctx, tid, []duet.Operation{
				createOp("accounts", tid, map[string]any{"n": i}),
			}); err != nil {
				return err
			}
			status, err := f.c.CommitAll(ctx, tid)
			if err != nil {
				return err
			}
			if status != duet.StatusCommitted {
				return errors.New("expected COMMITTED")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if f.graph.NodeCount() != len(ids) {
		t.Fatalf("expected %d nodes, got %d", len(ids), f.graph.NodeCount())
	}
	if rows := f.relational.Rows("accounts"); len(rows) != len(ids) {
		t.Fatalf("expected %d rows, got %d", len(ids), len(rows))
	}
}

// A compensated transaction's archived trace is readable back through the
// coordinator; a transaction that ended cleanly archived nothing.
func TestGetTraceReturnsArchivedDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t1", []duet.Operation{
		createOp("accounts", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	f.relational.CommitErr = errors.New("disk full")
	if status, err := f.c.CommitAll(ctx, "t1"); err == nil || status != duet.StatusAbortedWithCompensation {
		t.Fatalf("expected a compensated abort, got %v, %v", status, err)
	}
	f.relational.CommitErr = nil

	tr, err := f.c.GetTrace(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if tr.TransactionID != "t1" || tr.Status != duet.StatusAbortedWithCompensation.String() {
		t.Fatalf("unexpected trace header: %q %q", tr.TransactionID, tr.Status)
	}
	if len(tr.Operations) != 2 {
		t.Fatalf("expected the full 2 operation trace, got %d", len(tr.Operations))
	}
	if len(tr.Compensations) == 0 {
		t.Fatal("expected the applied compensations in the trace")
	}

	if err := f.c.Begin(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t2", []duet.Operation{
		createOp("Account", "b", map[string]any{"name": "Bo"}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.CommitAll(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	_, err = f.c.GetTrace(ctx, "t2")
	if err == nil {
		t.Fatal("expected no trace for a committed transaction")
	}
	if code := errCode(t, err); code != duet.Validation {
		t.Fatalf("expected Validation, got %v", code)
	}
	if _, err := f.c.GetTrace(ctx, "nope"); err == nil {
		t.Fatal("expected unknown id rejected")
	}
}

// Finished records are evicted once their retention elapses, record and per
// name lock together, so a long lived coordinator does not accumulate memory
// per transaction served. A parked record keeps its undo lists for the
// operator and survives until re-driven.
func TestFinishedRecordsAreEvictedAfterRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.c.Begin(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t1", []duet.Operation{
		createOp("Account", "a", map[string]any{"name": "Ana"}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.CommitAll(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	if err := f.c.Begin(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareGraph(ctx, "t2", []duet.Operation{
		createOp("Account", "b", map[string]any{"name": "Bo"}),
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.PrepareRelational(ctx, "t2", []duet.Operation{
		createOp("accounts", "b", map[string]any{"name": "Bo"}),
	}); err != nil {
		t.Fatal(err)
	}
	f.relational.CommitErr = errors.New("disk full")
	f.graph.FailOn = func(query string, params map[string]any) error {
		if strings.Contains(query, "DETACH DELETE") {
			return errors.New("graph store unreachable")
		}
		return nil
	}
	if status, _ := f.c.CommitAll(ctx, "t2"); status != duet.StatusNeedsManualReview {
		t.Fatalf("expected %v, got %v", duet.StatusNeedsManualReview, status)
	}

	backdate := func(tid string) {
		_ = f.c.transactions.AtomicOperation(txName(tid), func() error {
			svc, ok := f.c.transactions.Get(txName(tid))
			if !ok {
				t.Fatalf("no record for %s", tid)
			}
			svc.(*transaction).ended = duet.Now().Add(-f.c.retention - time.Minute)
			return nil
		})
	}
	backdate("t1")
	backdate("t2")
	f.c.evictFinished()

	if _, err := f.c.GetStatus(ctx, "t1"); err == nil {
		t.Fatal("expected the committed record evicted")
	}
	if st, err := f.c.GetStatus(ctx, "t2"); err != nil || st != duet.StatusNeedsManualReview {
		t.Fatalf("a parked record holding undo lists must survive eviction, got %v, %v", st, err)
	}

	// Re-driven, the parked record ages out like any other terminal.
	f.graph.FailOn = nil
	if err := f.c.RetryCompensation(ctx, "t2"); err != nil {
		t.Fatalf("RetryCompensation failed: %v", err)
	}
	backdate("t2")
	f.c.evictFinished()
	if _, err := f.c.GetStatus(ctx, "t2"); err == nil {
		t.Fatal("expected the re-driven record evicted")
	}
	for _, name := range f.c.transactions.Names() {
		if strings.HasPrefix(name, "tx/") {
			t.Fatalf("record %s survived eviction", name)
		}
	}
}
