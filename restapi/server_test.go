package restapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/goleak"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/cache"
	"github.com/sharedcode/duet/database"
	"github.com/sharedcode/duet/mocks"
	"github.com/sharedcode/duet/trace"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

// memArchiver keeps archived traces in a map so the trace endpoint has
// something to serve.
type memArchiver struct {
	mu     sync.Mutex
	traces map[string]trace.Trace
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

// newTestServer builds a router over a mock-backed database. DUET_ENV=DEV
// bypasses bearer verification so tests exercise the handlers, not okta.
func newTestServer(t *testing.T) (*gin.Engine, *database.Database, *mocks.MockGraphDriver, *mocks.MockRelationalDriver) {
	t.Helper()
	t.Setenv("DUET_ENV", "DEV")

	graph := mocks.NewMockGraphDriver()
	relational := mocks.NewMockRelationalDriver()
	opts := database.DefaultOptions()
	opts.GraphDriver = graph
	opts.RelationalDriver = relational
	opts.Cache = cache.NewInMemoryCache()
	opts.TransactionLog = mocks.NewMockTransactionLog()
	opts.Archiver = &memArchiver{traces: make(map[string]trace.Trace)}
	opts.Health.Interval = 10 * time.Millisecond

	db, err := database.New(context.Background(), opts)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(context.Background()); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return NewServer(db).Router(), db, graph, relational
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// commitSample drives one transaction to COMMITTED through the database handle.
func commitSample(t *testing.T, db *database.Database, tid string) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTransaction(ctx, tid)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	graphOps := []duet.Operation{{
		Kind:   duet.OpCreate,
		Entity: "Account",
		Key:    map[string]any{"id": tid},
		Values: map[string]any{"name": "Ana"},
	}}
	relationalOps := []duet.Operation{{
		Kind:   duet.OpCreate,
		Entity: "accounts",
		Key:    map[string]any{"id": tid},
		Values: map[string]any{"id": tid, "name": "Ana"},
	}}
	if err := tx.PrepareGraph(ctx, graphOps); err != nil {
		t.Fatalf("PrepareGraph: %v", err)
	}
	if err := tx.PrepareRelational(ctx, relationalOps); err != nil {
		t.Fatalf("PrepareRelational: %v", err)
	}
	status, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if status != duet.StatusCommitted {
		t.Fatalf("status = %s, want COMMITTED", status)
	}
}

// parkSample drives one transaction into NEEDS_MANUAL_REVIEW: the relational
// commit tears after the graph leg committed, then the compensating delete
// fails too.
func parkSample(t *testing.T, db *database.Database, graph *mocks.MockGraphDriver, relational *mocks.MockRelationalDriver, tid string) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTransaction(ctx, tid)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.PrepareGraph(ctx, []duet.Operation{{
		Kind:   duet.OpCreate,
		Entity: "Account",
		Key:    map[string]any{"id": tid},
		Values: map[string]any{"name": "Bo"},
	}}); err != nil {
		t.Fatalf("PrepareGraph: %v", err)
	}
	if err := tx.PrepareRelational(ctx, []duet.Operation{{
		Kind:   duet.OpCreate,
		Entity: "accounts",
		Key:    map[string]any{"id": tid},
		Values: map[string]any{"id": tid, "name": "Bo"},
	}}); err != nil {
		t.Fatalf("PrepareRelational: %v", err)
	}

	relational.CommitErr = duet.Error{Code: duet.TransientBackend, Err: errors.New("commit torn")}
	graph.FailOn = func(query string, params map[string]any) error {
		if strings.Contains(query, "DETACH DELETE") {
			return errors.New("undo refused")
		}
		return nil
	}

	status, err := tx.Commit(ctx)
	if err == nil {
		t.Fatal("Commit should fail")
	}
	if status != duet.StatusNeedsManualReview {
		t.Fatalf("status = %s, want NEEDS_MANUAL_REVIEW", status)
	}
	relational.CommitErr = nil
}

func TestGetTransactionStatus(t *testing.T) {
	router, db, _, _ := newTestServer(t)
	commitSample(t, db, "order-9")

	w := doRequest(t, router, http.MethodGet, "/api/v1/transactions/order-9", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "COMMITTED") {
		t.Fatalf("body = %s, want COMMITTED", w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/transactions/no-such", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", w.Code)
	}
}

func TestBearerVerification(t *testing.T) {
	router, db, _, _ := newTestServer(t)
	commitSample(t, db, "order-10")

	// No DEV bypass, no token: unauthorized.
	t.Setenv("DUET_ENV", "")
	w := doRequest(t, router, http.MethodGet, "/api/v1/transactions/order-10", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}

	// QA token equality bypasses okta.
	t.Setenv("DUET_ENV", "QA")
	t.Setenv("DUET_QA_TOKEN", "sesame")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/order-10", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 with QA token", rec.Code)
	}

	// Probes stay reachable without a token.
	w = doRequest(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz code = %d, want 200", w.Code)
	}
}

func TestReadyzFollowsBackendHealth(t *testing.T) {
	router, _, graph, _ := newTestServer(t)

	waitFor := func(wantCode int) bool {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if w := doRequest(t, router, http.MethodGet, "/readyz", ""); w.Code == wantCode {
				return true
			}
			time.Sleep(5 * time.Millisecond)
		}
		return false
	}

	if !waitFor(http.StatusOK) {
		t.Fatal("readyz never reported ready")
	}

	graph.SetPingErr(duet.Error{Code: duet.TransientBackend, Err: context.DeadlineExceeded})
	if !waitFor(http.StatusServiceUnavailable) {
		t.Fatal("readyz never reported unready after graph pings failed")
	}

	graph.SetPingErr(nil)
	if !waitFor(http.StatusOK) {
		t.Fatal("readyz never recovered after graph pings healed")
	}
}

func TestMetricsScrape(t *testing.T) {
	router, db, _, _ := newTestServer(t)
	commitSample(t, db, "order-11")

	w := doRequest(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duet_transactions_total") {
		t.Fatal("scrape is missing duet_transactions_total")
	}
}

func TestReviewQueueAndRetry(t *testing.T) {
	router, db, graph, relational := newTestServer(t)
	commitSample(t, db, "order-good")
	parkSample(t, db, graph, relational, "order-bad")

	w := doRequest(t, router, http.MethodGet, "/api/v1/reviews", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reviews code = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "order-bad") || !strings.Contains(body, "NEEDS_MANUAL_REVIEW") {
		t.Fatalf("reviews body = %s, want order-bad parked", body)
	}
	if strings.Contains(body, "order-good") {
		t.Fatalf("reviews body lists a committed transaction: %s", body)
	}

	// Unknown id.
	w = doRequest(t, router, http.MethodPost, "/api/v1/reviews/no-such/retry", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("retry unknown code = %d, want 404", w.Code)
	}

	// Not parked for review.
	w = doRequest(t, router, http.MethodPost, "/api/v1/reviews/order-good/retry", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("retry committed code = %d, want 409", w.Code)
	}

	// Compensation still failing.
	w = doRequest(t, router, http.MethodPost, "/api/v1/reviews/order-bad/retry", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("retry failing code = %d, want 502", w.Code)
	}

	// Heal the graph store and re-drive.
	graph.FailOn = nil
	w = doRequest(t, router, http.MethodPost, "/api/v1/reviews/order-bad/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("retry healed code = %d, body = %s, want 200", w.Code, w.Body.String())
	}
}

func TestReviewTraceEndpoint(t *testing.T) {
	router, db, graph, relational := newTestServer(t)
	commitSample(t, db, "order-clean")
	parkSample(t, db, graph, relational, "order-parked")
	graph.FailOn = nil

	w := doRequest(t, router, http.MethodGet, "/api/v1/reviews/order-parked/trace", "")
	if w.Code != http.StatusOK {
		t.Fatalf("trace code = %d, body = %s, want 200", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "order-parked") || !strings.Contains(body, "NEEDS_MANUAL_REVIEW") {
		t.Fatalf("trace body = %s, want the parked transaction's document", body)
	}
	if !strings.Contains(body, "operations") {
		t.Fatalf("trace body = %s, want the operation trace", body)
	}

	// A committed transaction archived nothing.
	w = doRequest(t, router, http.MethodGet, "/api/v1/reviews/order-clean/trace", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("clean trace code = %d, want 404", w.Code)
	}
	w = doRequest(t, router, http.MethodGet, "/api/v1/reviews/no-such/trace", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown trace code = %d, want 404", w.Code)
	}
}

func TestTransactionErrorJournal(t *testing.T) {
	router, db, graph, relational := newTestServer(t)
	parkSample(t, db, graph, relational, "order-torn")
	graph.FailOn = nil

	w := doRequest(t, router, http.MethodGet, "/api/v1/transactions/order-torn/errors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	body := w.Body.String()
	// Enum fields render as names, not ints.
	if !strings.Contains(body, "unrecoverable_compensation") {
		t.Fatalf("journal body = %s, want an unrecoverable_compensation record", body)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/transactions/pristine/errors", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty journal = %d %q, want 200 []", w.Code, w.Body.String())
	}
}

func TestApplicationMethodRegistration(t *testing.T) {
	if err := RegisterMethod(GET, "/echo", func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, gin.H{"echo": true})
	}); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}
	// A route colliding with a server method is skipped, not a panic.
	if err := RegisterMethod(GET, "/transactions/:id", func(c *gin.Context) {
		c.Status(http.StatusTeapot)
	}); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	router, db, _, _ := newTestServer(t)
	commitSample(t, db, "order-12")

	w := doRequest(t, router, http.MethodGet, "/api/v1/echo", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "echo") {
		t.Fatalf("echo = %d %s, want 200", w.Code, w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/transactions/order-12", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want the server's own handler to win", w.Code)
	}
}
