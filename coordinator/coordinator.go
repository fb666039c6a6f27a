// Package coordinator implements two-phase commit across a graph store and a
// relational store, with compensating rollbacks driven by pre-images captured
// before every mutation.
//
// The relational participant gets a real prepare: its operations are staged in
// a native transaction held open until the commit round. The graph participant
// has no such handle, so its prepare executes speculatively and its commit is a
// verification round-trip; the captured undo operations are what make the
// speculation reversible. Commit order is fixed, graph before relational, so
// the compensation path is symmetric and testable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/metrics"
	"github.com/sharedcode/duet/registry"
	"github.com/sharedcode/duet/trace"
)

const (
	// minCommitTime and maxCommitTime bound the commit fence TTL. The abandoned
	// transaction sweep only touches logs aged past an hour, so a commit is
	// never allowed to run longer than that.
	minCommitTime = 15 * time.Minute
	maxCommitTime = 1 * time.Hour
	// defaultRetention is how long a finished transaction's record stays
	// queryable after reaching its terminal state.
	defaultRetention = 1 * time.Hour
)

// Options carries the dependencies and tuning knobs of a Coordinator. Drivers,
// the transaction log and the cache are required; everything else defaults.
type Options struct {
	GraphDriver      duet.GraphDriver
	RelationalDriver duet.RelationalDriver
	TransactionLog   duet.TransactionLog
	Cache            duet.Cache

	// Handler classifies and journals failures. Defaults to a fresh handler with
	// the package recovery table.
	Handler *duet.ErrorHandler
	// Metrics receives transaction counters and timings. Defaults to a fresh registry.
	Metrics *metrics.Registry
	// Archiver persists traces of compensated and review flagged transactions.
	// Defaults to the no-op archiver.
	Archiver trace.Archiver

	// MaxTime bounds one transaction's commit round and its cross instance fence.
	// Zero or negative defaults to 15 minutes; more than an hour is capped to an hour.
	MaxTime time.Duration
	// SweepInterval is the pause between abandoned transaction sweeps. Zero or
	// negative defaults to 4 hours.
	SweepInterval time.Duration
	// Retention is how long a finished transaction's record stays queryable
	// before the sweep evicts it. Zero or negative defaults to an hour. A
	// record parked in NeedsManualReview keeps its undo lists for the operator
	// and is only evicted once its compensation has been re-driven.
	Retention time.Duration
	// DisableLogging turns off the transaction log writes. Commits get cheaper and
	// crash recovery is off the table; meant for throwaway or test data.
	DisableLogging bool
}

// Coordinator drives two-phase commit over the two participant stores. One
// instance serves many concurrent transactions; per transaction mutual
// exclusion comes from the service registry's per name locks.
type Coordinator struct {
	graphDriver      duet.GraphDriver
	relationalDriver duet.RelationalDriver
	translog         duet.TransactionLog
	cache            duet.Cache
	handler          *duet.ErrorHandler
	metrics          *metrics.Registry
	archiver         trace.Archiver
	transactions     *registry.Registry
	maxTime          time.Duration
	sweepInterval    time.Duration
	retention        time.Duration
	logging          bool

	// hourBeingProcessed is the log hour the sweep is draining; empty when idle.
	hourMu             sync.Mutex
	hourBeingProcessed string
	// sweepMu serializes sweep passes between the background loop and RecoverPending.
	sweepMu       sync.Mutex
	lastSweepMu   sync.Mutex
	lastSweepTime int64

	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

var _ duet.Coordinator = (*Coordinator)(nil)

// transaction is the in-memory record of one coordinated transaction. It lives
// in the service registry under its per transaction name and is only mutated
// inside that name's lock.
type transaction struct {
	id         string
	status     duet.Status
	logger     *transactionLogger
	graph      *GraphAdapter
	relational *RelationalAdapter
	// operations accumulates every prepared operation, in prepare order, for the
	// partial commit record and the trace archive.
	operations []duet.Operation
	// compensations snapshots the undo lists just before a rollback consumes them.
	compensations []duet.Operation
	began         time.Time
	ended         time.Time
	reason        string
	// traceKey is the archive object key the trace landed on, "" when nothing
	// was archived.
	traceKey string
}

func txName(tid string) string {
	return "tx/" + tid
}

// New builds a Coordinator and starts its abandoned transaction sweep loop.
// Close stops the loop.
func New(options Options) (*Coordinator, error) {
	if options.GraphDriver == nil || options.RelationalDriver == nil {
		return nil, fmt.Errorf("GraphDriver & RelationalDriver are required")
	}
	if options.TransactionLog == nil {
		return nil, fmt.Errorf("TransactionLog is required")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("Cache is required")
	}
	if options.Handler == nil {
		options.Handler = duet.NewErrorHandler()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.New()
	}
	if options.Archiver == nil {
		options.Archiver = trace.NewNoopArchiver()
	}
	maxTime := options.MaxTime
	if maxTime <= 0 {
		maxTime = minCommitTime
	}
	if maxTime > maxCommitTime {
		maxTime = maxCommitTime
	}
	sweepInterval := options.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	retention := options.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	c := &Coordinator{
		graphDriver:      options.GraphDriver,
		relationalDriver: options.RelationalDriver,
		translog:         options.TransactionLog,
		cache:            options.Cache,
		handler:          options.Handler,
		metrics:          options.Metrics,
		archiver:         options.Archiver,
		transactions:     registry.New(),
		maxTime:          maxTime,
		sweepInterval:    sweepInterval,
		retention:        retention,
		logging:          !options.DisableLogging,
		// The first background sweep waits a full interval; the startup drain
		// is RecoverPending's job.
		lastSweepTime: duet.Now().Unix(),
		stop:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// Handler returns the failure journal shared with this coordinator. Diagnostic
// surfaces, e.g. the REST API, read escalations from it.
func (c *Coordinator) Handler() *duet.ErrorHandler {
	return c.handler
}

// Begin registers a new transaction in Preparing state under the caller's id.
func (c *Coordinator) Begin(ctx context.Context, tid string) error {
	if tid == "" {
		return duet.Error{Code: duet.Validation, Err: fmt.Errorf("transaction needs an id")}
	}
	return c.transactions.AtomicOperation(txName(tid), func() error {
		if _, ok := c.transactions.Get(txName(tid)); ok {
			return duet.Error{Code: duet.Validation, Err: fmt.Errorf("transaction id %q is already in use", tid)}
		}
		t := &transaction{
			id:     tid,
			status: duet.StatusPreparing,
			logger: newTransactionLogger(c.translog, c.logging),
			began:  duet.Now(),
		}
		if err := t.logger.log(ctx, beginTransaction, []byte(tid)); err != nil {
			return err
		}
		c.transactions.Set(txName(tid), t)
		log.Debug("transaction began", "tid", tid)
		return nil
	})
}

// PrepareGraph captures rollback payloads then stages ops on the graph store.
func (c *Coordinator) PrepareGraph(ctx context.Context, tid string, ops []duet.Operation) error {
	return c.prepare(ctx, tid, duet.BackendGraph, ops)
}

// PrepareRelational captures rollback payloads then stages ops on the relational store.
func (c *Coordinator) PrepareRelational(ctx context.Context, tid string, ops []duet.Operation) error {
	return c.prepare(ctx, tid, duet.BackendRelational, ops)
}

func (c *Coordinator) prepare(ctx context.Context, tid string, backend duet.Backend, ops []duet.Operation) error {
	return c.transactions.AtomicOperation(txName(tid), func() error {
		t, err := c.find(tid)
		if err != nil {
			return err
		}
		if t.status != duet.StatusPreparing && t.status != duet.StatusPrepared {
			return duet.Error{Code: duet.Validation,
				Err: fmt.Errorf("transaction %s is %s, prepare needs %s or %s", tid, t.status, duet.StatusPreparing, duet.StatusPrepared)}
		}

		// Validate the whole batch before staging any of it; a bad operation
		// aborts the transaction the same way a backend failure does.
		var stageErr error
		for _, op := range ops {
			if err := op.Validate(); err != nil {
				stageErr = err
				break
			}
		}

		if stageErr == nil {
			switch backend {
			case duet.BackendGraph:
				if t.graph == nil {
					logger := t.logger
					t.graph = NewGraphAdapter(c.graphDriver, func(ctx context.Context, undos []duet.Operation) error {
						return logger.log(ctx, prepareGraphOps, toByteArray(undos))
					})
				}
				stageErr = t.graph.Prepare(ctx, ops)
			case duet.BackendRelational:
				if t.relational == nil {
					logger := t.logger
					t.relational = NewRelationalAdapter(c.relationalDriver, func(ctx context.Context, undos []duet.Operation) error {
						return logger.log(ctx, prepareRelationalOps, toByteArray(undos))
					})
				}
				stageErr = t.relational.Prepare(ctx, ops)
			default:
				stageErr = duet.Error{Code: duet.Validation, Err: fmt.Errorf("unknown backend %d", backend)}
			}
		}

		if stageErr != nil {
			c.handler.Handle(ctx, tid, stageErr)
			if _, aerr := c.abort(ctx, t, stageErr); aerr != nil {
				return aerr
			}
			return stageErr
		}

		t.operations = append(t.operations, ops...)
		t.status = duet.StatusPrepared
		log.Debug("operations prepared", "tid", tid, "backend", backend.String(), "count", len(ops))
		return nil
	})
}

// CommitAll commits participants in the fixed order, graph before relational.
// It requires Prepared state and fences the id against other coordinator
// instances for the duration.
func (c *Coordinator) CommitAll(ctx context.Context, tid string) (duet.Status, error) {
	var status duet.Status
	err := c.transactions.AtomicOperation(txName(tid), func() error {
		t, err := c.find(tid)
		if err != nil {
			return err
		}
		status = t.status
		if t.status != duet.StatusPrepared {
			return duet.Error{Code: duet.Validation,
				Err: fmt.Errorf("transaction %s is %s, commit needs %s", tid, t.status, duet.StatusPrepared)}
		}

		// Cross instance fence. Another instance re-driving the same id, e.g.
		// recovery racing a slow commit, must not interleave with this round.
		lockKeys := c.cache.CreateLockKeys([]string{txName(tid)})
		if ok, _, lerr := c.cache.Lock(ctx, c.maxTime, lockKeys); !ok || lerr != nil {
			ferr := duet.Error{Code: duet.LockAcquisitionFailure,
				Err: fmt.Errorf("transaction %s commit fence is held by another instance", tid)}
			if lerr != nil {
				ferr.Err = fmt.Errorf("transaction %s commit fence: %w", tid, lerr)
			}
			c.handler.Handle(ctx, tid, ferr)
			return ferr
		}
		// Unlock with the caller's context so a commit timeout still releases the fence.
		defer c.cache.Unlock(ctx, lockKeys)

		cctx, cancel := context.WithTimeout(ctx, c.maxTime)
		defer cancel()

		start := duet.Now()
		status, err = c.commit(cctx, t)
		c.metrics.CommitDuration.Observe(duet.Now().Sub(start).Seconds())
		return err
	})
	return status, err
}

// commit runs the commit round. A graph failure aborts with the relational
// commit never attempted; a relational failure after the graph landed is the
// partial commit path and compensates the graph from its undo operations.
func (c *Coordinator) commit(ctx context.Context, t *transaction) (duet.Status, error) {
	t.status = duet.StatusCommitting

	if t.graph != nil {
		if err := t.logger.log(ctx, commitGraph, nil); err != nil {
			c.handler.Handle(ctx, t.id, err)
			return c.abort(ctx, t, err)
		}
		if err := t.graph.Commit(ctx); err != nil {
			c.handler.Handle(ctx, t.id, err)
			return c.abort(ctx, t, err)
		}
	}

	if t.relational != nil {
		// From here on the graph participant counts as committed; any failure
		// before finalize is a partial commit and compensates it.
		if err := t.logger.log(ctx, commitRelational, nil); err != nil {
			return c.secondLegFailure(ctx, t, err)
		}
		if err := t.relational.Commit(ctx); err != nil {
			return c.secondLegFailure(ctx, t, err)
		}
	}

	if err := t.logger.log(ctx, finalizeCommit, nil); err != nil {
		// Both participants landed, the transaction is committed. Recovery may
		// later flag the stale trail for review; removal below usually clears it.
		log.Warn("finalize log write failed", "tid", t.id, "error", err.Error())
	}
	c.finish(ctx, t, duet.StatusCommitted, nil)
	log.Info("transaction committed", "tid", t.id, "operations", len(t.operations))
	return t.status, nil
}

// RollbackAll undoes staged work on both participants. Valid from any
// non-terminal state; the result is Aborted, or NeedsManualReview when a
// compensating command fails.
func (c *Coordinator) RollbackAll(ctx context.Context, tid string) (duet.Status, error) {
	var status duet.Status
	err := c.transactions.AtomicOperation(txName(tid), func() error {
		t, err := c.find(tid)
		if err != nil {
			return err
		}
		status = t.status
		if !t.status.CanTransitionTo(duet.StatusAborting) {
			return duet.Error{Code: duet.Validation,
				Err: fmt.Errorf("transaction %s is %s and cannot roll back", tid, t.status)}
		}
		st, aerr := c.abort(ctx, t, nil)
		status = st
		return aerr
	})
	return status, err
}

// GetStatus reports the transaction's current state.
func (c *Coordinator) GetStatus(ctx context.Context, tid string) (duet.Status, error) {
	var status duet.Status
	err := c.transactions.AtomicOperation(txName(tid), func() error {
		t, err := c.find(tid)
		if err != nil {
			return err
		}
		status = t.status
		return nil
	})
	return status, err
}

// RetryCompensation re-drives the compensation of a transaction parked in
// NeedsManualReview. The terminal state itself never changes; success clears
// the retained undo lists and backend logs so the stores are convergent again.
// The compiled undo commands are idempotent, re-driving twice is safe.
func (c *Coordinator) RetryCompensation(ctx context.Context, tid string) error {
	return c.transactions.AtomicOperation(txName(tid), func() error {
		t, err := c.find(tid)
		if err != nil {
			return err
		}
		if t.status != duet.StatusNeedsManualReview {
			return duet.Error{Code: duet.Validation,
				Err: fmt.Errorf("transaction %s is %s, only %s can be re-driven", tid, t.status, duet.StatusNeedsManualReview)}
		}
		if err := c.rollbackParticipants(ctx, t); err != nil {
			c.handler.Handle(ctx, tid, err)
			return err
		}
		if t.logger != nil {
			if err := t.logger.removeLogs(ctx); err != nil {
				log.Warn("transaction log removal failed", "tid", tid, "error", err.Error())
			}
		}
		t.graph = nil
		t.relational = nil
		// Restart the retention clock; the resolved record ages out like any
		// other terminal from here.
		t.ended = duet.Now()
		c.metrics.CompensationsTotal.Inc()
		log.Info("compensation re-driven", "tid", tid)
		return nil
	})
}

// GetTrace fetches the archived trace document of a compensated or parked
// transaction from the archive store. Transactions that ended cleanly archive
// nothing and report a Validation error.
func (c *Coordinator) GetTrace(ctx context.Context, tid string) (trace.Trace, error) {
	var tr trace.Trace
	err := c.transactions.AtomicOperation(txName(tid), func() error {
		t, err := c.find(tid)
		if err != nil {
			return err
		}
		if t.traceKey == "" {
			return duet.Error{Code: duet.Validation,
				Err: fmt.Errorf("transaction %s has no archived trace", tid)}
		}
		var ferr error
		tr, ferr = c.archiver.Fetch(ctx, t.traceKey)
		return ferr
	})
	return tr, err
}

// Close stops the sweep loop and releases the pooled backend connections.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.loopDone
	})
	var lastErr error
	if err := c.graphDriver.Close(ctx); err != nil {
		lastErr = err
	}
	if err := c.relationalDriver.Close(ctx); err != nil {
		lastErr = err
	}
	return lastErr
}

func (c *Coordinator) find(tid string) (*transaction, error) {
	svc, ok := c.transactions.Get(txName(tid))
	if !ok {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("unknown transaction id %q", tid)}
	}
	return svc.(*transaction), nil
}

// abort undoes staged work on both participants and ends in Aborted, the
// pre-partial failure path. A compensating command failure escalates to
// NeedsManualReview instead. cause, when set, becomes the recorded reason.
func (c *Coordinator) abort(ctx context.Context, t *transaction, cause error) (duet.Status, error) {
	t.status = duet.StatusAborting
	t.compensations = collectUndos(t)
	if err := c.rollbackParticipants(ctx, t); err != nil {
		c.handler.Handle(ctx, t.id, err)
		c.finish(ctx, t, duet.StatusNeedsManualReview, cause)
		return t.status, err
	}
	c.finish(ctx, t, duet.StatusAborted, cause)
	return t.status, nil
}

// secondLegFailure routes a relational commit failure. With a graph participant
// in the transaction the graph already landed and this is a partial commit;
// without one, nothing landed and the transaction simply aborts.
func (c *Coordinator) secondLegFailure(ctx context.Context, t *transaction, err error) (duet.Status, error) {
	if t.graph == nil {
		c.handler.Handle(ctx, t.id, err)
		return c.abort(ctx, t, err)
	}
	return c.compensatePartial(ctx, t, err)
}

// compensatePartial handles the commit round's second leg failing after the
// first landed. It journals exactly one partial commit record carrying the full
// operation trace, then compensates the graph participant from its undos.
func (c *Coordinator) compensatePartial(ctx context.Context, t *transaction, cause error) (duet.Status, error) {
	pc := duet.Error{
		Code:     duet.PartialCommit,
		Err:      fmt.Errorf("graph committed but relational did not on transaction %s: %w", t.id, cause),
		UserData: t.operations,
	}
	c.handler.Handle(ctx, t.id, pc)

	t.status = duet.StatusAborting
	t.compensations = collectUndos(t)
	if err := c.rollbackParticipants(ctx, t); err != nil {
		c.handler.Handle(ctx, t.id, err)
		c.finish(ctx, t, duet.StatusNeedsManualReview, pc)
		return t.status, err
	}
	c.finish(ctx, t, duet.StatusAbortedWithCompensation, pc)
	return t.status, pc
}

// rollbackParticipants undoes both participants, relational first so its
// native discard or post-commit undos run before graph compensation. Only
// failures that leave durable divergence, signalled by the
// UnrecoverableCompensation code, are returned; a failed native discard is
// logged and left for the backend to expire with its dead connection.
func (c *Coordinator) rollbackParticipants(ctx context.Context, t *transaction) error {
	var lastErr error
	if t.relational != nil {
		if err := t.relational.Rollback(ctx); err != nil {
			if isUnrecoverable(err) {
				lastErr = err
			} else {
				log.Warn("relational discard failed, backend will expire the native transaction",
					"tid", t.id, "error", err.Error())
			}
		}
	}
	if t.graph != nil {
		if err := t.graph.Rollback(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func isUnrecoverable(err error) bool {
	var de duet.Error
	return errors.As(err, &de) && de.Code == duet.UnrecoverableCompensation
}

// collectUndos snapshots the undo operations a rollback is about to apply, for
// the trace archive. Graph undos always apply, they compensate the speculative
// prepare; relational undos only apply once its native transaction committed,
// before that the rollback is a plain discard.
func collectUndos(t *transaction) []duet.Operation {
	var undos []duet.Operation
	if t.graph != nil {
		undos = append(undos, t.graph.UndoOperations()...)
	}
	if t.relational != nil && t.relational.committed {
		undos = append(undos, t.relational.UndoOperations()...)
	}
	return undos
}

// finish stamps the terminal state, emits metrics, archives a trace for the
// divergence prone terminals and drops what the record no longer needs.
func (c *Coordinator) finish(ctx context.Context, t *transaction, status duet.Status, cause error) {
	t.status = status
	t.ended = duet.Now()
	if cause != nil {
		t.reason = cause.Error()
	}
	c.metrics.TransactionsTotal.WithLabelValues(status.String()).Inc()
	switch status {
	case duet.StatusAbortedWithCompensation:
		c.metrics.CompensationsTotal.Inc()
	case duet.StatusNeedsManualReview:
		c.metrics.ManualReviewsTotal.Inc()
	}

	if status == duet.StatusAbortedWithCompensation || status == duet.StatusNeedsManualReview {
		c.archive(ctx, t)
	}

	if status == duet.StatusNeedsManualReview {
		// Keep the adapters and the backend logs. The retained undo lists are
		// what RetryCompensation applies, and the log trail lets recovery step
		// in if this process dies before an operator does.
		return
	}
	if err := t.logger.removeLogs(ctx); err != nil {
		log.Warn("transaction log removal failed", "tid", t.id, "error", err.Error())
	}
	t.graph = nil
	t.relational = nil
}

// archive hands the transaction's trace to the archive store. Archiving is
// diagnostic; failures only log.
func (c *Coordinator) archive(ctx context.Context, t *transaction) {
	tr := trace.Trace{
		TransactionID: t.id,
		Status:        t.status.String(),
		Reason:        t.reason,
		Operations:    t.operations,
		Compensations: t.compensations,
		ErrorRecords:  c.handler.RecordsFor(t.id),
		Started:       t.began,
		Ended:         t.ended,
	}
	key, err := c.archiver.Archive(ctx, tr)
	if err != nil {
		log.Warn("trace archive failed", "tid", t.id, "error", err.Error())
		return
	}
	if key != "" {
		t.traceKey = key
		log.Info("trace archived", "tid", t.id, "key", key)
	}
}
