package coordinator

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"github.com/sharedcode/duet"
)

const (
	// defaultSweepInterval paces the abandoned transaction sweep when nothing is
	// pending. While an hour bucket is mid drain the pace drops to
	// busySweepInterval so the backlog clears within the day, not all at once.
	defaultSweepInterval = 4 * time.Hour
	busySweepInterval    = 5 * time.Minute
	// sweepTick is how often the loop wakes to check whether a sweep is due.
	sweepTick = time.Minute
)

func (c *Coordinator) sweepLoop() {
	defer close(c.loopDone)
	ticker := time.NewTicker(sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictFinished()
			c.onIdle(context.Background())
		}
	}
}

// onIdle runs one sweep pass when its interval has elapsed. The interval check
// is cheap enough to run every tick.
func (c *Coordinator) onIdle(ctx context.Context) {
	interval := c.sweepInterval
	if c.getHourBeingProcessed() != "" {
		interval = busySweepInterval
	}

	now := duet.Now().Unix()
	c.lastSweepMu.Lock()
	if now < c.lastSweepTime+int64(interval/time.Second) {
		c.lastSweepMu.Unlock()
		return
	}
	c.lastSweepTime = now
	c.lastSweepMu.Unlock()

	if _, err := c.processExpiredTransactionLogs(ctx); err != nil {
		log.Warn("abandoned transaction sweep failed", "error", err.Error())
	}
}

// evictFinished drops finished transaction records whose retention elapsed,
// together with their per name locks, so a long lived coordinator's memory
// does not grow with every transaction it ever served. A record parked in
// NeedsManualReview still holding its undo lists is the operator's re-drive
// handle and stays; once re-driven it ages out like any other terminal. The
// durable outcome survives in the metrics, the failure journal and the trace
// archive.
func (c *Coordinator) evictFinished() {
	cutoff := duet.Now().Add(-c.retention)
	for _, name := range c.transactions.Names() {
		if !strings.HasPrefix(name, "tx/") {
			continue
		}
		_ = c.transactions.AtomicOperation(name, func() error {
			svc, ok := c.transactions.Get(name)
			if !ok {
				return nil
			}
			t := svc.(*transaction)
			if !t.status.IsTerminal() || t.ended.After(cutoff) {
				return nil
			}
			if t.status == duet.StatusNeedsManualReview && (t.graph != nil || t.relational != nil) {
				return nil
			}
			c.transactions.Delete(name)
			log.Debug("finished transaction record evicted", "tid", t.id, "status", t.status.String())
			return nil
		})
	}
}

// RecoverPending drains every aged transaction log the backend will hand out
// and resolves each. Meant to run at startup before serving traffic; after
// that the background sweep keeps up with strays.
func (c *Coordinator) RecoverPending(ctx context.Context) error {
	for {
		worked, err := c.processExpiredTransactionLogs(ctx)
		if err != nil {
			return err
		}
		if !worked {
			return nil
		}
	}
}

// processExpiredTransactionLogs fetches and resolves one abandoned transaction,
// or steps the hour bucket bookkeeping forward. It reports whether it made any
// progress, so callers can loop until the backend has nothing aged left. The
// backend's hour locking spreads this work across coordinator instances.
func (c *Coordinator) processExpiredTransactionLogs(ctx context.Context) (bool, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	var logTid duet.UUID
	var logs []duet.KeyValuePair[int, []byte]

	hour := c.getHourBeingProcessed()
	if hour == "" {
		tid, h, details, err := c.translog.GetOne(ctx)
		if err != nil {
			return false, err
		}
		if h == "" || tid.IsNil() {
			return false, nil
		}
		c.setHourBeingProcessed(h)
		logTid, logs = tid, details
	} else {
		tid, details, err := c.translog.GetLogsDetails(ctx, hour)
		if err != nil {
			return false, err
		}
		if tid.IsNil() && details == nil {
			// Hour bucket drained.
			c.setHourBeingProcessed("")
			return true, nil
		}
		logTid, logs = tid, details
	}

	if err := c.resolveAbandoned(ctx, logTid, logs); err != nil {
		return false, err
	}
	return true, nil
}

// resolveAbandoned resolves one crashed or abandoned transaction from its log
// trail. The highest logged commit function tells how far it got:
//
//	finalizeCommit:    both participants landed; the logs are leftovers.
//	commitRelational:  the relational outcome is in doubt. It is never auto
//	                   reverted, later transactions may already have read the
//	                   committed rows; the transaction is parked for manual
//	                   review with its undo lists instead.
//	commitGraph:       the relational commit never started and its native
//	                   transaction died with the process; compensate the graph.
//	prepare*, begin:   only speculative graph writes can have landed; undo them.
//
// The logs are removed whatever the outcome so the sweep keeps moving.
// Escalations stay durable through the failure journal, the critical log line
// and the trace archive.
func (c *Coordinator) resolveAbandoned(ctx context.Context, logTid duet.UUID, logs []duet.KeyValuePair[int, []byte]) error {
	externalID := logTid.String()
	var graphUndos, relationalUndos []duet.Operation
	last := unknownStep
	for _, kv := range logs {
		f := commitFunction(kv.Key)
		if f > last {
			last = f
		}
		switch f {
		case beginTransaction:
			if len(kv.Value) > 0 {
				externalID = string(kv.Value)
			}
		case prepareGraphOps:
			graphUndos = toStruct[[]duet.Operation](kv.Value)
		case prepareRelationalOps:
			relationalUndos = toStruct[[]duet.Operation](kv.Value)
		}
	}

	switch {
	case last >= finalizeCommit:
		log.Debug("sweep found a finished transaction's leftover logs", "tid", externalID)

	case last == commitRelational:
		cause := duet.Error{Code: duet.PartialCommit,
			Err: fmt.Errorf("host died mid relational commit of transaction %s, outcome in doubt", externalID)}
		c.handler.Handle(ctx, externalID, cause)
		c.parkForReview(ctx, externalID, logTid, graphUndos, relationalUndos, cause)
		c.metrics.RecoveredTotal.WithLabelValues("manual_review").Inc()

	case last == commitGraph:
		if err := c.applyUndos(ctx, graphUndos); err != nil {
			c.handler.Handle(ctx, externalID, err)
			c.parkForReview(ctx, externalID, logTid, graphUndos, nil, err)
			c.metrics.RecoveredTotal.WithLabelValues("manual_review").Inc()
			break
		}
		c.closeLocalRecord(externalID, duet.StatusAbortedWithCompensation, nil)
		c.metrics.RecoveredTotal.WithLabelValues("compensated").Inc()
		c.metrics.CompensationsTotal.Inc()
		log.Info("abandoned transaction compensated", "tid", externalID)

	default:
		if err := c.applyUndos(ctx, graphUndos); err != nil {
			c.handler.Handle(ctx, externalID, err)
			c.parkForReview(ctx, externalID, logTid, graphUndos, nil, err)
			c.metrics.RecoveredTotal.WithLabelValues("manual_review").Inc()
			break
		}
		c.closeLocalRecord(externalID, duet.StatusAborted, nil)
		c.metrics.RecoveredTotal.WithLabelValues("rolled_back").Inc()
		log.Info("abandoned transaction rolled back", "tid", externalID)
	}

	return c.translog.Remove(ctx, logTid)
}

// applyUndos re-applies captured graph undo operations newest first. The
// compiled commands are idempotent, so a second pass over a list that partly
// ran before a crash is safe.
func (c *Coordinator) applyUndos(ctx context.Context, undos []duet.Operation) error {
	var lastErr error
	for i := len(undos) - 1; i >= 0; i-- {
		query, params, err := compileGraphWrite(undos[i])
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := executeGraph(ctx, c.graphDriver, query, params); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return duet.Error{Code: duet.UnrecoverableCompensation, Err: lastErr}
	}
	return nil
}

// parkForReview registers, or updates, an in-memory record in NeedsManualReview
// with adapters rebuilt from the logged undo lists, so an operator can re-drive
// compensation through RetryCompensation. The trace archive keeps the durable copy.
func (c *Coordinator) parkForReview(ctx context.Context, externalID string, logTid duet.UUID, graphUndos, relationalUndos []duet.Operation, cause error) {
	_ = c.transactions.AtomicOperation(txName(externalID), func() error {
		var t *transaction
		if svc, ok := c.transactions.Get(txName(externalID)); ok {
			t = svc.(*transaction)
			if t.status.IsTerminal() {
				// Resolved locally while the sweep was looking at its logs.
				return nil
			}
		} else {
			t = &transaction{id: externalID}
			c.transactions.Set(txName(externalID), t)
		}

		t.logger = &transactionLogger{logger: c.translog, logging: c.logging, transactionID: logTid}
		if len(graphUndos) > 0 {
			t.graph = &GraphAdapter{driver: c.graphDriver, undos: graphUndos, committed: true}
		}
		if len(relationalUndos) > 0 {
			t.relational = &RelationalAdapter{driver: c.relationalDriver, undos: relationalUndos, committed: true}
		}
		t.status = duet.StatusNeedsManualReview
		t.ended = duet.Now()
		if cause != nil {
			t.reason = cause.Error()
		}
		t.compensations = append(append([]duet.Operation{}, graphUndos...), relationalUndos...)

		c.metrics.TransactionsTotal.WithLabelValues(t.status.String()).Inc()
		c.metrics.ManualReviewsTotal.Inc()
		c.archive(ctx, t)
		log.Warn("transaction parked for manual review", "tid", externalID, "reason", t.reason)
		return nil
	})
}

// closeLocalRecord moves a swept transaction's in-memory record, when this
// process owns one, to the terminal state the sweep produced, so status
// queries agree with what happened to the backends.
func (c *Coordinator) closeLocalRecord(externalID string, status duet.Status, cause error) {
	_ = c.transactions.AtomicOperation(txName(externalID), func() error {
		svc, ok := c.transactions.Get(txName(externalID))
		if !ok {
			return nil
		}
		t := svc.(*transaction)
		if t.status.IsTerminal() {
			return nil
		}
		t.status = status
		t.ended = duet.Now()
		if cause != nil {
			t.reason = cause.Error()
		}
		t.graph = nil
		t.relational = nil
		c.metrics.TransactionsTotal.WithLabelValues(status.String()).Inc()
		return nil
	})
}

func (c *Coordinator) getHourBeingProcessed() string {
	c.hourMu.Lock()
	defer c.hourMu.Unlock()
	return c.hourBeingProcessed
}

func (c *Coordinator) setHourBeingProcessed(hour string) {
	c.hourMu.Lock()
	defer c.hourMu.Unlock()
	c.hourBeingProcessed = hour
}
