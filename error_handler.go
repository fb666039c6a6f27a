package duet

import (
	"context"
	"errors"
	log "log/slog"
	"strconv"
	"sync"
	"time"
)

// RecoveryStrategy is the action the error handler tells the caller to take next.
type RecoveryStrategy int

const (
	// Ignore means propagate the error to the caller and take no recovery action.
	Ignore RecoveryStrategy = iota
	// RetryWithBackoff means the operation may succeed if retried after a backoff.
	RetryWithBackoff
	// Compensate means committed participants have to be undone via compensating commands.
	Compensate
	// Escalate means automated recovery is off the table, flag for manual review.
	Escalate
)

func (s RecoveryStrategy) String() string {
	switch s {
	case RetryWithBackoff:
		return "retry_with_backoff"
	case Compensate:
		return "compensate"
	case Escalate:
		return "escalate"
	}
	return "ignore"
}

func (s RecoveryStrategy) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// ErrorRecord is the journal entry the handler writes for each failure event.
type ErrorRecord struct {
	ID            UUID             `json:"id"`
	TransactionID string           `json:"transaction_id"`
	Code          ErrorCode        `json:"code"`
	Severity      ErrorSeverity    `json:"severity"`
	Strategy      RecoveryStrategy `json:"strategy"`
	Message       string           `json:"message"`
	Occurred      time.Time        `json:"occurred"`
	UserData      any              `json:"user_data,omitempty"`
}

// recoveryEntry pairs the severity a failure is journaled with and the strategy
// the caller should apply.
type recoveryEntry struct {
	Severity ErrorSeverity
	Strategy RecoveryStrategy
}

// defaultRecoveryTable maps each error code to its severity and strategy.
// Dispatch is by code only, never by matching on error text.
var defaultRecoveryTable = map[ErrorCode]recoveryEntry{
	Unknown:                   {SeverityError, Escalate},
	Validation:                {SeverityWarning, Ignore},
	TransientBackend:          {SeverityWarning, RetryWithBackoff},
	PartialCommit:             {SeverityCritical, Compensate},
	ResourceExhausted:         {SeverityWarning, RetryWithBackoff},
	UnrecoverableCompensation: {SeverityCritical, Escalate},
	LockAcquisitionFailure:    {SeverityWarning, RetryWithBackoff},
}

// maxJournalRecords bounds the in-memory journal; the oldest entries are
// dropped once the bound is reached.
const maxJournalRecords = 4096

// ErrorHandler classifies failures, journals them and answers with the recovery
// strategy the caller should apply. One handler instance is shared by the
// coordinator and whoever surfaces the journal, e.g. the REST diagnostic API.
type ErrorHandler struct {
	mu      sync.Mutex
	table   map[ErrorCode]recoveryEntry
	records []ErrorRecord

	// OnRecord, when set, is invoked for every journaled record. Metrics use this.
	// Set it before the handler is shared across goroutines.
	OnRecord func(ErrorRecord)
}

func NewErrorHandler() *ErrorHandler {
	table := make(map[ErrorCode]recoveryEntry, len(defaultRecoveryTable))
	for k, v := range defaultRecoveryTable {
		table[k] = v
	}
	return &ErrorHandler{table: table}
}

// Override replaces the severity and strategy applied to an error code on this
// handler instance. Intended for deployment specific tuning, e.g. escalating
// transient backend errors in an environment with no retry budget.
func (h *ErrorHandler) Override(code ErrorCode, severity ErrorSeverity, strategy RecoveryStrategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table[code] = recoveryEntry{Severity: severity, Strategy: strategy}
}

// Handle journals exactly one record for the given failure and returns the
// strategy to apply. Callers invoke it once per failure event, not once per
// retry attempt of the same event.
func (h *ErrorHandler) Handle(ctx context.Context, transactionID string, err error) RecoveryStrategy {
	code := Unknown
	var userData any
	var de Error
	if errors.As(err, &de) {
		code = de.Code
		userData = de.UserData
	}
	h.mu.Lock()
	entry, ok := h.table[code]
	if !ok {
		entry = h.table[Unknown]
	}

	rec := ErrorRecord{
		ID:            NewUUID(),
		TransactionID: transactionID,
		Code:          code,
		Severity:      entry.Severity,
		Strategy:      entry.Strategy,
		Message:       err.Error(),
		Occurred:      Now(),
		UserData:      userData,
	}

	h.records = append(h.records, rec)
	if len(h.records) > maxJournalRecords {
		h.records = h.records[len(h.records)-maxJournalRecords:]
	}
	cb := h.OnRecord
	h.mu.Unlock()

	logAttrs := []any{"tid", transactionID, "code", code.String(), "severity", entry.Severity.String(), "strategy", entry.Strategy.String()}
	switch entry.Severity {
	case SeverityCritical, SeverityError:
		log.Error(err.Error(), logAttrs...)
	case SeverityWarning:
		log.Warn(err.Error(), logAttrs...)
	default:
		log.Info(err.Error(), logAttrs...)
	}

	if cb != nil {
		cb(rec)
	}
	return entry.Strategy
}

// Records returns a copy of the journal, oldest first.
func (h *ErrorHandler) Records() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ErrorRecord, len(h.records))
	copy(out, h.records)
	return out
}

// RecordsFor returns the journal entries of one transaction, oldest first.
func (h *ErrorHandler) RecordsFor(transactionID string) []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ErrorRecord
	for _, rec := range h.records {
		if rec.TransactionID == transactionID {
			out = append(out, rec)
		}
	}
	return out
}

// Escalations returns the journal entries flagged for manual review, oldest first.
func (h *ErrorHandler) Escalations() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ErrorRecord
	for _, rec := range h.records {
		if rec.Strategy == Escalate {
			out = append(out, rec)
		}
	}
	return out
}

// Prune drops journal entries older than the given time and returns how many were dropped.
func (h *ErrorHandler) Prune(before time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.records[:0]
	for _, rec := range h.records {
		if !rec.Occurred.Before(before) {
			kept = append(kept, rec)
		}
	}
	dropped := len(h.records) - len(kept)
	h.records = kept
	return dropped
}
