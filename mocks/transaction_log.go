package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/duet"
)

const hourLayout = "2006-01-02T15"

// MockTransactionLog keeps transaction logs in memory with the same shape the
// real backends give them: one payload per (transaction, commit function),
// where re-adding a commit function replaces its payload, and hour-bucket
// sweeping that only hands out logs older than AgeCap. Tests move Now forward
// to age entries.
type MockTransactionLog struct {
	mu   sync.Mutex
	logs map[duet.UUID]map[int][]byte
	born map[duet.UUID]time.Time

	// Now is the mock's clock.
	Now func() time.Time
	// AgeCap is how old a transaction's logs must be before the sweep may take them.
	AgeCap time.Duration

	// AddErr and RemoveErr fail the respective calls when set.
	AddErr    error
	RemoveErr error
}

var _ duet.TransactionLog = (*MockTransactionLog)(nil)

func NewMockTransactionLog() *MockTransactionLog {
	return &MockTransactionLog{
		logs:   map[duet.UUID]map[int][]byte{},
		born:   map[duet.UUID]time.Time{},
		Now:    time.Now,
		AgeCap: 70 * time.Minute,
	}
}

func (tl *MockTransactionLog) Add(ctx context.Context, tid duet.UUID, commitFunction int, payload []byte) error {
	if tl.AddErr != nil {
		return tl.AddErr
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	entries, ok := tl.logs[tid]
	if !ok {
		entries = map[int][]byte{}
		tl.logs[tid] = entries
		tl.born[tid] = tl.Now()
	}
	entries[commitFunction] = payload
	return nil
}

func (tl *MockTransactionLog) Remove(ctx context.Context, tid duet.UUID) error {
	if tl.RemoveErr != nil {
		return tl.RemoveErr
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	delete(tl.logs, tid)
	delete(tl.born, tid)
	return nil
}

func (tl *MockTransactionLog) NewUUID() duet.UUID {
	return duet.NewUUID()
}

func (tl *MockTransactionLog) GetOne(ctx context.Context) (duet.UUID, string, []duet.KeyValuePair[int, []byte], error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tid, ok := tl.oldestEligible("")
	if !ok {
		return duet.NilUUID, "", nil, nil
	}
	return tid, tl.born[tid].UTC().Format(hourLayout), tl.entriesOf(tid), nil
}

func (tl *MockTransactionLog) GetLogsDetails(ctx context.Context, hour string) (duet.UUID, []duet.KeyValuePair[int, []byte], error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tid, ok := tl.oldestEligible(hour)
	if !ok {
		return duet.NilUUID, nil, nil
	}
	return tid, tl.entriesOf(tid), nil
}

// oldestEligible finds the oldest aged transaction, optionally restricted to an
// hour bucket. Ties break on the ID so repeated calls are deterministic.
func (tl *MockTransactionLog) oldestEligible(hour string) (duet.UUID, bool) {
	cutoff := tl.Now().Add(-tl.AgeCap)
	var best duet.UUID
	found := false
	for tid, born := range tl.born {
		if born.After(cutoff) {
			continue
		}
		if hour != "" && born.UTC().Format(hourLayout) != hour {
			continue
		}
		if !found || born.Before(tl.born[best]) ||
			(born.Equal(tl.born[best]) && tid.String() < best.String()) {
			best = tid
			found = true
		}
	}
	return best, found
}

// entriesOf returns a transaction's log entries ordered by commit function.
func (tl *MockTransactionLog) entriesOf(tid duet.UUID) []duet.KeyValuePair[int, []byte] {
	entries := tl.logs[tid]
	keys := make([]int, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]duet.KeyValuePair[int, []byte], 0, len(keys))
	for _, k := range keys {
		out = append(out, duet.KeyValuePair[int, []byte]{Key: k, Value: entries[k]})
	}
	return out
}

// Count reports how many transactions still have logs.
func (tl *MockTransactionLog) Count() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.logs)
}

// Entries returns a transaction's log entries ordered by commit function, or
// nil when it has none.
func (tl *MockTransactionLog) Entries(tid duet.UUID) []duet.KeyValuePair[int, []byte] {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if _, ok := tl.logs[tid]; !ok {
		return nil
	}
	return tl.entriesOf(tid)
}
