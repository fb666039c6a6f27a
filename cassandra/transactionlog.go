package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/duet"
)

const (
	// DateHourLayout format mask string.
	DateHourLayout = "2006-01-02T15"

	// Transaction logging only needs the least consistency level because we only need the logs to aid in cleanup of
	// "hanged" transactions, which are rare and have no "cleanup" urgency requirement.
	//
	// Transactions are designed to auto cleanup their logs during commit or rollback.
	transactionLoggingConsistency = gocql.LocalOne
)

// Now lambda to allow unit test to inject replayable time.Now.
var Now = time.Now

// NilUUID with gocql.UUID type.
var NilUUID = gocql.UUID(duet.NilUUID)

// IsNil returns true if id is nil or empty UUID, otherwise false.
func IsNil(id gocql.UUID) bool {
	return duet.UUID(id).IsNil()
}

type transactionLog struct {
	hourLockKey *duet.LockKey
	cache       duet.Cache
}

// NewTransactionLog returns a Cassandra-backed implementation of duet.TransactionLog.
// The cache carries the hour-bucket claim lock so only one coordinator instance
// sweeps abandoned transactions at a time.
func NewTransactionLog(cache duet.Cache) duet.TransactionLog {
	return &transactionLog{
		cache:       cache,
		hourLockKey: cache.CreateLockKeys([]string{"HBP"})[0],
	}
}

// Add writes a log entry (commit function and payload) for the specified transaction ID into Cassandra (t_log table).
func (tl *transactionLog) Add(ctx context.Context, tid duet.UUID, commitFunction int, payload []byte) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	insertStatement := fmt.Sprintf("INSERT INTO %s.t_log (id, c_f, c_f_p) VALUES(?,?,?);", connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, gocql.UUID(tid), commitFunction, payload).WithContext(ctx).Consistency(transactionLoggingConsistency)
	if err := qry.Exec(); err != nil {
		return err
	}
	return nil
}

// Remove deletes transaction log records in the t_log table for the given transaction ID.
func (tl *transactionLog) Remove(ctx context.Context, tid duet.UUID) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.t_log WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(deleteStatement, gocql.UUID(tid)).WithContext(ctx).Consistency(transactionLoggingConsistency)
	if err := qry.Exec(); err != nil {
		return err
	}

	return nil
}

// NewUUID generates a new time-based UUID for use as a transaction ID. Time-based
// so the hour-bucket queries see log rows in age order.
func (tl *transactionLog) NewUUID() duet.UUID {
	return duet.UUID(gocql.UUIDFromTime(Now().UTC()))
}

// GetOne attempts to claim an old transaction-hour bucket and returns one TID and its log records for cleanup.
// If no work is available or the hour-level lock cannot be acquired, a NilUUID is returned.
func (tl *transactionLog) GetOne(ctx context.Context) (duet.UUID, string, []duet.KeyValuePair[int, []byte], error) {
	duration := time.Duration(7 * time.Hour)

	if ok, _, err := tl.cache.Lock(ctx, duration, []*duet.LockKey{tl.hourLockKey}); !ok || err != nil {
		return duet.NilUUID, "", nil, nil
	}

	hour, tid, err := tl.getOne(ctx)
	if err != nil {
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, hour, nil, err
	}
	if IsNil(tid) {
		// Unlock the hour.
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, "", nil, nil
	}

	r, err := tl.getLogsDetails(ctx, tid)
	if err != nil {
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, "", nil, err
	}
	// Check one more time to remove race condition issue.
	if ok, err := tl.cache.IsLocked(ctx, []*duet.LockKey{tl.hourLockKey}); !ok || err != nil {
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		// Just return nils as we can't attain a lock.
		return duet.NilUUID, "", nil, nil
	}
	return duet.UUID(tid), hour, r, nil
}

// GetLogsDetails claims work for a specific hour bucket if within the allowable window
// and returns one TID and its records.
func (tl *transactionLog) GetLogsDetails(ctx context.Context, hour string) (duet.UUID, []duet.KeyValuePair[int, []byte], error) {
	if hour == "" {
		return duet.NilUUID, nil, nil
	}
	if connection == nil {
		return duet.NilUUID, nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	t, err := time.Parse(DateHourLayout, hour)
	if err != nil {
		return duet.NilUUID, nil, err
	}

	// Put a max time of four hours for a given cleanup processor.
	mh, _ := time.Parse(DateHourLayout, Now().Format(DateHourLayout))
	if mh.Sub(t).Hours() > 4 {
		// Unlock the hour to allow open opportunity to claim the next cleanup processing.
		// Capping to 4th hour (Redis cache lock is set to 7hrs) maintains only one cleaner process at a time.
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, nil, nil
	}

	hrid := gocql.UUIDFromTime(t)

	selectStatement := fmt.Sprintf("SELECT id FROM %s.t_log WHERE id < ? LIMIT 1 ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, hrid).WithContext(ctx).Consistency(transactionLoggingConsistency)

	iter := qry.Iter()
	var tid gocql.UUID
	for iter.Scan(&tid) {
	}
	if err := iter.Close(); err != nil {
		return duet.NilUUID, nil, err
	}

	if IsNil(tid) {
		// Unlock the hour.
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, nil, nil
	}

	r, err := tl.getLogsDetails(ctx, tid)
	return duet.UUID(tid), r, err
}

// getOne returns the hour string and a candidate transaction ID older than the capped window for cleanup.
func (tl *transactionLog) getOne(ctx context.Context) (string, gocql.UUID, error) {
	mh, _ := time.Parse(DateHourLayout, Now().Format(DateHourLayout))
	// 70 minute capped hour as transaction has a max of 60min "commit time". 10 min
	// gap ensures no issue due to overlapping.
	cappedHour := mh.Add(-time.Duration(70 * time.Minute))
	cappedHourTID := gocql.UUIDFromTime(cappedHour)

	if connection == nil {
		return "", NilUUID, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id FROM %s.t_log WHERE id < ? LIMIT 1 ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, cappedHourTID).WithContext(ctx).Consistency(transactionLoggingConsistency)

	iter := qry.Iter()
	var tid gocql.UUID
	for iter.Scan(&tid) {
	}
	if err := iter.Close(); err != nil {
		return "", NilUUID, err
	}
	return cappedHour.Format(DateHourLayout), tid, nil
}

// getLogsDetails reads all commit records for the specified transaction ID from Cassandra.
func (tl *transactionLog) getLogsDetails(ctx context.Context, tid gocql.UUID) ([]duet.KeyValuePair[int, []byte], error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT c_f, c_f_p FROM %s.t_log WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, tid).WithContext(ctx).Consistency(transactionLoggingConsistency)

	iter := qry.Iter()
	r := make([]duet.KeyValuePair[int, []byte], 0, iter.NumRows())
	var c_f int
	var c_f_p []byte
	for iter.Scan(&c_f, &c_f_p) {
		r = append(r, duet.KeyValuePair[int, []byte]{
			Key:   c_f,
			Value: c_f_p,
		})
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}
