// Package sqlite provides the Standalone profile's transaction log, a single
// file SQLite database. It implements the same contract as the Cassandra log,
// so the coordinator and the recovery sweep do not know which profile they run
// under.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sharedcode/duet"
)

// DateHourLayout format mask string.
const DateHourLayout = "2006-01-02T15"

// Now lambda to allow unit test to inject replayable time.Now.
var Now = time.Now

const createTableStatement = `
CREATE TABLE IF NOT EXISTS t_log (
	id TEXT NOT NULL,
	c_f INTEGER NOT NULL,
	c_f_p BLOB,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (id, c_f)
);
CREATE INDEX IF NOT EXISTS idx_t_log_created_at ON t_log(created_at);
`

// TransactionLog is a SQLite-backed duet.TransactionLog. SQLite ids carry no
// timestamp the way Cassandra TimeUUIDs do, so age queries go through the
// created_at column instead.
type TransactionLog struct {
	db          *sql.DB
	hourLockKey *duet.LockKey
	cache       duet.Cache
}

// NewTransactionLog opens (creating if needed) the log database at filename.
func NewTransactionLog(filename string, cache duet.Cache) (*TransactionLog, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename parameter can't be empty")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("couldn't create log directory, details: %v", err)
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("couldn't open log database %s, details: %v", filename, err)
	}
	// One writer connection keeps SQLITE_BUSY out of the picture. The log is
	// low traffic (a handful of rows per transaction).
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTableStatement); err != nil {
		db.Close()
		return nil, fmt.Errorf("couldn't create t_log table, details: %v", err)
	}
	return &TransactionLog{
		db:          db,
		cache:       cache,
		hourLockKey: cache.CreateLockKeys([]string{"HBP"})[0],
	}, nil
}

// Close releases the underlying database file.
func (tl *TransactionLog) Close() error {
	return tl.db.Close()
}

// Add writes a log entry (commit function and payload) for the specified transaction ID.
// Writes replace on (id, c_f): prepare entries are re-logged with a growing
// undo list and the latest payload is the one recovery wants.
func (tl *TransactionLog) Add(ctx context.Context, tid duet.UUID, commitFunction int, payload []byte) error {
	_, err := tl.db.ExecContext(ctx, "INSERT OR REPLACE INTO t_log (id, c_f, c_f_p, created_at) VALUES (?, ?, ?, ?);",
		tid.String(), commitFunction, payload, Now().UTC().Unix())
	return err
}

// Remove deletes all log records of the given transaction ID.
func (tl *TransactionLog) Remove(ctx context.Context, tid duet.UUID) error {
	_, err := tl.db.ExecContext(ctx, "DELETE FROM t_log WHERE id = ?;", tid.String())
	return err
}

// NewUUID returns a new transaction ID. Random is fine here; age ordering
// comes from created_at, not from the ID bits.
func (tl *TransactionLog) NewUUID() duet.UUID {
	return duet.NewUUID()
}

// GetOne attempts to claim an old transaction-hour bucket and returns one TID and its log records for cleanup.
// If no work is available or the hour-level lock cannot be acquired, a NilUUID is returned.
func (tl *TransactionLog) GetOne(ctx context.Context) (duet.UUID, string, []duet.KeyValuePair[int, []byte], error) {
	duration := time.Duration(7 * time.Hour)

	if ok, _, err := tl.cache.Lock(ctx, duration, []*duet.LockKey{tl.hourLockKey}); !ok || err != nil {
		return duet.NilUUID, "", nil, nil
	}

	hour, tid, err := tl.getOne(ctx)
	if err != nil {
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, hour, nil, err
	}
	if tid.IsNil() {
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
	return tid, hour, r, nil
}

// GetLogsDetails claims work for a specific hour bucket if within the allowable window
// and returns one TID and its records.
func (tl *TransactionLog) GetLogsDetails(ctx context.Context, hour string) (duet.UUID, []duet.KeyValuePair[int, []byte], error) {
	if hour == "" {
		return duet.NilUUID, nil, nil
	}

	t, err := time.Parse(DateHourLayout, hour)
	if err != nil {
		return duet.NilUUID, nil, err
	}

	// Put a max time of four hours for a given cleanup processor.
	mh, _ := time.Parse(DateHourLayout, Now().Format(DateHourLayout))
	if mh.Sub(t).Hours() > 4 {
		// Unlock the hour to allow open opportunity to claim the next cleanup processing.
		// Capping to 4th hour (lock TTL is 7hrs) maintains only one cleaner process at a time.
		tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
		return duet.NilUUID, nil, nil
	}

	row := tl.db.QueryRowContext(ctx, "SELECT id FROM t_log WHERE created_at <= ? ORDER BY created_at, id LIMIT 1;", t.UTC().Unix())
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			// Unlock the hour.
			tl.cache.Unlock(ctx, []*duet.LockKey{tl.hourLockKey})
			return duet.NilUUID, nil, nil
		}
		return duet.NilUUID, nil, err
	}
	tid, err := duet.ParseUUID(id)
	if err != nil {
		return duet.NilUUID, nil, err
	}

	r, err := tl.getLogsDetails(ctx, tid)
	return tid, r, err
}

// getOne returns the hour string and a candidate transaction ID older than the capped window for cleanup.
func (tl *TransactionLog) getOne(ctx context.Context) (string, duet.UUID, error) {
	mh, _ := time.Parse(DateHourLayout, Now().Format(DateHourLayout))
	// 70 minute capped hour as transaction has a max of 60min "commit time". 10 min
	// gap ensures no issue due to overlapping.
	cappedHour := mh.Add(-time.Duration(70 * time.Minute))

	row := tl.db.QueryRowContext(ctx, "SELECT id FROM t_log WHERE created_at <= ? ORDER BY created_at, id LIMIT 1;", cappedHour.UTC().Unix())
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", duet.NilUUID, nil
		}
		return "", duet.NilUUID, err
	}
	tid, err := duet.ParseUUID(id)
	if err != nil {
		return "", duet.NilUUID, err
	}
	return cappedHour.Format(DateHourLayout), tid, nil
}

// getLogsDetails reads all commit records for the specified transaction ID, in commit function order.
func (tl *TransactionLog) getLogsDetails(ctx context.Context, tid duet.UUID) ([]duet.KeyValuePair[int, []byte], error) {
	rows, err := tl.db.QueryContext(ctx, "SELECT c_f, c_f_p FROM t_log WHERE id = ? ORDER BY c_f;", tid.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r := make([]duet.KeyValuePair[int, []byte], 0, 4)
	for rows.Next() {
		var cf int
		var cfp []byte
		if err := rows.Scan(&cf, &cfp); err != nil {
			return r, err
		}
		r = append(r, duet.KeyValuePair[int, []byte]{
			Key:   cf,
			Value: cfp,
		})
	}
	return r, rows.Err()
}
