package duet

import (
	"context"
)

// Transaction Log specifies the API(methods) needed to implement logging for the transaction.
//
// Each commit step is logged before it executes, so a crashed or rebooted host
// leaves behind a trail that tells recovery exactly how far the transaction got.
// Logs of a transaction are removed once it reaches a terminal state.
type TransactionLog interface {
	// Add a transaction log.
	Add(ctx context.Context, tid UUID, commitFunction int, payload []byte) error
	// Remove all logs of a given transaction.
	Remove(ctx context.Context, tid UUID) error

	// GetOne will fetch the oldest transaction logs from the backend, older than 1 hour ago, mark it so succeeding call
	// will return the next hour and so on, until no more, upon reaching the current hour.
	//
	// GetOne behaves like a job distributor by the hour. duet uses it to sprinkle/distribute the work of cleaning up
	// left over work by unfinished transactions in time. Be it due to crash or host reboot, any abandoned
	// transaction will then age and reach the expiration limit, then get resolved. This method is used to do distribution.
	//
	// It is capped to an hour ago older because anything newer may still be an in-flight or ongoing transaction.
	GetOne(ctx context.Context) (UUID, string, []KeyValuePair[int, []byte], error)

	// Given a date hour, returns an available for cleanup set of transaction logs with their Transaction ID.
	// Or nils if there is no more needing cleanup for this date hour.
	GetLogsDetails(ctx context.Context, hour string) (UUID, []KeyValuePair[int, []byte], error)

	// NewUUID returns a new transaction ID. Backends that order log rows by ID
	// time (Cassandra TimeUUID) generate time-based IDs so the hour-bucket
	// queries see logs in age order.
	NewUUID() UUID
}
