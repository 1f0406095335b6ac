// Package history records pairing sessions for later review.
//
// Every session gets one row: created at connect, flagged when the remote
// controller first announces itself, and closed with traffic counters at
// disconnect. The relay writes through the Repository interface; the host
// API reads recent sessions back out for operators.
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use from multiple goroutines
// (SQLite WAL mode + connection pooling).
package history
