package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

// SQLiteRepository implements Repository using SQLite.
//
// It writes to the sessions table created by the embedded migrations.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed session history repository.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new session record at connect time.
// The record starts with no end time and zeroed traffic counters.
func (r *SQLiteRepository) Create(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO sessions (id, paircode, device_name, started_at) VALUES (?, ?, ?, ?)",
		rec.ID,
		rec.Paircode,
		rec.DeviceName,
		rec.StartedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", rec.ID, err)
	}

	return nil
}

// MarkPeerSeen flags the session as having seen its remote peer.
func (r *SQLiteRepository) MarkPeerSeen(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET peer_seen = 1 WHERE id = ?",
		id,
	)
	if err != nil {
		return fmt.Errorf("marking peer seen for session %s: %w", id, err)
	}

	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Finish closes the session record with its end time and traffic counters.
func (r *SQLiteRepository) Finish(ctx context.Context, id string, endedAt time.Time, eventsIn, eventsOut int64) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, events_in = ?, events_out = ? WHERE id = ?",
		endedAt.UTC().Format(time.RFC3339),
		eventsIn,
		eventsOut,
		id,
	)
	if err != nil {
		return fmt.Errorf("finishing session %s: %w", id, err)
	}

	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Recent returns the most recent sessions, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - limit: Maximum records to return (default 50, max 200)
//
// Returns:
//   - []Record: Records ordered by started_at DESC (may be empty)
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, paircode, device_name, started_at, ended_at, peer_seen, events_in, events_out
		 FROM sessions
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return records, nil
}

// scanSessionRow scans a session from a Rows cursor.
func scanSessionRow(rows *sql.Rows) (Record, error) {
	var rec Record
	var startedAt string
	var endedAt sql.NullString
	var peerSeen int

	if err := rows.Scan(&rec.ID, &rec.Paircode, &rec.DeviceName,
		&startedAt, &endedAt, &peerSeen, &rec.EventsIn, &rec.EventsOut); err != nil {
		return Record{}, fmt.Errorf("scanning session row: %w", err)
	}

	started, err := parseSessionTimestamp(startedAt)
	if err != nil {
		return Record{}, err
	}
	rec.StartedAt = started

	if endedAt.Valid {
		ended, err := parseSessionTimestamp(endedAt.String)
		if err != nil {
			return Record{}, err
		}
		rec.EndedAt = &ended
	}

	rec.PeerSeen = peerSeen != 0
	return rec, nil
}

// parseSessionTimestamp parses a timestamp stored in SQLite.
func parseSessionTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
}
