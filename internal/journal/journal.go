// Package journal implements the durable, strictly-sequenced event log
// each session hub appends to before fanning events out to clients.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kandev/relay/internal/common/errors"
)

// Event is a single journaled item. Seq is dense and monotonic per
// sessionId, starting at 1; until PruneOlderThan removes rows, the set of
// Seq values for a session is a contiguous prefix of the positive
// integers. Events are never mutated after insertion.
type Event struct {
	SessionID string          `json:"sessionId" db:"session_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// Journal is the interface the session hub and REST replay endpoint use.
// Implementations must be safe for concurrent use from any goroutine; in
// practice each session's hub serializes its own appends, so cross-session
// concurrency is the only concurrency a Journal needs to handle well.
type Journal interface {
	// Append allocates the next seq for sessionID inside a transaction,
	// writes the row, and returns the assigned seq. Returns a Conflict
	// AppError if a concurrent appender for the same session raced it;
	// callers retry.
	Append(ctx context.Context, sessionID string, eventType string, payload json.RawMessage) (int64, error)

	// RangeAfter returns up to limit events with seq > afterSeq in
	// ascending order, plus the current max seq for the session (0 if the
	// session has no events yet).
	RangeAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, int64, error)

	// PruneOlderThan deletes events created before cutoff and returns the
	// number of rows removed. Session seq numbering is unaffected: pruning
	// never renumbers surviving events, so a pruned session's seq set is
	// no longer a contiguous prefix starting at 1, only a contiguous range.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

type sqlJournal struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ Journal = (*sqlJournal)(nil)

// Provide builds a SQL-backed journal. writer must be the single
// connection (or connection pool) that serializes the append
// read-max/write-row sequence; reader may be a separate read replica
// handle or the same handle as writer.
func Provide(writer, reader *sqlx.DB) (Journal, error) {
	j := &sqlJournal{db: writer, ro: reader}
	if err := j.initSchema(); err != nil {
		return nil, fmt.Errorf("journal schema init: %w", err)
	}
	return j, nil
}

func (j *sqlJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal_events (
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		type        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_journal_events_created_at ON journal_events(created_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *sqlJournal) Close() error {
	return nil
}

// Append allocates the next seq with SELECT MAX(seq)+1 inside a single
// transaction against the writer handle, then inserts the row. The
// session hub is expected to serialize its own appends, so the unique
// primary key violation this guards against should never actually fire
// in steady-state operation; it exists as a hard backstop for the
// monotonicity invariant, not the primary mechanism enforcing it.
func (j *sqlJournal) Append(ctx context.Context, sessionID string, eventType string, payload json.RawMessage) (int64, error) {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.JournalError("begin append transaction", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM journal_events WHERE session_id = ?`, sessionID); err != nil {
		return 0, apperrors.JournalError("read max seq", err)
	}

	nextSeq := int64(1)
	if maxSeq.Valid {
		nextSeq = maxSeq.Int64 + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_events (session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, nextSeq, eventType, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return 0, apperrors.Conflict(fmt.Sprintf("seq %d already taken for session %s, retry", nextSeq, sessionID))
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.JournalError("commit append transaction", err)
	}
	return nextSeq, nil
}

func (j *sqlJournal) RangeAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, int64, error) {
	var lastSeq sql.NullInt64
	if err := j.ro.GetContext(ctx, &lastSeq, `SELECT MAX(seq) FROM journal_events WHERE session_id = ?`, sessionID); err != nil {
		return nil, 0, apperrors.JournalError("read current max seq", err)
	}

	var rows []journalRow
	err := j.ro.SelectContext(ctx, &rows, `
		SELECT session_id, seq, type, payload, created_at
		FROM journal_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, 0, apperrors.JournalError("range query", err)
	}

	events := make([]Event, len(rows))
	for i, r := range rows {
		events[i] = r.toEvent()
	}

	max := int64(0)
	if lastSeq.Valid {
		max = lastSeq.Int64
	}
	return events, max, nil
}

func (j *sqlJournal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `DELETE FROM journal_events WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, apperrors.JournalError("prune", err)
	}
	return result.RowsAffected()
}

type journalRow struct {
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Type      string    `db:"type"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (r journalRow) toEvent() Event {
	return Event{
		SessionID: r.SessionID,
		Seq:       r.Seq,
		Type:      r.Type,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}
