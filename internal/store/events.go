package store

import (
	"context"
	"database/sql"
	"errors"
)

// Streaming states shared by events and messages rows.
const (
	StreamFinal   = 0
	StreamPartial = 1
	StreamFailed  = 2
)

// Event is one row of the per-user log: a user echo or an assistant
// message. PayloadJSON is the wire envelope sent to clients, stored
// verbatim so replay can emit it without re-serializing.
type Event struct {
	ID                  string
	UserID              string
	Sequence            int64
	OriginatingDeviceID string // set only on user echoes
	Type                string
	Streaming           int
	PayloadJSON         string
	PayloadBytes        int64
	Timestamp           int64 // unix ms
}

const eventColumns = "id, userId, sequence, originatingDeviceId, type, streaming, payloadJson, payloadBytes, timestamp"

func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var origin sql.NullString
	err := scanner.Scan(&ev.ID, &ev.UserID, &ev.Sequence, &origin, &ev.Type,
		&ev.Streaming, &ev.PayloadJSON, &ev.PayloadBytes, &ev.Timestamp)
	if err != nil {
		return Event{}, err
	}
	if origin.Valid {
		ev.OriginatingDeviceID = origin.String
	}
	return ev, nil
}

// AllocateSequence reserves the next sequence for userID inside the
// caller's transaction. The first allocation for a user yields 1.
func AllocateSequence(tx *sql.Tx, userID string) (int64, error) {
	query := `
	INSERT INTO user_sequences (userId, nextSequence) VALUES (?, 2)
	ON CONFLICT(userId) DO UPDATE SET nextSequence = nextSequence + 1
	RETURNING nextSequence - 1
	`
	var seq int64
	if err := tx.QueryRow(query, userID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// InsertEvent appends one log row inside the caller's transaction.
func InsertEvent(tx *sql.Tx, ev Event) error {
	query := `
	INSERT INTO events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var origin any
	if ev.OriginatingDeviceID != "" {
		origin = ev.OriginatingDeviceID
	}
	_, err := tx.Exec(query, ev.ID, ev.UserID, ev.Sequence, origin, ev.Type,
		ev.Streaming, ev.PayloadJSON, ev.PayloadBytes, ev.Timestamp)
	return err
}

// UpdateEventPayload rewrites the stored envelope of an in-flight
// stream. The row stays partial.
func UpdateEventPayload(tx *sql.Tx, eventID, payloadJSON string, payloadBytes, timestamp int64) error {
	query := `
	UPDATE events SET payloadJson = ?, payloadBytes = ?, streaming = ?, timestamp = ?
	WHERE id = ?
	`
	_, err := tx.Exec(query, payloadJSON, payloadBytes, StreamPartial, timestamp, eventID)
	return err
}

// SetEventFinal replaces the envelope with the finished snapshot and
// marks the row final.
func SetEventFinal(tx *sql.Tx, eventID, payloadJSON string, payloadBytes, timestamp int64) error {
	query := `
	UPDATE events SET payloadJson = ?, payloadBytes = ?, streaming = ?, timestamp = ?
	WHERE id = ?
	`
	_, err := tx.Exec(query, payloadJSON, payloadBytes, StreamFinal, timestamp, eventID)
	return err
}

// SetEventFailed marks an in-flight stream row as failed. The last
// flushed partial payload is kept.
func SetEventFailed(tx *sql.Tx, eventID string) error {
	_, err := tx.Exec(`UPDATE events SET streaming = ? WHERE id = ?`, StreamFailed, eventID)
	return err
}

// EventsAfter returns up to limit replayable events with a sequence
// strictly greater than afterSeq, oldest first. Partial rows are
// skipped; failed rows replay with their last snapshot.
func (s *Store) EventsAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]Event, error) {
	query := `
	SELECT ` + eventColumns + ` FROM events
	WHERE userId = ? AND sequence > ? AND streaming <> ?
	ORDER BY sequence ASC
	LIMIT ?
	`
	return s.queryEvents(ctx, query, userID, afterSeq, StreamPartial, limit)
}

// TailEvents returns up to limit replayable events from the end of the
// user's log, oldest first.
func (s *Store) TailEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	query := `
	SELECT ` + eventColumns + ` FROM (
		SELECT ` + eventColumns + ` FROM events
		WHERE userId = ? AND streaming <> ?
		ORDER BY sequence DESC
		LIMIT ?
	) ORDER BY sequence ASC
	`
	return s.queryEvents(ctx, query, userID, StreamPartial, limit)
}

// CountReplayableAfter counts the replayable events past afterSeq. Replay
// uses it to decide truncation before picking which rows to send.
func (s *Store) CountReplayableAfter(ctx context.Context, userID string, afterSeq int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM events
	WHERE userId = ? AND sequence > ? AND streaming <> ?
	`, userID, afterSeq, StreamPartial).Scan(&n)
	return n, err
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventSequence resolves an event ID to its sequence, scoped to userID
// so a token for one user cannot anchor replay in another user's log.
// The second return reports whether the anchor exists.
func (s *Store) EventSequence(ctx context.Context, eventID, userID string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence FROM events WHERE id = ? AND userId = ?`, eventID, userID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// HasFinalAssistantAfter reports whether a finalized assistant event
// exists past the given sequence. Assistant rows are the ones with no
// originating device.
func (s *Store) HasFinalAssistantAfter(ctx context.Context, userID string, afterSeq int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
	SELECT 1 FROM events
	WHERE userId = ? AND sequence > ? AND originatingDeviceId IS NULL AND streaming = ?
	LIMIT 1
	`, userID, afterSeq, StreamFinal).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PromptEvents returns the most recent limit finalized events with a
// sequence below beforeSeq, oldest first, for prompt assembly. Failed
// rows are excluded: the assistant never saw them complete and the user
// never got an answer from them.
func (s *Store) PromptEvents(ctx context.Context, userID string, beforeSeq int64, limit int) ([]Event, error) {
	query := `
	SELECT ` + eventColumns + ` FROM (
		SELECT ` + eventColumns + ` FROM events
		WHERE userId = ? AND sequence < ? AND streaming = ?
		ORDER BY sequence DESC
		LIMIT ?
	) ORDER BY sequence ASC
	`
	return s.queryEvents(ctx, query, userID, beforeSeq, StreamFinal, limit)
}
