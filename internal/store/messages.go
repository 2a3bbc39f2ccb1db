package store

import (
	"context"
	"database/sql"
	"errors"
)

// Message records one accepted client message, keyed by the device that
// sent it and the client-chosen ID. It is the idempotency anchor: a
// resend of the same (deviceId, clientId) is compared against the
// stored hashes instead of being re-persisted.
type Message struct {
	DeviceID        string
	ClientID        string
	UserID          string
	ServerEventID   string
	ServerSequence  int64
	Content         string
	ContentHash     string
	AttachmentsHash string
	AttachmentsJSON string
	ByteSize        int64
	Timestamp       int64 // unix ms
	Streaming       int
	AckSent         bool
}

// GetMessage looks up the intake record for (deviceID, clientID). The
// second return reports whether it exists.
func (s *Store) GetMessage(ctx context.Context, deviceID, clientID string) (Message, bool, error) {
	query := `
	SELECT deviceId, clientId, userId, serverEventId, serverSequence,
	       content, contentHash, attachmentsHash, attachmentsJson,
	       byteSize, timestamp, streaming, ackSent
	FROM messages
	WHERE deviceId = ? AND clientId = ?
	`
	var m Message
	var eventID sql.NullString
	var seq sql.NullInt64
	var attachments sql.NullString
	var ackSent int
	err := s.db.QueryRowContext(ctx, query, deviceID, clientID).Scan(
		&m.DeviceID, &m.ClientID, &m.UserID, &eventID, &seq,
		&m.Content, &m.ContentHash, &m.AttachmentsHash, &attachments,
		&m.ByteSize, &m.Timestamp, &m.Streaming, &ackSent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	if eventID.Valid {
		m.ServerEventID = eventID.String
	}
	if seq.Valid {
		m.ServerSequence = seq.Int64
	}
	if attachments.Valid {
		m.AttachmentsJSON = attachments.String
	}
	m.AckSent = ackSent != 0
	return m, true, nil
}

// InsertMessage writes the intake record inside the caller's
// transaction, paired with its user-echo event row.
func InsertMessage(tx *sql.Tx, m Message) error {
	query := `
	INSERT INTO messages (deviceId, clientId, userId, serverEventId, serverSequence,
	                      content, contentHash, attachmentsHash, attachmentsJson,
	                      byteSize, timestamp, streaming, ackSent)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var attachments any
	if m.AttachmentsJSON != "" {
		attachments = m.AttachmentsJSON
	}
	ackSent := 0
	if m.AckSent {
		ackSent = 1
	}
	_, err := tx.Exec(query, m.DeviceID, m.ClientID, m.UserID, m.ServerEventID, m.ServerSequence,
		m.Content, m.ContentHash, m.AttachmentsHash, attachments,
		m.ByteSize, m.Timestamp, m.Streaming, ackSent)
	return err
}

// SetMessageStreaming moves the intake record to a new state: 0 once
// the assistant reply is final, 2 on failure.
func SetMessageStreaming(tx *sql.Tx, deviceID, clientID string, state int) error {
	_, err := tx.Exec(`UPDATE messages SET streaming = ? WHERE deviceId = ? AND clientId = ?`,
		state, deviceID, clientID)
	return err
}

// MarkAckSent records that the ack frame reached the write path.
func MarkAckSent(tx *sql.Tx, deviceID, clientID string) error {
	_, err := tx.Exec(`UPDATE messages SET ackSent = 1 WHERE deviceId = ? AND clientId = ?`,
		deviceID, clientID)
	return err
}

// LinkAsset attaches an uploaded asset to a message inside the caller's
// transaction. The foreign key rejects unknown assets, which rolls the
// whole intake back.
func LinkAsset(tx *sql.Tx, deviceID, clientID, assetID string) error {
	_, err := tx.Exec(`INSERT INTO message_assets (deviceId, clientId, assetId) VALUES (?, ?, ?)`,
		deviceID, clientID, assetID)
	return err
}
