package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func encodeAttachments(atts []Attachment) string {
	if len(atts) == 0 {
		return "[]"
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeAttachments(raw string) []Attachment {
	if raw == "" || raw == "[]" {
		return nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(raw), &atts); err != nil {
		return nil
	}
	return atts
}

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, local_id, sender_id, sender_name, body, message_type,
			attachments, status, is_edited, edited_at, from_me, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status,
			is_edited = excluded.is_edited`,
		m.ConversationID, m.MsgID, m.LocalID, m.SenderID, m.SenderName, m.Body, m.MessageType,
		encodeAttachments(m.Attachments), m.Status, m.IsEdited, m.EditedAt, m.FromMe, m.Timestamp, now)
	return err
}

const messageColumns = `id, conversation_id, msg_id, local_id, sender_id, sender_name, body, message_type,
	attachments, status, is_edited, edited_at, from_me, timestamp`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var atts string
	err := row.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.LocalID, &m.SenderID, &m.SenderName,
		&m.Body, &m.MessageType, &atts, &m.Status, &m.IsEdited, &m.EditedAt, &m.FromMe, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	m.Attachments = decodeAttachments(atts)
	return &m, nil
}

// GetMessage returns a message by its wire id (server or local), or nil
// if absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE msg_id = ?`, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset
// pagination by timestamp. Insertion order is the tiebreak so an
// in-place id replacement never reorders the log.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ReplaceLocalMessage reconciles an optimistic entry with its
// server-confirmed copy. The same row is updated in place so the log
// position is preserved and no duplicate can appear. Returns false if
// no entry with that local id exists.
func (db *DB) ReplaceLocalMessage(localID string, confirmed *Message) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET msg_id = ?, local_id = ?, body = ?, status = ?, timestamp = ?
		WHERE msg_id = ? AND local_id = ?`,
		confirmed.MsgID, localID, confirmed.Body, confirmed.Status, confirmed.Timestamp,
		localID, localID)
	if err != nil {
		return false, fmt.Errorf("replace local message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateMessageStatus applies a delivery-state transition. Only forward
// transitions are applied (sent -> delivered -> read); a receipt for an
// unknown or already-read message is a no-op. Returns whether a row
// changed.
func (db *DB) UpdateMessageStatus(msgID, newStatus string) (bool, error) {
	var allowedFrom []any
	switch newStatus {
	case StatusDelivered:
		allowedFrom = []any{StatusSent}
	case StatusRead:
		allowedFrom = []any{StatusSent, StatusDelivered}
	case StatusFailed:
		allowedFrom = []any{StatusSending}
	default:
		return false, fmt.Errorf("unsupported status transition target %q", newStatus)
	}

	query := `UPDATE messages SET status = ? WHERE msg_id = ? AND status IN (?` +
		repeat(",?", len(allowedFrom)-1) + `)`
	args := append([]any{newStatus, msgID}, allowedFrom...)
	res, err := db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// EditMessage sets new content and the edited marker. A missing id is a
// no-op.
func (db *DB) EditMessage(msgID, body string, editedAt int64) error {
	_, err := db.Exec(`UPDATE messages SET body = ?, is_edited = 1, edited_at = ? WHERE msg_id = ?`,
		body, editedAt, msgID)
	return err
}

// DeleteMessage removes a message and its reactions from whichever
// conversation holds it.
func (db *DB) DeleteMessage(msgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM reactions WHERE msg_id = ?`, msgID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE msg_id = ?`, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkReadUpTo marks the given message and every earlier message in the
// conversation as read, and resets the unread counter. Unknown message
// ids are a no-op. Idempotent.
func (db *DB) MarkReadUpTo(conversationID, msgID string) error {
	var ts int64
	err := db.QueryRow(`SELECT timestamp FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND timestamp <= ? AND status != ?`,
		StatusRead, conversationID, ts, StatusRead); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}
