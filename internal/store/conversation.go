package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. The
// unread count and local flags (pin/archive/mute/block) are only set on
// insert; inbound sync must not clobber user-local state.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_id, participant_name, participant_type, unread_count,
			is_pinned, is_archived, is_muted, muted_until, is_blocked, online_status,
			last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_name = CASE WHEN excluded.participant_name != '' THEN excluded.participant_name ELSE conversations.participant_name END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.ParticipantID, c.ParticipantName, c.ParticipantType, c.UnreadCount,
		c.IsPinned, c.IsArchived, c.IsMuted, c.MutedUntil, c.IsBlocked, c.OnlineStatus,
		c.LastMessageAt, c.LastMessagePreview, createdAt, now)
	return err
}

const conversationColumns = `id, participant_id, participant_name, participant_type, unread_count,
	is_pinned, is_archived, is_muted, muted_until, is_blocked, online_status,
	last_message_at, last_message_preview, created_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantID, &c.ParticipantName, &c.ParticipantType, &c.UnreadCount,
		&c.IsPinned, &c.IsArchived, &c.IsMuted, &c.MutedUntil, &c.IsBlocked, &c.OnlineStatus,
		&c.LastMessageAt, &c.LastMessagePreview, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation returns a single conversation, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns conversations sorted pinned-first, then by
// last message timestamp descending. Archived threads are excluded
// unless includeArchived is set.
func (db *DB) ListConversations(includeArchived bool, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if !includeArchived {
		query += ` WHERE is_archived = 0`
	}
	query += ` ORDER BY is_pinned DESC, last_message_at DESC LIMIT ? OFFSET ?`

	rows, err := db.Query(query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// SetPinned updates the pin flag.
func (db *DB) SetPinned(id string, pinned bool) error {
	return db.setConversationFlag(id, "is_pinned", pinned)
}

// SetArchived updates the archive flag.
func (db *DB) SetArchived(id string, archived bool) error {
	return db.setConversationFlag(id, "is_archived", archived)
}

// SetBlocked updates the blocked flag.
func (db *DB) SetBlocked(id string, blocked bool) error {
	return db.setConversationFlag(id, "is_blocked", blocked)
}

func (db *DB) setConversationFlag(id, column string, value bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET `+column+` = ?, updated_at = ? WHERE id = ?`, value, now, id)
	return err
}

// SetMuted updates the mute flag. mutedUntil is an absolute unix-ms
// deadline; 0 means muted with no expiry (or unmuted when muted=false).
func (db *DB) SetMuted(id string, muted bool, mutedUntil int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET is_muted = ?, muted_until = ?, updated_at = ? WHERE id = ?`,
		muted, mutedUntil, now, id)
	return err
}

// SetOnlineStatus mirrors a presence update onto every conversation
// whose participant matches the user.
func (db *DB) SetOnlineStatus(participantID, onlineStatus string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET online_status = ?, updated_at = ? WHERE participant_id = ?`,
		onlineStatus, now, participantID)
	return err
}

// IncrementUnread bumps a conversation's unread counter by one.
func (db *DB) IncrementUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// ResetUnread sets a conversation's unread counter to zero.
func (db *DB) ResetUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// TouchLastMessage advances the conversation's preview if ts is newer
// than the current last message.
func (db *DB) TouchLastMessage(id string, ts int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE id = ?`, ts, ts, preview, now, id)
	return err
}

// DeleteConversation removes a conversation and its messages. This is
// the only path that physically deletes a thread.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM reactions WHERE msg_id IN (SELECT msg_id FROM messages WHERE conversation_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
