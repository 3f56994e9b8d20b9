package store

// ToggleReaction applies toggle semantics: if the user already has a
// reaction on the message (any emoji) it is removed, otherwise the new
// reaction is added. Returns true if a reaction was added.
func (db *DB) ToggleReaction(r *Reaction) (bool, error) {
	res, err := db.Exec(`DELETE FROM reactions WHERE msg_id = ? AND user_id = ?`, r.MsgID, r.UserID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	_, err = db.Exec(`
		INSERT INTO reactions (msg_id, emoji, user_id, user_name, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		r.MsgID, r.Emoji, r.UserID, r.UserName, r.Timestamp)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListReactions returns all reactions on a message.
func (db *DB) ListReactions(msgID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT msg_id, emoji, user_id, user_name, timestamp
		FROM reactions WHERE msg_id = ? ORDER BY timestamp ASC`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MsgID, &r.Emoji, &r.UserID, &r.UserName, &r.Timestamp); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
