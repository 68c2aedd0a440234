package store

import "time"

// InsertMessage inserts a message, ignoring duplicates on
// (conversation_id, msg_id). The reconciler has already decided the message
// is new, but a crash between memory and disk can replay the write.
func (db *DB) InsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, status, failure_reason, from_me, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
		m.ConversationID, m.MsgID, m.SenderID, m.Body, m.Status, m.FailureReason, m.FromMe, m.Timestamp, now)
	return err
}

// UpdateMessageStatus persists an accepted status overwrite.
func (db *DB) UpdateMessageStatus(conversationID, msgID, status, failureReason string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?, failure_reason = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		status, failureReason, conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, body, status, failure_reason, from_me, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.FailureReason, &m.FromMe, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AllMessages returns every persisted message in timestamp order, oldest
// first. Used to seed the in-memory cache on startup.
func (db *DB) AllMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, body, status, failure_reason, from_me, timestamp
		FROM messages
		ORDER BY timestamp ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.FailureReason, &m.FromMe, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
