package store

import (
	"database/sql"
	"fmt"
	"time"
)

// createConversationData resets the conversation summary for id. The
// message log itself is a shared table, so (re)creation is just the
// info row; any stale log rows were removed when the conversation was
// last dropped.
func createConversationData(q querier, id ConversationID) error {
	_, err := q.Exec(`
		INSERT OR REPLACE INTO conversation_info (conversation_id, last_speaker, unread_count, last_message, last_timestamp)
		VALUES (?, NULL, 0, NULL, NULL)`, id.String())
	if err != nil {
		return fmt.Errorf("create conversation info: %w", err)
	}
	return nil
}

// deleteConversationData drops the summary, the log, any expiring
// message entries and any unsent outbound entries scoped to the
// conversation.
func deleteConversationData(q querier, id ConversationID) error {
	cid := id.String()
	if _, err := q.Exec(`DELETE FROM conversation_info WHERE conversation_id = ?`, cid); err != nil {
		return fmt.Errorf("delete conversation info: %w", err)
	}
	if _, err := q.Exec(`DELETE FROM messages WHERE conversation_id = ?`, cid); err != nil {
		return fmt.Errorf("delete conversation log: %w", err)
	}
	if _, err := q.Exec(`DELETE FROM expiring_messages WHERE conversation_id = ?`, cid); err != nil {
		return fmt.Errorf("delete expiring entries: %w", err)
	}
	return removeOutboundForConversation(q, id)
}

// conversationExists reports whether a conversation_info row exists.
func conversationExists(q querier, id ConversationID) (bool, error) {
	var one int
	err := q.QueryRow(`SELECT 1 FROM conversation_info WHERE conversation_id = ?`, id.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// checkConversationEligible verifies the owning entity is in a
// messaging-eligible state, distinguishing unknown entities from
// policy violations.
func (db *DB) checkConversationEligible(q querier, id ConversationID) error {
	switch id.Kind() {
	case ConversationGroup:
		var level GroupMembershipLevel
		err := q.QueryRow(`SELECT membership_level FROM groups WHERE id = ?`, string(id.Group)).Scan(&level)
		if err == sql.ErrNoRows {
			return &InvalidGroupError{GroupID: id.Group}
		}
		if err != nil {
			return err
		}
		if level != MembershipJoined {
			return &InvalidMessageLevelError{ConversationID: id}
		}
	default:
		var level AllowedMessageLevel
		err := q.QueryRow(`SELECT allowed_message_level FROM contacts WHERE id = ?`, int64(id.User)).Scan(&level)
		if err == sql.ErrNoRows {
			return &InvalidContactError{UserID: id.User}
		}
		if err != nil {
			return err
		}
		if level != MessageLevelAll {
			return &InvalidMessageLevelError{ConversationID: id}
		}
	}
	return nil
}

// AddMessage appends a message to a conversation log and updates the
// conversation summary. Duplicate message ids are absorbed as no-ops.
func (db *DB) AddMessage(msg *Message) error {
	return db.inTx(func(tx *sql.Tx) error {
		id := msg.ConversationID
		if err := db.checkConversationEligible(tx, id); err != nil {
			return err
		}

		var speaker any
		if msg.Speaker != nil {
			speaker = int64(*msg.Speaker)
		}

		res, err := tx.Exec(`
			INSERT OR IGNORE INTO messages
				(conversation_id, message_id, speaker, body, timestamp, received_timestamp, is_read, is_delivered, ttl_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.String(), msg.MessageID, speaker, msg.Body, msg.Timestamp, msg.ReceivedTimestamp,
			msg.IsRead, msg.IsDelivered, msg.TTLMillis)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already logged; at-least-once delivery makes this normal.
			return nil
		}

		if msg.TTLMillis > 0 {
			expiresAt := msg.Timestamp + msg.TTLMillis
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO expiring_messages (conversation_id, message_id, expires_at)
				VALUES (?, ?, ?)`, id.String(), msg.MessageID, expiresAt); err != nil {
				return fmt.Errorf("insert expiring entry: %w", err)
			}
		}

		unreadDelta := 0
		if msg.Speaker != nil && !msg.IsRead {
			unreadDelta = 1
		}
		if _, err := tx.Exec(`
			UPDATE conversation_info
			SET last_speaker = ?, last_message = ?, last_timestamp = ?, unread_count = unread_count + ?
			WHERE conversation_id = ?`,
			speaker, msg.Body, msg.Timestamp, unreadDelta, id.String()); err != nil {
			return fmt.Errorf("update conversation info: %w", err)
		}
		return nil
	})
}

// MarkMessageDelivered flags a sent log entry as delivered. Returns
// false if the message is unknown or already marked.
func (db *DB) MarkMessageDelivered(id ConversationID, messageID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET is_delivered = 1, received_timestamp = ?
		WHERE conversation_id = ? AND message_id = ? AND is_delivered = 0`,
		time.Now().UnixMilli(), id.String(), messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkConversationRead resets the unread count and flags log entries read.
func (db *DB) MarkConversationRead(id ConversationID) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE conversation_info SET unread_count = 0 WHERE conversation_id = ?`, id.String()); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND is_read = 0`, id.String())
		return err
	})
}

// ConversationInfo returns the summary row, or nil if the conversation
// does not currently exist.
func (db *DB) ConversationInfo(id ConversationID) (*ConversationInfo, error) {
	var (
		info        ConversationInfo
		lastSpeaker sql.NullInt64
		lastMessage sql.NullString
		lastTS      sql.NullInt64
	)
	err := db.QueryRow(`
		SELECT last_speaker, last_message, last_timestamp, unread_count
		FROM conversation_info WHERE conversation_id = ?`, id.String()).
		Scan(&lastSpeaker, &lastMessage, &lastTS, &info.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.ConversationID = id
	if lastSpeaker.Valid {
		u := UserID(lastSpeaker.Int64)
		info.LastSpeaker = &u
	}
	info.LastMessage = lastMessage.String
	info.LastTimestamp = lastTS.Int64
	return &info, nil
}

// LastMessages returns a range of the conversation log, newest first.
func (db *DB) LastMessages(id ConversationID, startingAt, count int) ([]Message, error) {
	rows, err := db.Query(`
		SELECT message_id, speaker, body, timestamp, received_timestamp, is_read, is_delivered, ttl_ms
		FROM messages WHERE conversation_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT ? OFFSET ?`, id.String(), count, startingAt)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			speaker sql.NullInt64
		)
		if err := rows.Scan(&m.MessageID, &speaker, &m.Body, &m.Timestamp, &m.ReceivedTimestamp,
			&m.IsRead, &m.IsDelivered, &m.TTLMillis); err != nil {
			return nil, err
		}
		m.ConversationID = id
		if speaker.Valid {
			u := UserID(speaker.Int64)
			m.Speaker = &u
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessages removes specific entries from a conversation log.
func (db *DB) DeleteMessages(id ConversationID, messageIDs []string) error {
	return db.inTx(func(tx *sql.Tx) error {
		for _, messageID := range messageIDs {
			if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`,
				id.String(), messageID); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM expiring_messages WHERE conversation_id = ? AND message_id = ?`,
				id.String(), messageID); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAllMessages clears a conversation log without dropping the
// conversation itself.
func (db *DB) DeleteAllMessages(id ConversationID) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM expiring_messages WHERE conversation_id = ?`, id.String()); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE conversation_info
			SET last_speaker = NULL, last_message = NULL, last_timestamp = NULL, unread_count = 0
			WHERE conversation_id = ?`, id.String())
		return err
	})
}

// ExpiringMessages returns (conversation, message) pairs with a TTL,
// soonest first.
func (db *DB) ExpiringMessages() (map[ConversationID][]string, error) {
	rows, err := db.Query(`SELECT conversation_id, message_id FROM expiring_messages ORDER BY expires_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[ConversationID][]string)
	for rows.Next() {
		var rawID, messageID string
		if err := rows.Scan(&rawID, &messageID); err != nil {
			return nil, err
		}
		id, err := ParseConversationID(rawID)
		if err != nil {
			return nil, err
		}
		out[id] = append(out[id], messageID)
	}
	return out, rows.Err()
}
