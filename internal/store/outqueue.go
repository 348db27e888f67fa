package store

import (
	"database/sql"
	"fmt"
)

// AddToOutbound persists an outbound message entry before any network
// attempt. Re-adding an existing (recipient, messageID) key is a no-op.
func (db *DB) AddToOutbound(entry *SenderMessageEntry) error {
	return db.addOutboundEntries(db, []SenderMessageEntry{*entry})
}

// AddAllToOutbound persists a batch of entries in one transaction,
// preserving their order. Used for group fan-out.
func (db *DB) AddAllToOutbound(entries []SenderMessageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		return db.addOutboundEntries(tx, entries)
	})
}

func (db *DB) addOutboundEntries(q querier, entries []SenderMessageEntry) error {
	for i := range entries {
		e := &entries[i]
		var groupID any
		if e.Metadata.GroupID != nil {
			groupID = string(*e.Metadata.GroupID)
		}
		_, err := q.Exec(`
			INSERT OR IGNORE INTO outbound_message_queue (contact_id, group_id, category, message_id, serialized)
			VALUES (?, ?, ?, ?, ?)`,
			int64(e.Metadata.UserID), groupID, string(e.Metadata.Category), e.Metadata.MessageID, e.Message)
		if err != nil {
			return fmt.Errorf("queue outbound %s: %w", e.Metadata.MessageID, err)
		}
	}
	return nil
}

func scanOutboundRows(rows *sql.Rows) ([]SenderMessageEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []SenderMessageEntry
	for rows.Next() {
		var (
			e       SenderMessageEntry
			groupID sql.NullString
		)
		if err := rows.Scan(&e.Metadata.UserID, &groupID, &e.Metadata.Category, &e.Metadata.MessageID, &e.Message); err != nil {
			return nil, err
		}
		if groupID.Valid {
			g := GroupID(groupID.String)
			e.Metadata.GroupID = &g
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Undelivered returns every queued outbound entry in insertion order.
func (db *DB) Undelivered() ([]SenderMessageEntry, error) {
	rows, err := db.Query(`
		SELECT contact_id, group_id, category, message_id, serialized
		FROM outbound_message_queue ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanOutboundRows(rows)
}

// OutboundEntry returns one queued entry, or nil if absent.
func (db *DB) OutboundEntry(userID UserID, messageID string) (*SenderMessageEntry, error) {
	rows, err := db.Query(`
		SELECT contact_id, group_id, category, message_id, serialized
		FROM outbound_message_queue WHERE contact_id = ? AND message_id = ?`,
		int64(userID), messageID)
	if err != nil {
		return nil, err
	}
	entries, err := scanOutboundRows(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// OutboundEntriesForMessage counts queued entries sharing a message id.
// Group fan-out entries share the id; delivery is complete when the count
// reaches zero.
func (db *DB) OutboundEntriesForMessage(messageID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbound_message_queue WHERE message_id = ?`, messageID).Scan(&n)
	return n, err
}

// RemoveFromOutbound deletes one entry by its (recipient, messageID)
// key. Returns whether an entry was present.
func (db *DB) RemoveFromOutbound(userID UserID, messageID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbound_message_queue WHERE contact_id = ? AND message_id = ?`,
		int64(userID), messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveAllFromOutbound deletes entries for a set of recipients. Used
// when contacts turn out to be invalid.
func (db *DB) RemoveAllFromOutbound(userIDs []UserID) error {
	if len(userIDs) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		for _, id := range userIDs {
			if _, err := tx.Exec(`DELETE FROM outbound_message_queue WHERE contact_id = ?`, int64(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveOutboundForConversation deletes all entries owned by one
// conversation: a group's fan-out entries, or a user's direct entries
// outside any group. Conversation teardown calls this so a parted or
// blocked conversation's unsent messages never go out afterwards.
func (db *DB) RemoveOutboundForConversation(id ConversationID) error {
	return removeOutboundForConversation(db, id)
}

func removeOutboundForConversation(q querier, id ConversationID) error {
	if id.Kind() == ConversationGroup {
		_, err := q.Exec(`DELETE FROM outbound_message_queue WHERE group_id = ?`, string(id.Group))
		return err
	}
	_, err := q.Exec(`DELETE FROM outbound_message_queue WHERE contact_id = ? AND group_id IS NULL`, int64(id.User))
	return err
}
