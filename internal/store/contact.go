package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
)

func sortUserIDs(ids []UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func journalContactUpdate(q querier, id UserID) error {
	_, err := q.Exec(`
		INSERT OR REPLACE INTO address_book_pending_updates (kind, entity_id)
		VALUES ('c', ?)`, strconv.FormatInt(int64(id), 10))
	if err != nil {
		return fmt.Errorf("journal contact update: %w", err)
	}
	return nil
}

func queryContact(q querier, id UserID) (*ContactInfo, error) {
	var (
		c     ContactInfo
		phone sql.NullString
	)
	err := q.QueryRow(`
		SELECT id, email, name, phone, public_key, allowed_message_level, is_pending
		FROM contacts WHERE id = ?`, int64(id)).
		Scan(&c.ID, &c.Email, &c.Name, &phone, &c.PublicKey, &c.AllowedMessageLevel, &c.IsPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Phone = phone.String
	return &c, nil
}

func insertContact(q querier, c *ContactInfo) error {
	var phone any
	if c.Phone != "" {
		phone = c.Phone
	}
	_, err := q.Exec(`
		INSERT OR REPLACE INTO contacts (id, email, name, phone, public_key, allowed_message_level, is_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(c.ID), c.Email, c.Name, phone, c.PublicKey, c.AllowedMessageLevel, c.IsPending)
	if err != nil {
		return fmt.Errorf("insert contact %d: %w", c.ID, err)
	}
	return nil
}

// setContactLevel moves a contact between message levels, keeping the
// queues and conversation data in step: entering ALL creates the
// conversation, leaving ALL drops it along with any TTL entries, and
// entering BLOCKED purges the sender's queued inbound packages.
func setContactLevel(q querier, id UserID, prev, next AllowedMessageLevel) error {
	if _, err := q.Exec(`UPDATE contacts SET allowed_message_level = ? WHERE id = ?`, next, int64(id)); err != nil {
		return fmt.Errorf("update message level: %w", err)
	}
	if next == MessageLevelBlocked && prev != MessageLevelBlocked {
		if err := removePackagesForUser(q, id); err != nil {
			return err
		}
	}
	cid := UserConversation(id)
	if next == MessageLevelAll && prev != MessageLevelAll {
		return createConversationData(q, cid)
	}
	if next != MessageLevelAll && prev == MessageLevelAll {
		return deleteConversationData(q, cid)
	}
	return nil
}

// Contact returns a contact by id, or nil if unknown.
func (db *DB) Contact(id UserID) (*ContactInfo, error) {
	return queryContact(db, id)
}

// Contacts returns all contacts ordered by id.
func (db *DB) Contacts() ([]ContactInfo, error) {
	rows, err := db.Query(`
		SELECT id, email, name, phone, public_key, allowed_message_level, is_pending
		FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []ContactInfo
	for rows.Next() {
		var (
			c     ContactInfo
			phone sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Email, &c.Name, &phone, &c.PublicKey, &c.AllowedMessageLevel, &c.IsPending); err != nil {
			return nil, err
		}
		c.Phone = phone.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ContactExists reports whether a contact row exists.
func (db *DB) ContactExists(id UserID) (bool, error) {
	c, err := queryContact(db, id)
	return c != nil, err
}

// ContactsExist returns the subset of ids the store already has rows for.
func (db *DB) ContactsExist(ids []UserID) ([]UserID, error) {
	var present []UserID
	for _, id := range ids {
		exists, err := db.ContactExists(id)
		if err != nil {
			return nil, err
		}
		if exists {
			present = append(present, id)
		}
	}
	sortUserIDs(present)
	return present, nil
}

// AddContact inserts a contact or raises an existing contact's message
// level. Lowering an existing level is a no-op. Returns whether the
// observable state changed; only then is a journal row written.
func (db *DB) AddContact(c *ContactInfo) (bool, error) {
	changed := false
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := queryContact(tx, c.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := insertContact(tx, c); err != nil {
				return err
			}
			if c.AllowedMessageLevel == MessageLevelAll {
				if err := createConversationData(tx, UserConversation(c.ID)); err != nil {
					return err
				}
			}
			changed = true
		} else if c.AllowedMessageLevel > existing.AllowedMessageLevel {
			if err := setContactLevel(tx, c.ID, existing.AllowedMessageLevel, c.AllowedMessageLevel); err != nil {
				return err
			}
			changed = true
		}
		if changed {
			return journalContactUpdate(tx, c.ID)
		}
		return nil
	})
	return changed, err
}

// AddSelf inserts the local user's own contact entry without journaling
// a remote update. Used once at account initialization.
func (db *DB) AddSelf(c *ContactInfo) error {
	return db.inTx(func(tx *sql.Tx) error {
		if err := insertContact(tx, c); err != nil {
			return err
		}
		if c.AllowedMessageLevel == MessageLevelAll {
			return createConversationData(tx, UserConversation(c.ID))
		}
		return nil
	})
}

// UpdateContact replaces a contact's descriptive fields. The message
// level is not touched; use the level operations for that.
func (db *DB) UpdateContact(c *ContactInfo) error {
	var phone any
	if c.Phone != "" {
		phone = c.Phone
	}
	res, err := db.Exec(`
		UPDATE contacts SET email = ?, name = ?, phone = ?, public_key = ?, is_pending = ?
		WHERE id = ?`, c.Email, c.Name, phone, c.PublicKey, c.IsPending, int64(c.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &InvalidContactError{UserID: c.ID}
	}
	return nil
}

// RemoveContact demotes a contact to GROUP_ONLY and drops the direct
// conversation. Returns whether a change occurred.
func (db *DB) RemoveContact(id UserID) (bool, error) {
	return db.transitionContactLevel(id, MessageLevelGroupOnly, func(prev AllowedMessageLevel) bool {
		return prev == MessageLevelAll
	})
}

// BlockContact sets a contact's level to BLOCKED, dropping any direct
// conversation. Idempotent.
func (db *DB) BlockContact(id UserID) (bool, error) {
	return db.transitionContactLevel(id, MessageLevelBlocked, func(prev AllowedMessageLevel) bool {
		return prev != MessageLevelBlocked
	})
}

// UnblockContact moves a BLOCKED contact back to GROUP_ONLY. Idempotent.
func (db *DB) UnblockContact(id UserID) (bool, error) {
	return db.transitionContactLevel(id, MessageLevelGroupOnly, func(prev AllowedMessageLevel) bool {
		return prev == MessageLevelBlocked
	})
}

// AllowAllContact raises a contact to ALL, creating the direct
// conversation. Idempotent.
func (db *DB) AllowAllContact(id UserID) (bool, error) {
	return db.transitionContactLevel(id, MessageLevelAll, func(prev AllowedMessageLevel) bool {
		return prev != MessageLevelAll
	})
}

func (db *DB) transitionContactLevel(id UserID, next AllowedMessageLevel, want func(prev AllowedMessageLevel) bool) (bool, error) {
	changed := false
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := queryContact(tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return &InvalidContactError{UserID: id}
		}
		if !want(existing.AllowedMessageLevel) {
			return nil
		}
		if err := setContactLevel(tx, id, existing.AllowedMessageLevel, next); err != nil {
			return err
		}
		changed = true
		return journalContactUpdate(tx, id)
	})
	return changed, err
}

// BlockedContacts returns ids of all BLOCKED contacts.
func (db *DB) BlockedContacts() ([]UserID, error) {
	rows, err := db.Query(`SELECT id FROM contacts WHERE allowed_message_level = ?`, MessageLevelBlocked)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []UserID
	for rows.Next() {
		var id UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sortUserIDs(ids)
	return ids, rows.Err()
}

// FilterAllowed returns the subset of ids allowed to message us: every
// id whose stored level is not BLOCKED. Ids without a contact row pass
// the filter; their info is fetched later by the sync machinery.
func (db *DB) FilterAllowed(ids []UserID) ([]UserID, error) {
	blocked, err := db.BlockedContacts()
	if err != nil {
		return nil, err
	}
	blockedSet := make(map[UserID]struct{}, len(blocked))
	for _, id := range blocked {
		blockedSet[id] = struct{}{}
	}

	var allowed []UserID
	for _, id := range ids {
		if _, ok := blockedSet[id]; !ok {
			allowed = append(allowed, id)
		}
	}
	sortUserIDs(allowed)
	return allowed, nil
}

// ContactDiff compares local contact ids against a remote authoritative
// id list. Pure set comparison, no side effects.
func (db *DB) ContactDiff(remoteIDs []UserID) (ContactListDiff, error) {
	rows, err := db.Query(`SELECT id FROM contacts`)
	if err != nil {
		return ContactListDiff{}, err
	}
	defer func() { _ = rows.Close() }()

	local := make(map[UserID]struct{})
	for rows.Next() {
		var id UserID
		if err := rows.Scan(&id); err != nil {
			return ContactListDiff{}, err
		}
		local[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return ContactListDiff{}, err
	}

	remote := make(map[UserID]struct{}, len(remoteIDs))
	var diff ContactListDiff
	for _, id := range remoteIDs {
		remote[id] = struct{}{}
		if _, ok := local[id]; !ok {
			diff.ToAdd = append(diff.ToAdd, id)
		}
	}
	for id := range local {
		if _, ok := remote[id]; !ok {
			diff.ToRemove = append(diff.ToRemove, id)
		}
	}
	sortUserIDs(diff.ToAdd)
	sortUserIDs(diff.ToRemove)
	return diff, nil
}

// ApplyContactDiff applies remote contact state: new contacts inserted,
// level updates applied. The remote pull is authoritative, so any
// pending journal row for a touched contact is discarded.
func (db *DB) ApplyContactDiff(newContacts []ContactInfo, updated []ContactUpdate) error {
	return db.inTx(func(tx *sql.Tx) error {
		for i := range newContacts {
			c := &newContacts[i]
			if err := insertContact(tx, c); err != nil {
				return err
			}
			if c.AllowedMessageLevel == MessageLevelAll {
				if err := createConversationData(tx, UserConversation(c.ID)); err != nil {
					return err
				}
			}
			if err := clearPendingUpdate(tx, "c", strconv.FormatInt(int64(c.ID), 10)); err != nil {
				return err
			}
		}
		for _, u := range updated {
			existing, err := queryContact(tx, u.UserID)
			if err != nil {
				return err
			}
			if existing == nil {
				// Remote references a contact we never fetched; nothing
				// local to reconcile.
				continue
			}
			if existing.AllowedMessageLevel != u.AllowedMessageLevel {
				if err := setContactLevel(tx, u.UserID, existing.AllowedMessageLevel, u.AllowedMessageLevel); err != nil {
					return err
				}
			}
			if err := clearPendingUpdate(tx, "c", strconv.FormatInt(int64(u.UserID), 10)); err != nil {
				return err
			}
		}
		return nil
	})
}

func clearPendingUpdate(q querier, kind, entityID string) error {
	_, err := q.Exec(`DELETE FROM address_book_pending_updates WHERE kind = ? AND entity_id = ?`, kind, entityID)
	return err
}

// ContactUpdates returns the journaled contact changes awaiting a remote
// push, reconstructed from current contact state.
func (db *DB) ContactUpdates() ([]ContactUpdate, error) {
	rows, err := db.Query(`
		SELECT c.id, c.allowed_message_level
		FROM address_book_pending_updates p
		JOIN contacts c ON c.id = CAST(p.entity_id AS INTEGER)
		WHERE p.kind = 'c'
		ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var updates []ContactUpdate
	for rows.Next() {
		var u ContactUpdate
		if err := rows.Scan(&u.UserID, &u.AllowedMessageLevel); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// RemoveContactUpdates clears journal rows after a confirmed remote push.
func (db *DB) RemoveContactUpdates(ids []UserID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := clearPendingUpdate(tx, "c", strconv.FormatInt(int64(id), 10)); err != nil {
				return err
			}
		}
		return nil
	})
}
