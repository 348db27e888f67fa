package store

import (
	"database/sql"
	"fmt"
)

func queryGroupInfo(q querier, id GroupID) (*GroupInfo, error) {
	var g GroupInfo
	err := q.QueryRow(`SELECT id, name, membership_level FROM groups WHERE id = ?`, string(id)).
		Scan(&g.ID, &g.Name, &g.MembershipLevel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func queryGroupInfoOrErr(q querier, id GroupID) (*GroupInfo, error) {
	g, err := queryGroupInfo(q, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, &InvalidGroupError{GroupID: id}
	}
	return g, nil
}

func insertGroupInfo(q querier, g *GroupInfo) error {
	_, err := q.Exec(`INSERT OR REPLACE INTO groups (id, name, membership_level) VALUES (?, ?, ?)`,
		string(g.ID), g.Name, g.MembershipLevel)
	if err != nil {
		return fmt.Errorf("insert group %s: %w", g.ID, err)
	}
	return nil
}

func setMembershipLevel(q querier, id GroupID, level GroupMembershipLevel) error {
	_, err := q.Exec(`UPDATE groups SET membership_level = ? WHERE id = ?`, level, string(id))
	return err
}

func queryGroupMembers(q querier, id GroupID) ([]UserID, error) {
	rows, err := q.Query(`SELECT contact_id FROM group_members WHERE group_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []UserID
	for rows.Next() {
		var u UserID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		members = append(members, u)
	}
	sortUserIDs(members)
	return members, rows.Err()
}

func insertGroupMembers(q querier, id GroupID, members []UserID) error {
	for _, m := range members {
		if _, err := q.Exec(`INSERT OR IGNORE INTO group_members (group_id, contact_id) VALUES (?, ?)`,
			string(id), int64(m)); err != nil {
			return fmt.Errorf("insert member %d of %s: %w", m, id, err)
		}
	}
	return nil
}

func clearGroupMembers(q querier, id GroupID) error {
	_, err := q.Exec(`DELETE FROM group_members WHERE group_id = ?`, string(id))
	return err
}

func journalGroupUpdate(q querier, id GroupID) error {
	_, err := q.Exec(`INSERT OR REPLACE INTO address_book_pending_updates (kind, entity_id) VALUES ('g', ?)`, string(id))
	if err != nil {
		return fmt.Errorf("journal group update: %w", err)
	}
	return nil
}

// parted/blocked -> joined
func transitionGroupJoined(q querier, id GroupID) error {
	if err := setMembershipLevel(q, id, MembershipJoined); err != nil {
		return err
	}
	return createConversationData(q, GroupConversation(id))
}

// joined -> parted/blocked: members, log and TTL entries all go.
func transitionGroupAway(q querier, id GroupID, level GroupMembershipLevel) error {
	if err := clearGroupMembers(q, id); err != nil {
		return err
	}
	if err := setMembershipLevel(q, id, level); err != nil {
		return err
	}
	return deleteConversationData(q, GroupConversation(id))
}

// JoinedGroups returns all JOINED groups. Parted and blocked groups are
// not listed.
func (db *DB) JoinedGroups() ([]GroupInfo, error) {
	rows, err := db.Query(`SELECT id, name, membership_level FROM groups WHERE membership_level = ?`, MembershipJoined)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []GroupInfo
	for rows.Next() {
		var g GroupInfo
		if err := rows.Scan(&g.ID, &g.Name, &g.MembershipLevel); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Group returns a group's info, or nil if the store has never seen it.
func (db *DB) Group(id GroupID) (*GroupInfo, error) {
	return queryGroupInfo(db, id)
}

// BlockedGroups returns ids of all BLOCKED groups.
func (db *DB) BlockedGroups() ([]GroupID, error) {
	rows, err := db.Query(`SELECT id FROM groups WHERE membership_level = ?`, MembershipBlocked)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []GroupID
	for rows.Next() {
		var id GroupID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupMembers returns the member set of a known group.
func (db *DB) GroupMembers(id GroupID) ([]UserID, error) {
	if _, err := queryGroupInfoOrErr(db, id); err != nil {
		return nil, err
	}
	return queryGroupMembers(db, id)
}

// NonBlockedGroupMembers returns members whose contact entry is not
// BLOCKED. Used when fanning a group message out.
func (db *DB) NonBlockedGroupMembers(id GroupID) ([]UserID, error) {
	if _, err := queryGroupInfoOrErr(db, id); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT m.contact_id
		FROM group_members m
		LEFT JOIN contacts c ON c.id = m.contact_id
		WHERE m.group_id = ? AND (c.id IS NULL OR c.allowed_message_level != ?)`,
		string(id), MessageLevelBlocked)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []UserID
	for rows.Next() {
		var u UserID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		members = append(members, u)
	}
	sortUserIDs(members)
	return members, rows.Err()
}

// IsGroupMember reports whether userID is in the member set of a known group.
func (db *DB) IsGroupMember(id GroupID, userID UserID) (bool, error) {
	if _, err := queryGroupInfoOrErr(db, id); err != nil {
		return false, err
	}
	var one int
	err := db.QueryRow(`SELECT 1 FROM group_members WHERE group_id = ? AND contact_id = ?`,
		string(id), int64(userID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// JoinGroup joins a new group or rejoins a parted/blocked one. Returns
// false without touching the member set if the group is already JOINED.
func (db *DB) JoinGroup(info GroupInfo, members []UserID) (bool, error) {
	if info.MembershipLevel != MembershipJoined {
		return false, fmt.Errorf("join %s: membership level must be JOINED, got %s", info.ID, info.MembershipLevel)
	}

	joined := false
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := queryGroupInfo(tx, info.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.MembershipLevel == MembershipJoined {
			return nil
		}

		// Rejoin: the member list should already be empty from the
		// part/block, but clear it to be safe.
		if existing != nil {
			if err := clearGroupMembers(tx, info.ID); err != nil {
				return err
			}
		}
		if err := insertGroupInfo(tx, &info); err != nil {
			return err
		}
		if err := createConversationData(tx, GroupConversation(info.ID)); err != nil {
			return err
		}
		if err := insertGroupMembers(tx, info.ID, members); err != nil {
			return err
		}
		if err := journalGroupUpdate(tx, info.ID); err != nil {
			return err
		}
		joined = true
		return nil
	})
	return joined, err
}

// PartGroup leaves a JOINED group. No-op (false) for parted or blocked groups.
func (db *DB) PartGroup(id GroupID) (bool, error) {
	return db.transitionGroup(id, MembershipParted, func(prev GroupMembershipLevel) bool {
		return prev == MembershipJoined
	})
}

// BlockGroup blocks a group from any state except BLOCKED.
func (db *DB) BlockGroup(id GroupID) (bool, error) {
	return db.transitionGroup(id, MembershipBlocked, func(prev GroupMembershipLevel) bool {
		return prev != MembershipBlocked
	})
}

// UnblockGroup moves a BLOCKED group to PARTED.
func (db *DB) UnblockGroup(id GroupID) (bool, error) {
	changed := false
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := queryGroupInfoOrErr(tx, id)
		if err != nil {
			return err
		}
		if existing.MembershipLevel != MembershipBlocked {
			return nil
		}
		if err := setMembershipLevel(tx, id, MembershipParted); err != nil {
			return err
		}
		if err := journalGroupUpdate(tx, id); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (db *DB) transitionGroup(id GroupID, next GroupMembershipLevel, want func(prev GroupMembershipLevel) bool) (bool, error) {
	changed := false
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := queryGroupInfoOrErr(tx, id)
		if err != nil {
			return err
		}
		if !want(existing.MembershipLevel) {
			return nil
		}
		if existing.MembershipLevel == MembershipJoined {
			if err := transitionGroupAway(tx, id, next); err != nil {
				return err
			}
		} else if err := setMembershipLevel(tx, id, next); err != nil {
			return err
		}
		if err := journalGroupUpdate(tx, id); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// AddGroupMembers adds users to a known group's member set, returning
// only the subset that was not already present. A journal row is written
// only when the set actually grew.
func (db *DB) AddGroupMembers(id GroupID, users []UserID) ([]UserID, error) {
	if len(users) == 0 {
		return nil, nil
	}

	var added []UserID
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := queryGroupInfoOrErr(tx, id); err != nil {
			return err
		}
		current, err := queryGroupMembers(tx, id)
		if err != nil {
			return err
		}
		currentSet := make(map[UserID]struct{}, len(current))
		for _, m := range current {
			currentSet[m] = struct{}{}
		}
		for _, u := range users {
			if _, ok := currentSet[u]; !ok {
				added = append(added, u)
				currentSet[u] = struct{}{}
			}
		}
		if len(added) == 0 {
			return nil
		}
		if err := insertGroupMembers(tx, id, added); err != nil {
			return err
		}
		return journalGroupUpdate(tx, id)
	})
	if err != nil {
		return nil, err
	}
	sortUserIDs(added)
	return added, nil
}

// RemoveGroupMember drops one user from a known group's member set.
// Returns whether the user was actually present.
func (db *DB) RemoveGroupMember(id GroupID, userID UserID) (bool, error) {
	removed := false
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := queryGroupInfoOrErr(tx, id); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ? AND contact_id = ?`,
			string(id), int64(userID))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		removed = true
		return journalGroupUpdate(tx, id)
	})
	return removed, err
}

// applyGroupUpdate applies one remote group update inside tx and returns
// the delta to emit, or nil for a settled no-op (PARTED->PARTED,
// BLOCKED->BLOCKED).
func applyGroupUpdate(tx *sql.Tx, update GroupUpdate) (*GroupDelta, error) {
	existing, err := queryGroupInfo(tx, update.GroupID)
	if err != nil {
		return nil, err
	}

	var previousMembers []UserID
	transitioned := false

	if existing == nil {
		info := GroupInfo{ID: update.GroupID, Name: update.Name, MembershipLevel: update.MembershipLevel}
		if err := insertGroupInfo(tx, &info); err != nil {
			return nil, err
		}
		if update.MembershipLevel == MembershipJoined {
			if err := createConversationData(tx, GroupConversation(update.GroupID)); err != nil {
				return nil, err
			}
		}
		transitioned = true
	} else if existing.MembershipLevel != update.MembershipLevel {
		switch update.MembershipLevel {
		case MembershipJoined:
			if err := transitionGroupJoined(tx, update.GroupID); err != nil {
				return nil, err
			}
		default:
			if existing.MembershipLevel == MembershipJoined {
				if err := transitionGroupAway(tx, update.GroupID, update.MembershipLevel); err != nil {
					return nil, err
				}
			} else if err := setMembershipLevel(tx, update.GroupID, update.MembershipLevel); err != nil {
				return nil, err
			}
		}
		transitioned = true
	} else if update.MembershipLevel == MembershipJoined {
		// Staying joined: remember the old set for the delta before the
		// incoming set replaces it.
		previousMembers, err = queryGroupMembers(tx, update.GroupID)
		if err != nil {
			return nil, err
		}
	}

	if update.MembershipLevel == MembershipJoined {
		if err := clearGroupMembers(tx, update.GroupID); err != nil {
			return nil, err
		}
		if err := insertGroupMembers(tx, update.GroupID, update.Members); err != nil {
			return nil, err
		}
	}

	if transitioned {
		switch update.MembershipLevel {
		case MembershipJoined:
			members := append([]UserID(nil), update.Members...)
			sortUserIDs(members)
			return &GroupDelta{Kind: GroupDeltaJoined, GroupID: update.GroupID, Name: update.Name, Members: members}, nil
		case MembershipParted:
			return &GroupDelta{Kind: GroupDeltaParted, GroupID: update.GroupID}, nil
		default:
			return &GroupDelta{Kind: GroupDeltaBlocked, GroupID: update.GroupID}, nil
		}
	}

	if update.MembershipLevel != MembershipJoined {
		// Settled PARTED/PARTED or BLOCKED/BLOCKED: nothing to report.
		return nil, nil
	}

	// Joined stayed joined: always report, even when nothing moved.
	currentSet := make(map[UserID]struct{}, len(update.Members))
	for _, m := range update.Members {
		currentSet[m] = struct{}{}
	}
	previousSet := make(map[UserID]struct{}, len(previousMembers))
	for _, m := range previousMembers {
		previousSet[m] = struct{}{}
	}

	delta := &GroupDelta{Kind: GroupDeltaMembershipChanged, GroupID: update.GroupID}
	for _, m := range update.Members {
		if _, ok := previousSet[m]; !ok {
			delta.NewMembers = append(delta.NewMembers, m)
		}
	}
	for _, m := range previousMembers {
		if _, ok := currentSet[m]; !ok {
			delta.PartedMembers = append(delta.PartedMembers, m)
		}
	}
	sortUserIDs(delta.NewMembers)
	sortUserIDs(delta.PartedMembers)
	return delta, nil
}

// ApplyGroupDiff applies a batch of remote group updates as one atomic
// unit and returns the resulting deltas. The remote state always wins:
// any pending journal row for a touched group is deleted regardless of
// outcome. Never fails for structurally valid input.
func (db *DB) ApplyGroupDiff(updates []GroupUpdate) ([]GroupDelta, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	var deltas []GroupDelta
	err := db.inTx(func(tx *sql.Tx) error {
		for _, update := range updates {
			delta, err := applyGroupUpdate(tx, update)
			if err != nil {
				return err
			}
			if delta != nil {
				deltas = append(deltas, *delta)
			}
			if err := clearPendingUpdate(tx, "g", string(update.GroupID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deltas, nil
}

// GroupUpdates returns the journaled group changes awaiting a remote
// push, reconstructed from current group state and member sets.
func (db *DB) GroupUpdates() ([]GroupUpdate, error) {
	rows, err := db.Query(`
		SELECT g.id, g.name, g.membership_level
		FROM address_book_pending_updates p
		JOIN groups g ON g.id = p.entity_id
		WHERE p.kind = 'g'
		ORDER BY g.id`)
	if err != nil {
		return nil, err
	}

	var updates []GroupUpdate
	for rows.Next() {
		var u GroupUpdate
		if err := rows.Scan(&u.GroupID, &u.Name, &u.MembershipLevel); err != nil {
			_ = rows.Close()
			return nil, err
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range updates {
		members, err := queryGroupMembers(db, updates[i].GroupID)
		if err != nil {
			return nil, err
		}
		updates[i].Members = members
	}
	return updates, nil
}

// RemoveGroupUpdates clears journal rows after a confirmed remote push.
func (db *DB) RemoveGroupUpdates(ids []GroupID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := clearPendingUpdate(tx, "g", string(id)); err != nil {
				return err
			}
		}
		return nil
	})
}
