// Package addressbook layers convergence semantics over the contact and
// group tables: local mutations journal themselves for the next push, and
// remote diffs are applied transactionally with change events published on
// the bus.
package addressbook

import (
	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

// Engine applies local and remote address book changes.
type Engine struct {
	db  *store.DB
	bus *bus.Bus
	log *zap.Logger
}

func NewEngine(db *store.DB, b *bus.Bus, log *zap.Logger) *Engine {
	return &Engine{
		db:  db,
		bus: b,
		log: log.Named("addressbook"),
	}
}

// AddContact adds a contact at the ALL message level, or raises an existing
// contact's level. Reports whether anything changed.
func (e *Engine) AddContact(c store.ContactInfo) (bool, error) {
	changed, err := e.db.AddContact(&c)
	if err != nil {
		return false, err
	}
	if changed {
		e.log.Info("contact added", zap.Int64("user", int64(c.ID)))
		e.bus.Publish("addressbook.contact_added", c)
	}
	return changed, nil
}

func (e *Engine) RemoveContact(id store.UserID) (bool, error) {
	changed, err := e.db.RemoveContact(id)
	if err != nil {
		return false, err
	}
	if changed {
		e.bus.Publish("addressbook.contact_removed", id)
	}
	return changed, nil
}

func (e *Engine) BlockContact(id store.UserID) (bool, error) {
	changed, err := e.db.BlockContact(id)
	if err != nil {
		return false, err
	}
	if changed {
		e.bus.Publish("addressbook.contact_blocked", id)
	}
	return changed, nil
}

func (e *Engine) UnblockContact(id store.UserID) (bool, error) {
	changed, err := e.db.UnblockContact(id)
	if err != nil {
		return false, err
	}
	if changed {
		e.bus.Publish("addressbook.contact_unblocked", id)
	}
	return changed, nil
}

// JoinGroup creates or rejoins a group with the given roster.
func (e *Engine) JoinGroup(info store.GroupInfo, members []store.UserID) (bool, error) {
	joined, err := e.db.JoinGroup(info, members)
	if err != nil {
		return false, err
	}
	if joined {
		e.log.Info("joined group", zap.String("group", string(info.ID)))
		e.bus.Publish("addressbook.group_joined", store.GroupDelta{
			Kind:    store.GroupDeltaJoined,
			GroupID: info.ID,
			Name:    info.Name,
			Members: members,
		})
	}
	return joined, nil
}

func (e *Engine) PartGroup(id store.GroupID) (bool, error) {
	parted, err := e.db.PartGroup(id)
	if err != nil {
		return false, err
	}
	if parted {
		e.bus.Publish("addressbook.group_parted", store.GroupDelta{
			Kind:    store.GroupDeltaParted,
			GroupID: id,
		})
	}
	return parted, nil
}

func (e *Engine) BlockGroup(id store.GroupID) (bool, error) {
	blocked, err := e.db.BlockGroup(id)
	if err != nil {
		return false, err
	}
	if blocked {
		e.bus.Publish("addressbook.group_blocked", store.GroupDelta{
			Kind:    store.GroupDeltaBlocked,
			GroupID: id,
		})
	}
	return blocked, nil
}

// UnblockGroup moves a blocked group back to parted, which is what the
// published delta reports.
func (e *Engine) UnblockGroup(id store.GroupID) (bool, error) {
	changed, err := e.db.UnblockGroup(id)
	if err != nil {
		return false, err
	}
	if changed {
		e.bus.Publish("addressbook.group_parted", store.GroupDelta{
			Kind:    store.GroupDeltaParted,
			GroupID: id,
		})
	}
	return changed, nil
}

// AddGroupMembers records new members and returns the subset that was not
// already present.
func (e *Engine) AddGroupMembers(id store.GroupID, users []store.UserID) ([]store.UserID, error) {
	added, err := e.db.AddGroupMembers(id, users)
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		e.bus.Publish("addressbook.membership_changed", store.GroupDelta{
			Kind:       store.GroupDeltaMembershipChanged,
			GroupID:    id,
			NewMembers: added,
		})
	}
	return added, nil
}

func (e *Engine) RemoveGroupMember(id store.GroupID, user store.UserID) (bool, error) {
	removed, err := e.db.RemoveGroupMember(id, user)
	if err != nil {
		return false, err
	}
	if removed {
		e.bus.Publish("addressbook.membership_changed", store.GroupDelta{
			Kind:          store.GroupDeltaMembershipChanged,
			GroupID:       id,
			PartedMembers: []store.UserID{user},
		})
	}
	return removed, nil
}

// ContactDiff compares the remote contact id set against local storage.
func (e *Engine) ContactDiff(remote []store.UserID) (store.ContactListDiff, error) {
	return e.db.ContactDiff(remote)
}

// ApplyContactDiff applies a remote contact snapshot. Remote state wins;
// journal entries for the touched contacts are cleared.
func (e *Engine) ApplyContactDiff(newContacts []store.ContactInfo, updated []store.ContactUpdate) error {
	if err := e.db.ApplyContactDiff(newContacts, updated); err != nil {
		return err
	}
	e.log.Info("applied contact diff",
		zap.Int("new", len(newContacts)),
		zap.Int("updated", len(updated)))
	return nil
}

// ApplyGroupDiff applies a batch of remote group updates in one transaction
// and publishes one event per observable transition.
func (e *Engine) ApplyGroupDiff(updates []store.GroupUpdate) ([]store.GroupDelta, error) {
	deltas, err := e.db.ApplyGroupDiff(updates)
	if err != nil {
		return nil, err
	}
	for _, d := range deltas {
		switch d.Kind {
		case store.GroupDeltaJoined:
			e.bus.Publish("addressbook.group_joined", d)
		case store.GroupDeltaParted:
			e.bus.Publish("addressbook.group_parted", d)
		case store.GroupDeltaBlocked:
			e.bus.Publish("addressbook.group_blocked", d)
		case store.GroupDeltaMembershipChanged:
			e.bus.Publish("addressbook.membership_changed", d)
		}
	}
	e.log.Info("applied group diff",
		zap.Int("updates", len(updates)),
		zap.Int("deltas", len(deltas)))
	return deltas, nil
}

// PendingUpdates returns the journaled local changes awaiting a push,
// contacts and groups interleaved.
func (e *Engine) PendingUpdates() ([]store.AddressBookUpdate, error) {
	contacts, err := e.db.ContactUpdates()
	if err != nil {
		return nil, err
	}
	groups, err := e.db.GroupUpdates()
	if err != nil {
		return nil, err
	}

	updates := make([]store.AddressBookUpdate, 0, len(contacts)+len(groups))
	for i := range contacts {
		updates = append(updates, store.AddressBookUpdate{Contact: &contacts[i]})
	}
	for i := range groups {
		updates = append(updates, store.AddressBookUpdate{Group: &groups[i]})
	}
	return updates, nil
}

// ClearPendingUpdates drops journal entries after a successful push.
func (e *Engine) ClearPendingUpdates(updates []store.AddressBookUpdate) error {
	var users []store.UserID
	var groups []store.GroupID
	for _, u := range updates {
		if u.Contact != nil {
			users = append(users, u.Contact.UserID)
		}
		if u.Group != nil {
			groups = append(groups, u.Group.GroupID)
		}
	}
	if len(users) > 0 {
		if err := e.db.RemoveContactUpdates(users); err != nil {
			return err
		}
	}
	if len(groups) > 0 {
		if err := e.db.RemoveGroupUpdates(groups); err != nil {
			return err
		}
	}
	return nil
}
