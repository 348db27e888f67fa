package inbound

import (
	"context"
	"errors"
	"time"

	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/protocol"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

// Decryptor opens a payload sealed for this device.
type Decryptor interface {
	Decrypt(payload []byte) ([]byte, error)
}

// ContactResolver ensures contact rows exist for the given users, fetching
// unknown ones from the remote directory. It returns the ids that do not
// exist remotely.
type ContactResolver interface {
	ResolveMissing(ids []store.UserID) (invalid []store.UserID, err error)
}

// Dispatcher drains the inbound package queue: decrypt, decode, apply.
// Packages are removed once applied, or when their content is garbage;
// they are kept for retry when storage itself fails.
type Dispatcher struct {
	db       *store.DB
	dec      Decryptor
	resolver ContactResolver
	bus      *bus.Bus
	selfID   store.UserID
	log      *zap.Logger
	kick     chan struct{}
	cancel   context.CancelFunc
}

func NewDispatcher(db *store.DB, dec Decryptor, resolver ContactResolver, b *bus.Bus, selfID store.UserID, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		dec:      dec,
		resolver: resolver,
		bus:      b,
		selfID:   selfID,
		log:      log.Named("inbound.dispatcher"),
		kick:     make(chan struct{}, 1),
	}
}

// Start drains whatever survived the last shutdown, then drains again on
// every queued package.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	events, unsub := d.bus.Subscribe("inbound.package_queued", 256)
	go func() {
		defer unsub()
		d.Drain()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				d.Drain()
			case <-d.kick:
				d.Drain()
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Kick schedules a drain without going through the bus.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Drain processes every queued package in order.
func (d *Dispatcher) Drain() {
	packages, err := d.db.QueuedPackages()
	if err != nil {
		d.log.Error("failed to read package queue", zap.Error(err))
		return
	}
	for _, pkg := range packages {
		if err := d.process(pkg); err != nil {
			// Storage trouble. Keep the package; a later drain retries.
			d.log.Error("processing failed, keeping package",
				zap.Error(err),
				zap.String("message", pkg.ID.MessageID))
			return
		}
		if err := d.db.RemovePackages([]store.PackageID{pkg.ID}); err != nil {
			d.log.Error("failed to dequeue processed package", zap.Error(err))
			return
		}
	}
}

// process applies one package. A nil return means the package is done
// with, whether it was applied or discarded as garbage.
func (d *Dispatcher) process(pkg store.Package) error {
	sender := pkg.ID.Address.UserID

	plaintext, err := d.dec.Decrypt(pkg.Payload)
	if err != nil {
		d.log.Warn("undecryptable package discarded",
			zap.Int64("from", int64(sender)),
			zap.String("message", pkg.ID.MessageID),
			zap.Error(err))
		return nil
	}
	content, err := protocol.Decode(plaintext)
	if err != nil {
		d.log.Warn("undecodable package discarded",
			zap.Int64("from", int64(sender)),
			zap.Error(err))
		return nil
	}

	switch c := content.(type) {
	case *protocol.TextContent:
		return d.applyText(pkg, c)
	case *protocol.GroupInvitation:
		return d.applyInvitation(sender, c)
	case *protocol.GroupJoin:
		return d.applyJoin(sender, c)
	case *protocol.GroupPart:
		return d.applyPart(sender, c)
	default:
		d.log.Warn("unhandled content discarded", zap.Int64("from", int64(sender)))
		return nil
	}
}

func (d *Dispatcher) applyText(pkg store.Package, c *protocol.TextContent) error {
	sender := pkg.ID.Address.UserID

	var convID store.ConversationID
	if c.GroupID != nil {
		ok, err := d.senderInJoinedGroup(*c.GroupID, sender)
		if err != nil {
			return err
		}
		if !ok {
			d.log.Debug("group text outside membership discarded",
				zap.String("group", string(*c.GroupID)),
				zap.Int64("from", int64(sender)))
			return nil
		}
		convID = store.GroupConversation(*c.GroupID)
	} else {
		convID = store.UserConversation(sender)
	}

	msg := &store.Message{
		ConversationID:    convID,
		MessageID:         c.MessageID,
		Speaker:           &sender,
		Body:              c.Body,
		Timestamp:         c.Timestamp,
		ReceivedTimestamp: time.Now().UnixMilli(),
		TTLMillis:         c.TTLMillis,
	}
	if err := d.db.AddMessage(msg); err != nil {
		if isEligibilityError(err) {
			d.log.Debug("ineligible text discarded",
				zap.String("conversation", convID.String()),
				zap.Error(err))
			return nil
		}
		return err
	}
	d.bus.Publish("conversation.message_added", msg)
	return nil
}

func (d *Dispatcher) applyInvitation(sender store.UserID, c *protocol.GroupInvitation) error {
	group, err := d.db.Group(c.GroupID)
	if err != nil {
		return err
	}
	// Only an unknown or previously parted group is joinable. A blocked
	// group stays blocked, and a joined group ignores re-invitations.
	if group != nil && group.MembershipLevel != store.MembershipParted {
		d.log.Debug("invitation for settled group discarded",
			zap.String("group", string(c.GroupID)),
			zap.String("level", group.MembershipLevel.String()))
		return nil
	}

	members := c.Members
	if d.resolver != nil && len(members) > 0 {
		invalid, err := d.resolver.ResolveMissing(members)
		if err != nil {
			return err
		}
		if len(invalid) > 0 {
			invalidSet := make(map[store.UserID]bool, len(invalid))
			for _, id := range invalid {
				invalidSet[id] = true
			}
			kept := members[:0]
			for _, id := range members {
				if !invalidSet[id] {
					kept = append(kept, id)
				}
			}
			members = kept
		}
	}
	if sender != d.selfID {
		present := false
		for _, id := range members {
			if id == sender {
				present = true
				break
			}
		}
		if !present {
			members = append(members, sender)
		}
	}

	joined, err := d.db.JoinGroup(store.GroupInfo{
		ID:              c.GroupID,
		Name:            c.Name,
		MembershipLevel: store.MembershipJoined,
	}, members)
	if err != nil {
		return err
	}
	if joined {
		d.log.Info("joined group by invitation",
			zap.String("group", string(c.GroupID)),
			zap.Int64("from", int64(sender)))
		d.bus.Publish("addressbook.group_joined", store.GroupDelta{
			Kind:    store.GroupDeltaJoined,
			GroupID: c.GroupID,
			Name:    c.Name,
			Members: members,
		})
	}
	return nil
}

func (d *Dispatcher) applyJoin(sender store.UserID, c *protocol.GroupJoin) error {
	ok, err := d.senderInJoinedGroup(c.GroupID, sender)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if d.resolver != nil {
		invalid, err := d.resolver.ResolveMissing([]store.UserID{c.Joined})
		if err != nil {
			return err
		}
		if len(invalid) > 0 {
			d.log.Warn("join for unresolvable user discarded",
				zap.Int64("joined", int64(c.Joined)))
			return nil
		}
	}
	added, err := d.db.AddGroupMembers(c.GroupID, []store.UserID{c.Joined})
	if err != nil {
		return err
	}
	if len(added) > 0 {
		d.bus.Publish("addressbook.membership_changed", store.GroupDelta{
			Kind:       store.GroupDeltaMembershipChanged,
			GroupID:    c.GroupID,
			NewMembers: added,
		})
	}
	return nil
}

func (d *Dispatcher) applyPart(sender store.UserID, c *protocol.GroupPart) error {
	ok, err := d.senderInJoinedGroup(c.GroupID, sender)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	removed, err := d.db.RemoveGroupMember(c.GroupID, sender)
	if err != nil {
		return err
	}
	if removed {
		d.bus.Publish("addressbook.membership_changed", store.GroupDelta{
			Kind:          store.GroupDeltaMembershipChanged,
			GroupID:       c.GroupID,
			PartedMembers: []store.UserID{sender},
		})
	}
	return nil
}

// senderInJoinedGroup gates group events: the group must be joined here
// and the sender must be on its roster.
func (d *Dispatcher) senderInJoinedGroup(id store.GroupID, sender store.UserID) (bool, error) {
	group, err := d.db.Group(id)
	if err != nil {
		return false, err
	}
	if group == nil || group.MembershipLevel != store.MembershipJoined {
		return false, nil
	}
	return d.db.IsGroupMember(id, sender)
}

func isEligibilityError(err error) bool {
	var (
		groupErr   *store.InvalidGroupError
		contactErr *store.InvalidContactError
		levelErr   *store.InvalidMessageLevelError
	)
	return errors.As(err, &groupErr) || errors.As(err, &contactErr) || errors.As(err, &levelErr)
}
