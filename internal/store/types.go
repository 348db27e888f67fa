package store

import (
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies a user account. IDs are assigned by the remote
// authority and are stable across devices.
type UserID int64

// GroupID identifies a group. Group ids are opaque strings (uuids in
// practice) minted by whichever member created the group.
type GroupID string

// AllowedMessageLevel controls which traffic from a contact is accepted.
type AllowedMessageLevel int

const (
	MessageLevelBlocked AllowedMessageLevel = iota
	MessageLevelGroupOnly
	MessageLevelAll
)

func (l AllowedMessageLevel) String() string {
	switch l {
	case MessageLevelBlocked:
		return "BLOCKED"
	case MessageLevelGroupOnly:
		return "GROUP_ONLY"
	case MessageLevelAll:
		return "ALL"
	}
	return fmt.Sprintf("AllowedMessageLevel(%d)", int(l))
}

// GroupMembershipLevel is our relationship to a group. A group absent
// from the store entirely is the implicit fourth, pre-existence state.
type GroupMembershipLevel int

const (
	MembershipBlocked GroupMembershipLevel = iota
	MembershipParted
	MembershipJoined
)

func (l GroupMembershipLevel) String() string {
	switch l {
	case MembershipBlocked:
		return "BLOCKED"
	case MembershipParted:
		return "PARTED"
	case MembershipJoined:
		return "JOINED"
	}
	return fmt.Sprintf("GroupMembershipLevel(%d)", int(l))
}

// ConversationKind discriminates ConversationID.
type ConversationKind int

const (
	ConversationUser ConversationKind = iota
	ConversationGroup
)

// ConversationID names either a direct conversation with a user or a
// group conversation. Exactly one of User/Group is set.
type ConversationID struct {
	User  UserID
	Group GroupID
}

// UserConversation returns the ConversationID for a direct conversation.
func UserConversation(id UserID) ConversationID {
	return ConversationID{User: id}
}

// GroupConversation returns the ConversationID for a group conversation.
func GroupConversation(id GroupID) ConversationID {
	return ConversationID{Group: id}
}

func (c ConversationID) Kind() ConversationKind {
	if c.Group != "" {
		return ConversationGroup
	}
	return ConversationUser
}

// String renders the id in its persisted form: "u:<id>" or "g:<id>".
func (c ConversationID) String() string {
	if c.Kind() == ConversationGroup {
		return "g:" + string(c.Group)
	}
	return "u:" + strconv.FormatInt(int64(c.User), 10)
}

// ParseConversationID parses the persisted "u:"/"g:" form.
func ParseConversationID(s string) (ConversationID, error) {
	if rest, ok := strings.CutPrefix(s, "u:"); ok {
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return ConversationID{}, fmt.Errorf("parse conversation id %q: %w", s, err)
		}
		return UserConversation(UserID(n)), nil
	}
	if rest, ok := strings.CutPrefix(s, "g:"); ok {
		return GroupConversation(GroupID(rest)), nil
	}
	return ConversationID{}, fmt.Errorf("parse conversation id %q: unknown prefix", s)
}

// ContactInfo is a contact's address book entry. Contact rows are never
// deleted; removing or blocking a contact only lowers the message level.
type ContactInfo struct {
	ID                  UserID
	Email               string
	Name                string
	Phone               string
	PublicKey           string
	AllowedMessageLevel AllowedMessageLevel
	// IsPending marks a contact known locally but not yet confirmed
	// present in the remote address book.
	IsPending bool
}

// GroupInfo is a group's address book entry.
type GroupInfo struct {
	ID              GroupID
	Name            string
	MembershipLevel GroupMembershipLevel
}

// ConversationInfo is the per-conversation summary row.
type ConversationInfo struct {
	ConversationID ConversationID
	LastSpeaker    *UserID
	LastMessage    string
	LastTimestamp  int64
	UnreadCount    int
}

// Message is one conversation log entry. A nil Speaker means the message
// was sent by the local user.
type Message struct {
	ConversationID    ConversationID
	MessageID         string
	Speaker           *UserID
	Body              string
	Timestamp         int64
	ReceivedTimestamp int64
	IsRead            bool
	IsDelivered       bool
	TTLMillis         int64
}

// Address locates a single device of a user.
type Address struct {
	UserID   UserID
	DeviceID int
}

// PackageID keys an inbound package by sender address and message id.
type PackageID struct {
	Address   Address
	MessageID string
}

// Package is a durably queued inbound encrypted message awaiting
// decryption and processing.
type Package struct {
	ID        PackageID
	Timestamp int64
	Payload   []byte
}

// MessageCategory tags outbound queue entries.
type MessageCategory string

const (
	CategoryTextSingle MessageCategory = "TEXT_SINGLE"
	CategoryTextGroup  MessageCategory = "TEXT_GROUP"
)

// MessageMetadata describes one outbound queue entry.
type MessageMetadata struct {
	UserID    UserID
	GroupID   *GroupID
	Category  MessageCategory
	MessageID string
}

// SenderMessageEntry is a serialized outbound message plus its metadata.
type SenderMessageEntry struct {
	Metadata MessageMetadata
	Message  []byte
}

// ConversationID returns the conversation the entry belongs to.
func (e *SenderMessageEntry) ConversationID() ConversationID {
	if e.Metadata.GroupID != nil {
		return GroupConversation(*e.Metadata.GroupID)
	}
	return UserConversation(e.Metadata.UserID)
}

// ContactUpdate is the pending-journal form of a contact change.
type ContactUpdate struct {
	UserID              UserID              `json:"userId"`
	AllowedMessageLevel AllowedMessageLevel `json:"allowedMessageLevel"`
}

// GroupUpdate is the pending-journal form of a group change, and the
// shape group state takes on the wire to and from the remote authority.
type GroupUpdate struct {
	GroupID         GroupID              `json:"groupId"`
	Name            string               `json:"name"`
	Members         []UserID             `json:"members"`
	MembershipLevel GroupMembershipLevel `json:"membershipLevel"`
}

// AddressBookUpdate is one pending outbound change: either a contact or
// a group entry. Exactly one field is set.
type AddressBookUpdate struct {
	Contact *ContactUpdate `json:"c,omitempty"`
	Group   *GroupUpdate   `json:"g,omitempty"`
}

// ContactListDiff is the result of comparing local contact ids against a
// remote authoritative id list.
type ContactListDiff struct {
	ToAdd    []UserID
	ToRemove []UserID
}

// GroupDeltaKind discriminates GroupDelta.
type GroupDeltaKind string

const (
	GroupDeltaJoined            GroupDeltaKind = "joined"
	GroupDeltaParted            GroupDeltaKind = "parted"
	GroupDeltaBlocked           GroupDeltaKind = "blocked"
	GroupDeltaMembershipChanged GroupDeltaKind = "membership_changed"
)

// GroupDelta is a notification produced by ApplyGroupDiff. Deltas are
// never persisted; they exist only to drive downstream notifications.
type GroupDelta struct {
	Kind    GroupDeltaKind
	GroupID GroupID

	// Joined only.
	Name    string
	Members []UserID

	// MembershipChanged only. Both may be empty: a delta is emitted for
	// every joined-stays-joined update, changed or not, and consumers
	// must treat it idempotently.
	NewMembers    []UserID
	PartedMembers []UserID
}
