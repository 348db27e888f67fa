package store

import (
	"fmt"
	"testing"
)

func outboundEntry(to UserID, groupID *GroupID, messageID string) SenderMessageEntry {
	category := CategoryTextSingle
	if groupID != nil {
		category = CategoryTextGroup
	}
	return SenderMessageEntry{
		Metadata: MessageMetadata{
			UserID:    to,
			GroupID:   groupID,
			Category:  category,
			MessageID: messageID,
		},
		Message: []byte("serialized " + messageID),
	}
}

func TestOutboundFIFO(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 3; i++ {
		e := outboundEntry(2, nil, fmt.Sprintf("m-%d", i))
		if err := db.AddToOutbound(&e); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.Undelivered()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d entries, want 3", len(pending))
	}
	for i, e := range pending {
		if want := fmt.Sprintf("m-%d", i); e.Metadata.MessageID != want {
			t.Errorf("pending[%d] = %s, want %s", i, e.Metadata.MessageID, want)
		}
	}
}

func TestOutboundDuplicateIgnored(t *testing.T) {
	db := testDB(t)
	e := outboundEntry(2, nil, "m-1")
	if err := db.AddToOutbound(&e); err != nil {
		t.Fatal(err)
	}
	if err := db.AddToOutbound(&e); err != nil {
		t.Fatal(err)
	}

	pending, err := db.Undelivered()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d entries, want 1", len(pending))
	}
}

func TestOutboundFanOutAndRemoval(t *testing.T) {
	db := testDB(t)
	gid := GroupID("g-1")
	entries := []SenderMessageEntry{
		outboundEntry(2, &gid, "m-1"),
		outboundEntry(3, &gid, "m-1"),
	}
	if err := db.AddAllToOutbound(entries); err != nil {
		t.Fatal(err)
	}

	n, err := db.OutboundEntriesForMessage("m-1")
	if err != nil || n != 2 {
		t.Fatalf("OutboundEntriesForMessage() = %d, %v; want 2", n, err)
	}

	removed, err := db.RemoveFromOutbound(2, "m-1")
	if err != nil || !removed {
		t.Fatalf("RemoveFromOutbound() = %v, %v", removed, err)
	}
	n, _ = db.OutboundEntriesForMessage("m-1")
	if n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}

	removed, err = db.RemoveFromOutbound(2, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("second removal should report false")
	}
}

func TestRemoveOutboundForConversation(t *testing.T) {
	db := testDB(t)
	gid := GroupID("g-1")
	entries := []SenderMessageEntry{
		outboundEntry(2, nil, "m-direct"),
		outboundEntry(2, &gid, "m-group"),
		outboundEntry(3, &gid, "m-group"),
	}
	if err := db.AddAllToOutbound(entries); err != nil {
		t.Fatal(err)
	}

	// Dropping the group conversation leaves the direct entry alone.
	if err := db.RemoveOutboundForConversation(GroupConversation("g-1")); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.Undelivered()
	if len(pending) != 1 || pending[0].Metadata.MessageID != "m-direct" {
		t.Errorf("pending = %+v, want only the direct entry", pending)
	}

	if err := db.RemoveOutboundForConversation(UserConversation(2)); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.Undelivered()
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
}

func TestPartGroupPurgesOutboundFanOut(t *testing.T) {
	db := testDB(t)
	joinGroup(t, db, "g-1", 2, 3)
	gid := GroupID("g-1")
	entries := []SenderMessageEntry{
		outboundEntry(2, &gid, "m-group"),
		outboundEntry(3, &gid, "m-group"),
		outboundEntry(2, nil, "m-direct"),
	}
	if err := db.AddAllToOutbound(entries); err != nil {
		t.Fatal(err)
	}

	changed, err := db.PartGroup("g-1")
	if err != nil || !changed {
		t.Fatalf("PartGroup() = %v, %v", changed, err)
	}

	pending, err := db.Undelivered()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Metadata.MessageID != "m-direct" {
		t.Errorf("pending = %+v, want the parted group's fan-out gone", pending)
	}
}

func TestGroupDiffBlockPurgesOutboundFanOut(t *testing.T) {
	db := testDB(t)
	joinGroup(t, db, "g-1", 2)
	gid := GroupID("g-1")
	e := outboundEntry(2, &gid, "m-group")
	if err := db.AddToOutbound(&e); err != nil {
		t.Fatal(err)
	}

	if _, err := db.ApplyGroupDiff([]GroupUpdate{
		{GroupID: "g-1", MembershipLevel: MembershipBlocked},
	}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.Undelivered()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want the blocked group's fan-out gone", pending)
	}
}

func pkg(from UserID, deviceID int, messageID string, ts int64) Package {
	return Package{
		ID: PackageID{
			Address:   Address{UserID: from, DeviceID: deviceID},
			MessageID: messageID,
		},
		Timestamp: ts,
		Payload:   []byte("payload " + messageID),
	}
}

func TestPackageQueueKeyedPerDevice(t *testing.T) {
	db := testDB(t)
	packages := []Package{
		pkg(2, 1, "m-1", 100),
		pkg(2, 2, "m-1", 100), // same message from another device
		pkg(2, 1, "m-1", 999), // exact duplicate, ignored
	}
	if err := db.AddPackages(packages); err != nil {
		t.Fatal(err)
	}

	queued, err := db.QueuedPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued = %d packages, want 2", len(queued))
	}
	if queued[0].Timestamp != 100 {
		t.Error("duplicate should not overwrite the original")
	}
}

func TestQueuedPackagesForUsers(t *testing.T) {
	db := testDB(t)
	if err := db.AddPackages([]Package{
		pkg(2, 1, "m-1", 100),
		pkg(3, 1, "m-2", 101),
		pkg(4, 1, "m-3", 102),
	}); err != nil {
		t.Fatal(err)
	}

	queued, err := db.QueuedPackagesForUsers([]UserID{2, 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued = %+v, want packages from 2 and 4", queued)
	}

	queued, err = db.QueuedPackagesForUser(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID.MessageID != "m-2" {
		t.Errorf("queued = %+v, want m-2", queued)
	}
}

func TestBlockContactPurgesQueuedPackages(t *testing.T) {
	db := testDB(t)
	addContact(t, db, 2, MessageLevelAll)
	addContact(t, db, 3, MessageLevelAll)
	if err := db.AddPackages([]Package{
		pkg(2, 1, "m-1", 100),
		pkg(3, 1, "m-2", 101),
	}); err != nil {
		t.Fatal(err)
	}

	changed, err := db.BlockContact(2)
	if err != nil || !changed {
		t.Fatalf("BlockContact() = %v, %v", changed, err)
	}

	queued, err := db.QueuedPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID.Address.UserID != 3 {
		t.Errorf("queued = %+v, want the blocked sender's packages gone", queued)
	}
}

func TestContactDiffBlockPurgesQueuedPackages(t *testing.T) {
	db := testDB(t)
	addContact(t, db, 2, MessageLevelAll)
	if err := db.AddPackages([]Package{pkg(2, 1, "m-1", 100)}); err != nil {
		t.Fatal(err)
	}

	if err := db.ApplyContactDiff(nil, []ContactUpdate{
		{UserID: 2, AllowedMessageLevel: MessageLevelBlocked},
	}); err != nil {
		t.Fatal(err)
	}

	queued, err := db.QueuedPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Errorf("queued = %+v, want the remotely blocked sender's packages gone", queued)
	}
}

func TestRemovePackages(t *testing.T) {
	db := testDB(t)
	if err := db.AddPackages([]Package{
		pkg(2, 1, "m-1", 100),
		pkg(2, 1, "m-2", 101),
		pkg(3, 1, "m-3", 102),
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.RemovePackages([]PackageID{
		{Address: Address{UserID: 2, DeviceID: 1}, MessageID: "m-1"},
	}); err != nil {
		t.Fatal(err)
	}
	queued, _ := db.QueuedPackages()
	if len(queued) != 2 {
		t.Errorf("queued = %d, want 2", len(queued))
	}

	if err := db.RemovePackagesForUsers([]UserID{2}); err != nil {
		t.Fatal(err)
	}
	queued, _ = db.QueuedPackages()
	if len(queued) != 1 || queued[0].ID.Address.UserID != 3 {
		t.Errorf("queued = %+v, want only user 3's package", queued)
	}
}
