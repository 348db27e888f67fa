package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mvieira/convo/internal/addressbook"
	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/inbound"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

type fakeAuthority struct {
	pushErr    error
	pushed     [][]store.AddressBookUpdate
	pullResult PullResult
}

func (f *fakeAuthority) Push(ctx context.Context, updates []store.AddressBookUpdate) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, updates)
	return nil
}

func (f *fakeAuthority) Pull(ctx context.Context) (*PullResult, error) {
	return &f.pullResult, nil
}

type fakeOffline struct {
	batches []OfflineBatch
	cleared int
}

func (f *fakeOffline) GetOffline(ctx context.Context, token string) (*OfflineBatch, error) {
	if len(f.batches) == 0 {
		return &OfflineBatch{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &batch, nil
}

func (f *fakeOffline) ClearOffline(ctx context.Context, token string) error {
	f.cleared++
	return nil
}

type nopAcks struct{}

func (nopAcks) SendAck([]string) error { return nil }

type fixture struct {
	db        *store.DB
	engine    *addressbook.Engine
	gate      *inbound.Gate
	authority *fakeAuthority
	offline   *fakeOffline
	syncer    *Syncer
	bus       *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	log := zap.NewNop()
	engine := addressbook.NewEngine(db, b, log)
	gate := inbound.NewGate(db, nopAcks{}, b, log)
	authority := &fakeAuthority{}
	offline := &fakeOffline{}
	syncer := NewSyncer(engine, gate, authority, offline, NewReconciler(db), nil, b, log)
	return &fixture{
		db:        db,
		engine:    engine,
		gate:      gate,
		authority: authority,
		offline:   offline,
		syncer:    syncer,
		bus:       b,
	}
}

func TestPushClearsJournal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.AddContact(store.ContactInfo{ID: 2, Name: "ana", AllowedMessageLevel: store.MessageLevelAll}); err != nil {
		t.Fatal(err)
	}
	f.authority.pullResult = PullResult{
		Contacts: []store.ContactInfo{{ID: 2, Name: "ana", AllowedMessageLevel: store.MessageLevelAll}},
	}

	if err := f.syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if len(f.authority.pushed) != 1 || len(f.authority.pushed[0]) != 1 {
		t.Fatalf("pushed = %v, want one batch of one update", f.authority.pushed)
	}
	pending, err := f.engine.PendingUpdates()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after push = %v, want empty", pending)
	}
}

func TestPushFailureKeepsJournal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.AddContact(store.ContactInfo{ID: 2, Name: "ana", AllowedMessageLevel: store.MessageLevelAll}); err != nil {
		t.Fatal(err)
	}
	f.authority.pushErr = errors.New("authority unavailable")

	if err := f.syncer.Sync(context.Background()); err == nil {
		t.Fatal("Sync() should fail when push fails")
	}

	pending, err := f.engine.PendingUpdates()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending after failed push = %v, want the journal intact", pending)
	}
}

func TestPullRemoteWins(t *testing.T) {
	f := newFixture(t)
	// Local-only contact 5 is not in the remote book.
	if _, err := f.engine.AddContact(store.ContactInfo{ID: 5, Name: "old", AllowedMessageLevel: store.MessageLevelAll}); err != nil {
		t.Fatal(err)
	}
	f.authority.pullResult = PullResult{
		Contacts: []store.ContactInfo{
			{ID: 2, Name: "ana", AllowedMessageLevel: store.MessageLevelAll},
		},
		Groups: []store.GroupUpdate{
			{GroupID: "g-1", Name: "friends", Members: []store.UserID{2}, MembershipLevel: store.MembershipJoined},
		},
	}

	if err := f.syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	added, err := f.db.Contact(2)
	if err != nil {
		t.Fatal(err)
	}
	if added == nil || added.Name != "ana" {
		t.Errorf("remote contact = %+v, want ana", added)
	}
	removed, err := f.db.Contact(5)
	if err != nil {
		t.Fatal(err)
	}
	if removed == nil || removed.AllowedMessageLevel == store.MessageLevelAll {
		t.Errorf("local-only contact = %+v, want demoted", removed)
	}
	group, err := f.db.Group("g-1")
	if err != nil {
		t.Fatal(err)
	}
	if group == nil || group.MembershipLevel != store.MembershipJoined {
		t.Errorf("group = %+v, want joined", group)
	}
}

func TestDrainOfflinePaginatesAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.offline.batches = []OfflineBatch{
		{
			Packages: []store.Package{
				{ID: store.PackageID{Address: store.Address{UserID: 2, DeviceID: 1}, MessageID: "m-1"}, Payload: []byte("a")},
			},
			NextToken: "page-2",
		},
		{
			Packages: []store.Package{
				{ID: store.PackageID{Address: store.Address{UserID: 2, DeviceID: 1}, MessageID: "m-2"}, Payload: []byte("b")},
			},
			NextToken: "",
		},
	}

	if err := f.syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	packages, err := f.db.QueuedPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 2 {
		t.Errorf("queued = %d packages, want 2", len(packages))
	}
	if f.offline.cleared != 2 {
		t.Errorf("cleared = %d pages, want 2", f.offline.cleared)
	}

	token, err := f.syncer.reconciler.GetCheckpoint(CheckpointOfflineToken)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("final checkpoint = %q, want empty", token)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.db)

	got, err := r.GetCheckpoint("missing")
	if err != nil || got != "" {
		t.Errorf("GetCheckpoint(missing) = %q, %v; want empty, nil", got, err)
	}

	if err := r.UpdateCheckpoint("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCheckpoint("k", "v2"); err != nil {
		t.Fatal(err)
	}
	got, err = r.GetCheckpoint("k")
	if err != nil {
		t.Fatal(err)
	}
	if got != "v2" {
		t.Errorf("GetCheckpoint(k) = %q, want v2", got)
	}
}
