// Package sync reconciles local state with the remote authority whenever a
// relay connection comes up: push journaled address book changes, pull the
// remote book (remote wins), then drain the offline message endpoint.
package sync

import (
	"context"
	"fmt"

	"github.com/mvieira/convo/internal/addressbook"
	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/inbound"
	"github.com/mvieira/convo/internal/status"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

// PullResult is the remote authority's view of the address book.
type PullResult struct {
	// Contacts holds full entries for every contact the authority knows.
	Contacts []store.ContactInfo
	// Levels holds per-contact message level overrides.
	Levels []store.ContactUpdate
	// Groups holds the remote group state.
	Groups []store.GroupUpdate
}

// Authority is the remote address book endpoint.
type Authority interface {
	Push(ctx context.Context, updates []store.AddressBookUpdate) error
	Pull(ctx context.Context) (*PullResult, error)
}

// OfflineBatch is one page of messages queued server-side while this
// device was unreachable.
type OfflineBatch struct {
	Packages  []store.Package
	NextToken string
}

// OfflineAuthority serves and clears the server-side offline queue.
type OfflineAuthority interface {
	GetOffline(ctx context.Context, token string) (*OfflineBatch, error)
	ClearOffline(ctx context.Context, token string) error
}

// Syncer runs the reconciliation pass. It owns the Syncing/Online leg of
// the status machine.
type Syncer struct {
	engine     *addressbook.Engine
	gate       *inbound.Gate
	authority  Authority
	offline    OfflineAuthority
	reconciler *Reconciler
	machine    *status.Machine
	bus        *bus.Bus
	log        *zap.Logger
	cancel     context.CancelFunc
}

func NewSyncer(
	engine *addressbook.Engine,
	gate *inbound.Gate,
	authority Authority,
	offline OfflineAuthority,
	reconciler *Reconciler,
	machine *status.Machine,
	b *bus.Bus,
	log *zap.Logger,
) *Syncer {
	return &Syncer{
		engine:     engine,
		gate:       gate,
		authority:  authority,
		offline:    offline,
		reconciler: reconciler,
		machine:    machine,
		bus:        b,
		log:        log.Named("sync"),
	}
}

// Start drives a sync pass on every relay connection.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	events, unsub := s.bus.Subscribe("relay.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				switch evt.Kind {
				case "relay.online":
					s.onOnline(ctx)
				case "relay.offline":
					_ = s.machine.Transition(status.Offline)
				}
			}
		}
	}()
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Syncer) onOnline(ctx context.Context) {
	if s.machine.Current() == status.Offline {
		if err := s.machine.Transition(status.Connecting); err != nil {
			s.log.Warn("status transition failed", zap.Error(err))
		}
	}
	if err := s.machine.Transition(status.Syncing); err != nil {
		s.log.Warn("status transition failed", zap.Error(err))
	}

	if err := s.Sync(ctx); err != nil {
		s.log.Error("sync failed", zap.Error(err))
		// The connection is still usable. Pending journal entries are
		// retried on the next connect.
	}
	_ = s.machine.Transition(status.Online)
	s.bus.Publish("sync.completed", nil)
}

// Sync runs one full reconciliation pass: push, pull, offline drain.
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.pushPending(ctx); err != nil {
		return err
	}
	if err := s.pullRemote(ctx); err != nil {
		return err
	}
	return s.drainOffline(ctx)
}

// pushPending uploads journaled local changes. The journal is cleared only
// after the push succeeds.
func (s *Syncer) pushPending(ctx context.Context) error {
	updates, err := s.engine.PendingUpdates()
	if err != nil {
		return fmt.Errorf("read pending updates: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.authority.Push(ctx, updates); err != nil {
		return fmt.Errorf("push address book updates: %w", err)
	}
	if err := s.engine.ClearPendingUpdates(updates); err != nil {
		return fmt.Errorf("clear pushed updates: %w", err)
	}
	s.log.Info("pushed address book updates", zap.Int("count", len(updates)))
	return nil
}

// pullRemote applies the authoritative address book. Remote state wins.
func (s *Syncer) pullRemote(ctx context.Context) error {
	result, err := s.authority.Pull(ctx)
	if err != nil {
		return fmt.Errorf("pull address book: %w", err)
	}

	remoteIDs := make([]store.UserID, 0, len(result.Contacts))
	byID := make(map[store.UserID]store.ContactInfo, len(result.Contacts))
	for _, c := range result.Contacts {
		remoteIDs = append(remoteIDs, c.ID)
		byID[c.ID] = c
	}

	diff, err := s.engine.ContactDiff(remoteIDs)
	if err != nil {
		return fmt.Errorf("contact diff: %w", err)
	}

	newContacts := make([]store.ContactInfo, 0, len(diff.ToAdd))
	for _, id := range diff.ToAdd {
		newContacts = append(newContacts, byID[id])
	}
	if err := s.engine.ApplyContactDiff(newContacts, result.Levels); err != nil {
		return fmt.Errorf("apply contact diff: %w", err)
	}
	for _, id := range diff.ToRemove {
		if _, err := s.engine.RemoveContact(id); err != nil {
			return fmt.Errorf("remove contact %d: %w", id, err)
		}
	}

	if _, err := s.engine.ApplyGroupDiff(result.Groups); err != nil {
		return fmt.Errorf("apply group diff: %w", err)
	}
	return nil
}

// drainOffline pages through the server-side offline queue. Each page is
// journaled locally before it is cleared remotely, and the token
// checkpoint makes an interrupted drain resume where it stopped.
func (s *Syncer) drainOffline(ctx context.Context) error {
	if s.offline == nil {
		return nil
	}
	token, err := s.reconciler.GetCheckpoint(CheckpointOfflineToken)
	if err != nil {
		return fmt.Errorf("read offline checkpoint: %w", err)
	}

	for {
		batch, err := s.offline.GetOffline(ctx, token)
		if err != nil {
			return fmt.Errorf("fetch offline messages: %w", err)
		}
		if len(batch.Packages) == 0 {
			break
		}
		if err := s.gate.HandleOffline(batch.Packages); err != nil {
			return fmt.Errorf("journal offline messages: %w", err)
		}
		if err := s.offline.ClearOffline(ctx, token); err != nil {
			return fmt.Errorf("clear offline messages: %w", err)
		}
		token = batch.NextToken
		if err := s.reconciler.UpdateCheckpoint(CheckpointOfflineToken, token); err != nil {
			return fmt.Errorf("save offline checkpoint: %w", err)
		}
		if token == "" {
			break
		}
	}
	return nil
}
