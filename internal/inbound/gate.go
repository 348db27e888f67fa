// Package inbound receives encrypted messages from the relay, journals
// them durably, and processes them into conversation and group state.
//
// The gate and the dispatcher split the work at the durability boundary.
// The gate's only job is to get a package into the inbound queue before the
// relay is acked, so redelivery stops exactly when loss becomes impossible.
// The dispatcher does everything that can fail for content reasons, and can
// safely retry because the queue survives crashes.
package inbound

import (
	"context"

	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/relay"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

// AckSender acknowledges relay deliveries.
type AckSender interface {
	SendAck(messageIDs []string) error
}

// Gate journals inbound packages and acks them. Messages from blocked
// senders are dropped without a trace: not journaled, not acked.
type Gate struct {
	db     *store.DB
	acks   AckSender
	bus    *bus.Bus
	log    *zap.Logger
	cancel context.CancelFunc
}

func NewGate(db *store.DB, acks AckSender, b *bus.Bus, log *zap.Logger) *Gate {
	return &Gate{
		db:   db,
		acks: acks,
		bus:  b,
		log:  log.Named("inbound.gate"),
	}
}

// Start subscribes to relay deliveries.
func (g *Gate) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	events, unsub := g.bus.Subscribe("relay.message_received", 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				g.handle(evt.Payload.(relay.ReceivedMessage))
			}
		}
	}()
}

func (g *Gate) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gate) handle(rm relay.ReceivedMessage) {
	allowed, err := g.db.FilterAllowed([]store.UserID{rm.From})
	if err != nil {
		g.log.Error("permission check failed, leaving message unacked", zap.Error(err))
		return
	}
	if len(allowed) == 0 {
		// Blocked sender. No ack either: blocking must stay invisible to
		// the other side, and a delivery receipt would leak it.
		g.log.Debug("dropping message from blocked sender", zap.Int64("from", int64(rm.From)))
		return
	}

	pkg := store.Package{
		ID: store.PackageID{
			Address:   store.Address{UserID: rm.From, DeviceID: rm.DeviceID},
			MessageID: rm.MessageID,
		},
		Timestamp: rm.Timestamp,
		Payload:   rm.Payload,
	}

	// Journal before ack. An ack for an unjournaled package would be a
	// window where a crash loses the message for good.
	if err := g.db.AddPackages([]store.Package{pkg}); err != nil {
		g.log.Error("failed to journal package, leaving unacked", zap.Error(err))
		return
	}
	if err := g.acks.SendAck([]string{rm.MessageID}); err != nil {
		g.log.Warn("ack failed, relay may redeliver", zap.Error(err))
	}
	g.bus.Publish("inbound.package_queued", pkg.ID)
}

// HandleOffline journals a batch fetched from the offline endpoint.
// Blocked senders are filtered; the batch is cleared remotely by the
// caller after this returns.
func (g *Gate) HandleOffline(packages []store.Package) error {
	if len(packages) == 0 {
		return nil
	}

	senders := make([]store.UserID, 0, len(packages))
	seen := make(map[store.UserID]bool)
	for _, p := range packages {
		if !seen[p.ID.Address.UserID] {
			seen[p.ID.Address.UserID] = true
			senders = append(senders, p.ID.Address.UserID)
		}
	}
	allowed, err := g.db.FilterAllowed(senders)
	if err != nil {
		return err
	}
	allowedSet := make(map[store.UserID]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	keep := packages[:0]
	for _, p := range packages {
		if allowedSet[p.ID.Address.UserID] {
			keep = append(keep, p)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	if err := g.db.AddPackages(keep); err != nil {
		return err
	}
	g.log.Info("journaled offline packages", zap.Int("count", len(keep)))
	g.bus.Publish("inbound.package_queued", keep[len(keep)-1].ID)
	return nil
}
