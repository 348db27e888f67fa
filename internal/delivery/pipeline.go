// Package delivery drives outbound messages from durable queue to relay.
//
// Every send is journaled to the outbound queue before anything touches the
// network, so a crash at any point leaves the message recoverable. At most
// one message is in flight at a time; the next is submitted only after the
// relay acknowledges the current one. All relay traffic carries the
// connection tag observed when the send was decided, so work queued against
// a dead connection can never leak onto a new one.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/crypto"
	"github.com/mvieira/convo/internal/protocol"
	"github.com/mvieira/convo/internal/relay"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

// Encryptor seals a plaintext for every device of a recipient.
type Encryptor interface {
	Encrypt(to store.UserID, plaintext []byte) (protocol.MessageBundle, error)
}

// Relay is the transport the pipeline submits bundles to.
type Relay interface {
	IsOnline() bool
	ConnectionTag() int
	SendMessage(tag int, to store.UserID, bundle protocol.MessageBundle, messageID string) error
}

// DeliveredEvent is published as delivery.message_delivered once the relay
// has taken custody of a message for a recipient.
type DeliveredEvent struct {
	ConversationID store.ConversationID
	MessageID      string
}

type encryptResult struct {
	tag    int
	entry  store.SenderMessageEntry
	bundle protocol.MessageBundle
	err    error
}

// Pipeline owns the outbound send loop.
type Pipeline struct {
	db     *store.DB
	relay  Relay
	enc    Encryptor
	bus    *bus.Bus
	selfID store.UserID
	log    *zap.Logger

	submissions chan []store.SenderMessageEntry
	encrypted   chan encryptResult
	cancel      context.CancelFunc

	// loop-owned state, never touched outside run.
	tag      int
	online   bool
	queue    []store.SenderMessageEntry
	inFlight *store.SenderMessageEntry
}

func NewPipeline(db *store.DB, r Relay, enc Encryptor, b *bus.Bus, selfID store.UserID, log *zap.Logger) *Pipeline {
	return &Pipeline{
		db:          db,
		relay:       r,
		enc:         enc,
		bus:         b,
		selfID:      selfID,
		log:         log.Named("delivery"),
		submissions: make(chan []store.SenderMessageEntry, 64),
		encrypted:   make(chan encryptResult, 1),
	}
}

// Start launches the send loop.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop terminates the send loop.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// SendText writes a one-to-one message to the conversation log, journals it
// to the outbound queue and schedules delivery. Sending to self skips the
// network entirely.
func (p *Pipeline) SendText(to store.UserID, body string, ttlMillis int64) (*store.Message, error) {
	msg := &store.Message{
		ConversationID: store.UserConversation(to),
		MessageID:      uuid.NewString(),
		Body:           body,
		Timestamp:      time.Now().UnixMilli(),
		IsRead:         true,
		IsDelivered:    to == p.selfID,
		TTLMillis:      ttlMillis,
	}
	if err := p.db.AddMessage(msg); err != nil {
		return nil, err
	}
	if to == p.selfID {
		p.bus.Publish("delivery.message_delivered", DeliveredEvent{
			ConversationID: msg.ConversationID,
			MessageID:      msg.MessageID,
		})
		return msg, nil
	}

	content := protocol.TextContent{
		MessageID: msg.MessageID,
		Body:      body,
		Timestamp: msg.Timestamp,
		TTLMillis: ttlMillis,
	}
	serialized, err := protocol.Encode(content)
	if err != nil {
		return nil, err
	}
	entry := store.SenderMessageEntry{
		Metadata: store.MessageMetadata{
			UserID:    to,
			Category:  store.CategoryTextSingle,
			MessageID: msg.MessageID,
		},
		Message: serialized,
	}
	if err := p.db.AddToOutbound(&entry); err != nil {
		return nil, err
	}
	p.submit([]store.SenderMessageEntry{entry})
	return msg, nil
}

// SendGroupText writes a group message and journals one outbound entry per
// non-blocked member, all sharing the message id.
func (p *Pipeline) SendGroupText(groupID store.GroupID, body string, ttlMillis int64) (*store.Message, error) {
	msg := &store.Message{
		ConversationID: store.GroupConversation(groupID),
		MessageID:      uuid.NewString(),
		Body:           body,
		Timestamp:      time.Now().UnixMilli(),
		IsRead:         true,
		TTLMillis:      ttlMillis,
	}
	if err := p.db.AddMessage(msg); err != nil {
		return nil, err
	}

	members, err := p.db.NonBlockedGroupMembers(groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		// Nobody to deliver to. The log entry stands on its own.
		return msg, nil
	}

	gid := groupID
	content := protocol.TextContent{
		MessageID: msg.MessageID,
		GroupID:   &gid,
		Body:      body,
		Timestamp: msg.Timestamp,
		TTLMillis: ttlMillis,
	}
	serialized, err := protocol.Encode(content)
	if err != nil {
		return nil, err
	}

	entries := make([]store.SenderMessageEntry, 0, len(members))
	for _, member := range members {
		if member == p.selfID {
			continue
		}
		entries = append(entries, store.SenderMessageEntry{
			Metadata: store.MessageMetadata{
				UserID:    member,
				GroupID:   &gid,
				Category:  store.CategoryTextGroup,
				MessageID: msg.MessageID,
			},
			Message: serialized,
		})
	}
	if err := p.db.AddAllToOutbound(entries); err != nil {
		return nil, err
	}
	p.submit(entries)
	return msg, nil
}

func (p *Pipeline) submit(entries []store.SenderMessageEntry) {
	select {
	case p.submissions <- entries:
	default:
		// Loop is behind; entries are already durable and will be picked
		// up on the next reload.
		p.log.Warn("submission channel full, deferring to reload")
	}
}

func (p *Pipeline) run(ctx context.Context) {
	events, unsub := p.bus.Subscribe("relay.", 64)
	defer unsub()

	// Adopt a connection that was established before the loop started.
	if p.relay.IsOnline() {
		p.reload(p.relay.ConnectionTag())
	}

	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-events:
			p.handleRelayEvent(evt)

		case entries := <-p.submissions:
			if !p.online {
				// Durable already; the reload on reconnect picks them up.
				continue
			}
			p.queue = append(p.queue, entries...)
			p.maybeSendNext()

		case res := <-p.encrypted:
			p.handleEncrypted(res)
		}
	}
}

func (p *Pipeline) handleRelayEvent(evt bus.Event) {
	switch evt.Kind {
	case "relay.online":
		online := evt.Payload.(relay.OnlineEvent)
		p.reload(online.Tag)

	case "relay.offline":
		p.online = false
		p.queue = nil
		p.inFlight = nil

	case "relay.server_received":
		receipt := evt.Payload.(relay.ServerReceivedMessage)
		p.handleReceipt(receipt)
	}
}

// reload replaces the in-memory queue with the durable queue contents.
// Entries whose receipt was lost with the old connection get resent; the
// relay deduplicates by message id.
func (p *Pipeline) reload(tag int) {
	p.tag = tag
	p.online = true
	p.inFlight = nil

	pending, err := p.db.Undelivered()
	if err != nil {
		p.log.Error("failed to load outbound queue", zap.Error(err))
		return
	}
	p.queue = pending
	p.log.Info("outbound queue loaded", zap.Int("pending", len(pending)), zap.Int("tag", tag))
	p.maybeSendNext()
}

func (p *Pipeline) maybeSendNext() {
	if !p.online || p.inFlight != nil || len(p.queue) == 0 {
		return
	}
	entry := p.queue[0]
	p.queue = p.queue[1:]
	p.inFlight = &entry

	tag := p.tag
	go func() {
		bundle, err := p.enc.Encrypt(entry.Metadata.UserID, entry.Message)
		p.encrypted <- encryptResult{tag: tag, entry: entry, bundle: bundle, err: err}
	}()
}

func (p *Pipeline) handleEncrypted(res encryptResult) {
	if res.tag != p.tag || !p.online {
		// Decided against a connection that no longer exists.
		return
	}
	if res.err != nil {
		var noDev *crypto.NoDevicesError
		if errors.As(res.err, &noDev) {
			// The recipient can never receive anything. Purge every
			// queued entry to them, durable and in-memory.
			p.log.Warn("recipient has no devices, dropping their queue entries",
				zap.Int64("to", int64(res.entry.Metadata.UserID)))
			if err := p.db.RemoveAllFromOutbound([]store.UserID{res.entry.Metadata.UserID}); err != nil {
				p.log.Error("failed to drop undeliverable entries", zap.Error(err))
			}
			kept := p.queue[:0]
			for _, e := range p.queue {
				if e.Metadata.UserID != res.entry.Metadata.UserID {
					kept = append(kept, e)
				}
			}
			p.queue = kept
			p.inFlight = nil
			p.bus.Publish("delivery.message_failed", DeliveredEvent{
				ConversationID: res.entry.ConversationID(),
				MessageID:      res.entry.Metadata.MessageID,
			})
			p.maybeSendNext()
			return
		}
		// Transient, most likely the key fetch. The durable entry stays;
		// the next reload re-drives it in order.
		p.log.Warn("encryption failed, keeping durable entry",
			zap.Error(res.err),
			zap.Int64("to", int64(res.entry.Metadata.UserID)),
			zap.String("message", res.entry.Metadata.MessageID))
		p.inFlight = nil
		return
	}

	if err := p.relay.SendMessage(res.tag, res.entry.Metadata.UserID, res.bundle, res.entry.Metadata.MessageID); err != nil {
		p.log.Error("relay submission failed", zap.Error(err))
		// Entry stays durable; the next reload retries it.
		p.inFlight = nil
		return
	}
	// Now waiting for the server receipt.
}

func (p *Pipeline) handleReceipt(receipt relay.ServerReceivedMessage) {
	if p.inFlight == nil ||
		p.inFlight.Metadata.UserID != receipt.To ||
		p.inFlight.Metadata.MessageID != receipt.MessageID {
		p.log.Debug("receipt for unknown message",
			zap.Int64("to", int64(receipt.To)),
			zap.String("message", receipt.MessageID))
		return
	}

	entry := *p.inFlight
	p.inFlight = nil

	if _, err := p.db.RemoveFromOutbound(entry.Metadata.UserID, entry.Metadata.MessageID); err != nil {
		p.log.Error("failed to dequeue delivered message", zap.Error(err))
	}

	convID := entry.ConversationID()
	remaining, err := p.db.OutboundEntriesForMessage(entry.Metadata.MessageID)
	if err != nil {
		p.log.Error("failed to check remaining recipients", zap.Error(err))
		remaining = 0
	}
	// A group message is delivered once every recipient's copy is out.
	if remaining == 0 {
		if _, err := p.db.MarkMessageDelivered(convID, entry.Metadata.MessageID); err != nil {
			p.log.Error("failed to mark delivered", zap.Error(err))
		}
		p.bus.Publish("delivery.message_delivered", DeliveredEvent{
			ConversationID: convID,
			MessageID:      entry.Metadata.MessageID,
		})
	}
	p.maybeSendNext()
}
