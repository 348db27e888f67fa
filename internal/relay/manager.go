// Package relay maintains the websocket connection to the message relay
// and bridges it onto the bus. Each established connection gets a fresh
// connection tag; submissions carrying an older tag are dropped so that a
// send decided against a dead connection can never leak onto a new one.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/protocol"
	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

// Events published on the bus:
//
//	relay.online            OnlineEvent
//	relay.offline           (nil payload)
//	relay.message_received  ReceivedMessage
//	relay.server_received   ServerReceivedMessage

// OnlineEvent is published when a connection is established.
type OnlineEvent struct {
	Tag int
}

// ReceivedMessage is an encrypted message pushed by the relay.
type ReceivedMessage struct {
	From      store.UserID
	DeviceID  int
	MessageID string
	Timestamp int64
	Payload   []byte
}

// ServerReceivedMessage is the relay's receipt for a submitted message.
type ServerReceivedMessage struct {
	To        store.UserID
	MessageID string
}

// envelope is the wire frame exchanged with the relay.
type envelope struct {
	Type      string          `json:"type"`
	From      int64           `json:"from,omitempty"`
	DeviceID  int             `json:"deviceId,omitempty"`
	To        int64           `json:"to,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// conn is the write side of a relay connection.
type conn interface {
	WriteJSON(v any) error
	Close() error
}

// Manager tracks the current connection and its tag.
type Manager struct {
	mu     sync.Mutex
	tag    int
	online bool
	conn   conn

	bus *bus.Bus
	log *zap.Logger
}

func NewManager(b *bus.Bus, log *zap.Logger) *Manager {
	return &Manager{
		bus: b,
		log: log.Named("relay"),
	}
}

// IsOnline reports whether a relay connection is currently established.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ConnectionTag returns the tag of the current connection. The tag only
// identifies a connection; it carries no meaning once that connection dies.
func (m *Manager) ConnectionTag() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tag
}

// SendMessage submits one recipient's bundle to the relay. The tag must be
// the one observed when the send was decided; a stale tag means the
// connection it was decided against is gone, and the submission is dropped.
func (m *Manager) SendMessage(tag int, to store.UserID, bundle protocol.MessageBundle, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online || tag != m.tag {
		m.log.Debug("dropping stale send",
			zap.Int("tag", tag),
			zap.Int("current", m.tag),
			zap.String("message", messageID))
		return nil
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	return m.conn.WriteJSON(envelope{
		Type:      "send",
		To:        int64(to),
		MessageID: messageID,
		Payload:   payload,
	})
}

// SendAck acknowledges received messages back to the relay so it stops
// redelivering them. Safe to call while offline; the relay redelivers
// unacked messages on the next connection anyway.
func (m *Manager) SendAck(messageIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return nil
	}
	for _, id := range messageIDs {
		if err := m.conn.WriteJSON(envelope{Type: "ack", MessageID: id}); err != nil {
			return err
		}
	}
	return nil
}

// connected installs a new connection, bumps the tag and announces it.
func (m *Manager) connected(c conn) {
	m.mu.Lock()
	m.tag++
	m.online = true
	m.conn = c
	tag := m.tag
	m.mu.Unlock()

	m.log.Info("relay online", zap.Int("tag", tag))
	m.bus.Publish("relay.online", OnlineEvent{Tag: tag})
}

// disconnected tears down the current connection and announces it. The tag
// is left as-is; the next connected bumps it.
func (m *Manager) disconnected() {
	m.mu.Lock()
	wasOnline := m.online
	m.online = false
	m.conn = nil
	m.mu.Unlock()

	if !wasOnline {
		return
	}
	m.log.Info("relay offline")
	m.bus.Publish("relay.offline", nil)
}

// handleEnvelope dispatches one inbound relay frame onto the bus.
func (m *Manager) handleEnvelope(env envelope) {
	switch env.Type {
	case "message":
		m.bus.Publish("relay.message_received", ReceivedMessage{
			From:      store.UserID(env.From),
			DeviceID:  env.DeviceID,
			MessageID: env.MessageID,
			Timestamp: env.Timestamp,
			Payload:   env.Payload,
		})
	case "server_received":
		m.bus.Publish("relay.server_received", ServerReceivedMessage{
			To:        store.UserID(env.To),
			MessageID: env.MessageID,
		})
	default:
		m.log.Warn("unknown relay frame", zap.String("type", env.Type))
	}
}
