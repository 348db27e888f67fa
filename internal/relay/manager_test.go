package relay

import (
	"encoding/json"
	"testing"

	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/protocol"
	"go.uber.org/zap"
)

type fakeConn struct {
	writes []envelope
}

func (f *fakeConn) WriteJSON(v any) error {
	f.writes = append(f.writes, v.(envelope))
	return nil
}

func (f *fakeConn) Close() error { return nil }

func TestConnectBumpsTagAndPublishes(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("relay.", 16)
	defer unsub()

	m := NewManager(b, zap.NewNop())
	if m.IsOnline() {
		t.Fatal("new manager should be offline")
	}

	m.connected(&fakeConn{})
	if !m.IsOnline() || m.ConnectionTag() != 1 {
		t.Fatalf("online = %v tag = %d, want online tag 1", m.IsOnline(), m.ConnectionTag())
	}
	evt := <-ch
	if evt.Kind != "relay.online" {
		t.Fatalf("event = %s, want relay.online", evt.Kind)
	}
	if evt.Payload.(OnlineEvent).Tag != 1 {
		t.Errorf("online tag = %d, want 1", evt.Payload.(OnlineEvent).Tag)
	}

	m.disconnected()
	if m.IsOnline() {
		t.Error("manager should be offline after disconnect")
	}
	evt = <-ch
	if evt.Kind != "relay.offline" {
		t.Errorf("event = %s, want relay.offline", evt.Kind)
	}

	m.connected(&fakeConn{})
	if m.ConnectionTag() != 2 {
		t.Errorf("tag after reconnect = %d, want 2", m.ConnectionTag())
	}
}

func TestSendMessageWithCurrentTag(t *testing.T) {
	m := NewManager(bus.New(), zap.NewNop())
	fc := &fakeConn{}
	m.connected(fc)

	bundle := protocol.MessageBundle{Messages: []protocol.DeviceMessage{{DeviceID: 1, Payload: []byte("x")}}}
	if err := m.SendMessage(m.ConnectionTag(), 42, bundle, "m-1"); err != nil {
		t.Fatal(err)
	}

	if len(fc.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(fc.writes))
	}
	env := fc.writes[0]
	if env.Type != "send" || env.To != 42 || env.MessageID != "m-1" {
		t.Errorf("envelope = %+v", env)
	}
	var got protocol.MessageBundle
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].DeviceID != 1 {
		t.Errorf("bundle = %+v", got)
	}
}

func TestSendMessageDropsStaleTag(t *testing.T) {
	m := NewManager(bus.New(), zap.NewNop())
	m.connected(&fakeConn{})
	stale := m.ConnectionTag()

	m.disconnected()
	fc := &fakeConn{}
	m.connected(fc)

	if err := m.SendMessage(stale, 42, protocol.MessageBundle{}, "m-1"); err != nil {
		t.Fatal(err)
	}
	if len(fc.writes) != 0 {
		t.Errorf("stale send reached the wire: %+v", fc.writes)
	}
}

func TestSendMessageDropsWhileOffline(t *testing.T) {
	m := NewManager(bus.New(), zap.NewNop())
	fc := &fakeConn{}
	m.connected(fc)
	tag := m.ConnectionTag()
	m.disconnected()

	if err := m.SendMessage(tag, 42, protocol.MessageBundle{}, "m-1"); err != nil {
		t.Fatal(err)
	}
	if len(fc.writes) != 0 {
		t.Errorf("offline send reached the wire: %+v", fc.writes)
	}
}

func TestInboundFramesReachBus(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("relay.", 16)
	defer unsub()

	m := NewManager(b, zap.NewNop())
	m.handleEnvelope(envelope{
		Type:      "message",
		From:      7,
		DeviceID:  2,
		MessageID: "m-1",
		Timestamp: 123,
		Payload:   json.RawMessage(`"abc"`),
	})

	evt := <-ch
	if evt.Kind != "relay.message_received" {
		t.Fatalf("event = %s, want relay.message_received", evt.Kind)
	}
	rm := evt.Payload.(ReceivedMessage)
	if rm.From != 7 || rm.DeviceID != 2 || rm.MessageID != "m-1" {
		t.Errorf("received = %+v", rm)
	}

	m.handleEnvelope(envelope{Type: "server_received", To: 9, MessageID: "m-2"})
	evt = <-ch
	if evt.Kind != "relay.server_received" {
		t.Fatalf("event = %s, want relay.server_received", evt.Kind)
	}
	sr := evt.Payload.(ServerReceivedMessage)
	if sr.To != 9 || sr.MessageID != "m-2" {
		t.Errorf("receipt = %+v", sr)
	}
}

func TestSendAck(t *testing.T) {
	m := NewManager(bus.New(), zap.NewNop())
	fc := &fakeConn{}
	m.connected(fc)

	if err := m.SendAck([]string{"m-1", "m-2"}); err != nil {
		t.Fatal(err)
	}
	if len(fc.writes) != 2 || fc.writes[0].Type != "ack" || fc.writes[1].MessageID != "m-2" {
		t.Errorf("writes = %+v", fc.writes)
	}

	m.disconnected()
	if err := m.SendAck([]string{"m-3"}); err != nil {
		t.Errorf("offline SendAck() error = %v", err)
	}
}
