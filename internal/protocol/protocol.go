// Package protocol defines the plaintext wire content exchanged between
// devices after decryption, and the bundle shape submitted to the relay.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mvieira/convo/internal/store"
)

// Content is implemented by every decrypted message payload.
type Content interface {
	contentType() string
}

// TextContent carries a chat message. GroupID is nil for one-to-one
// conversations.
type TextContent struct {
	MessageID string         `json:"messageId"`
	GroupID   *store.GroupID `json:"groupId,omitempty"`
	Body      string         `json:"body"`
	Timestamp int64          `json:"timestamp"`
	TTLMillis int64          `json:"ttlMs,omitempty"`
}

// GroupInvitation invites the receiver into a group with its current roster.
type GroupInvitation struct {
	GroupID store.GroupID  `json:"groupId"`
	Name    string         `json:"name"`
	Members []store.UserID `json:"members"`
}

// GroupJoin announces that a user joined a group the receiver is in.
type GroupJoin struct {
	GroupID store.GroupID `json:"groupId"`
	Joined  store.UserID  `json:"joined"`
}

// GroupPart announces that the sender left a group.
type GroupPart struct {
	GroupID store.GroupID `json:"groupId"`
}

func (TextContent) contentType() string     { return "text" }
func (GroupInvitation) contentType() string { return "group_invitation" }
func (GroupJoin) contentType() string       { return "group_join" }
func (GroupPart) contentType() string       { return "group_part" }

type envelope struct {
	Type    string          `json:"t"`
	Content json.RawMessage `json:"c"`
}

// Encode serializes a content value with its type tag.
func Encode(c Content) ([]byte, error) {
	inner, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", c.contentType(), err)
	}
	return json.Marshal(envelope{Type: c.contentType(), Content: inner})
}

// Decode parses a serialized content value. Unknown type tags are an error.
func Decode(data []byte) (Content, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding content envelope: %w", err)
	}

	var c Content
	switch env.Type {
	case "text":
		c = &TextContent{}
	case "group_invitation":
		c = &GroupInvitation{}
	case "group_join":
		c = &GroupJoin{}
	case "group_part":
		c = &GroupPart{}
	default:
		return nil, fmt.Errorf("unknown content type %q", env.Type)
	}
	if err := json.Unmarshal(env.Content, c); err != nil {
		return nil, fmt.Errorf("decoding %s content: %w", env.Type, err)
	}
	return c, nil
}

// DeviceMessage is one per-device ciphertext within a bundle.
type DeviceMessage struct {
	DeviceID       int    `json:"deviceId"`
	RegistrationID int    `json:"registrationId"`
	Payload        []byte `json:"payload"`
}

// MessageBundle is the unit submitted to the relay: all the device
// ciphertexts for a single recipient user.
type MessageBundle struct {
	Messages []DeviceMessage `json:"messages"`
}
