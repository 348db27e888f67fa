// Package crypto seals and opens message payloads with NaCl box using an
// ephemeral sender key per message, so each ciphertext is independently
// decryptable with only the recipient's device key.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/mvieira/convo/internal/protocol"
	"github.com/mvieira/convo/internal/store"
	"golang.org/x/crypto/nacl/box"
)

const (
	keySize   = 32
	nonceSize = 24
	// sealed payload layout: ephemeral public key, nonce, box.
	overhead = keySize + nonceSize + box.Overhead
)

var ErrMalformedPayload = errors.New("malformed encrypted payload")

// NoDevicesError means the recipient has no registered devices. Unlike a
// failed key fetch this is not retryable: messages to them can never be
// delivered.
type NoDevicesError struct {
	UserID store.UserID
}

func (e *NoDevicesError) Error() string {
	return fmt.Sprintf("no devices registered for user %d", e.UserID)
}

// DeviceKey is one recipient device's published key material.
type DeviceKey struct {
	DeviceID       int
	RegistrationID int
	PublicKey      *[keySize]byte
}

// DeviceKeySource resolves the current device keys of a user.
type DeviceKeySource interface {
	DeviceKeys(id store.UserID) ([]DeviceKey, error)
}

// Boxer encrypts outbound messages per recipient device and decrypts
// inbound payloads with the local device key.
type Boxer struct {
	priv *[keySize]byte
	pub  *[keySize]byte
	keys DeviceKeySource
}

func NewBoxer(priv, pub *[keySize]byte, keys DeviceKeySource) *Boxer {
	return &Boxer{priv: priv, pub: pub, keys: keys}
}

// PublicKey returns the local device public key, hex encoded.
func (b *Boxer) PublicKey() string {
	return hex.EncodeToString(b.pub[:])
}

// Encrypt seals plaintext once per device of the recipient.
func (b *Boxer) Encrypt(to store.UserID, plaintext []byte) (protocol.MessageBundle, error) {
	devices, err := b.keys.DeviceKeys(to)
	if err != nil {
		return protocol.MessageBundle{}, fmt.Errorf("device keys for %d: %w", to, err)
	}
	if len(devices) == 0 {
		return protocol.MessageBundle{}, &NoDevicesError{UserID: to}
	}

	bundle := protocol.MessageBundle{Messages: make([]protocol.DeviceMessage, 0, len(devices))}
	for _, dev := range devices {
		sealed, err := seal(plaintext, dev.PublicKey)
		if err != nil {
			return protocol.MessageBundle{}, err
		}
		bundle.Messages = append(bundle.Messages, protocol.DeviceMessage{
			DeviceID:       dev.DeviceID,
			RegistrationID: dev.RegistrationID,
			Payload:        sealed,
		})
	}
	return bundle, nil
}

// Decrypt opens a payload sealed for this device.
func (b *Boxer) Decrypt(payload []byte) ([]byte, error) {
	if len(payload) < overhead {
		return nil, ErrMalformedPayload
	}

	var ephPub [keySize]byte
	var nonce [nonceSize]byte
	copy(ephPub[:], payload[:keySize])
	copy(nonce[:], payload[keySize:keySize+nonceSize])

	plain, ok := box.Open(nil, payload[keySize+nonceSize:], &nonce, &ephPub, b.priv)
	if !ok {
		return nil, errors.New("payload authentication failed")
	}
	return plain, nil
}

func seal(plaintext []byte, recipient *[keySize]byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, overhead+len(plaintext))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	return box.Seal(out, plaintext, &nonce, recipient, ephPriv), nil
}

// LoadOrCreateKey reads the device keypair from path, generating and
// persisting a fresh one on first run. The file holds priv||pub hex.
func LoadOrCreateKey(path string) (priv, pub *[keySize]byte, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := hex.DecodeString(string(data))
		if err != nil || len(raw) != 2*keySize {
			return nil, nil, fmt.Errorf("corrupt key file %s", path)
		}
		priv, pub = new([keySize]byte), new([keySize]byte)
		copy(priv[:], raw[:keySize])
		copy(pub[:], raw[keySize:])
		return priv, pub, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	pub, priv, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate device key: %w", err)
	}
	encoded := hex.EncodeToString(priv[:]) + hex.EncodeToString(pub[:])
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, nil, fmt.Errorf("write key file: %w", err)
	}
	return priv, pub, nil
}
