// Package authority is the HTTP client for the remote account authority:
// the address book replica, the user directory, device key lookup and the
// offline message queue.
package authority

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mvieira/convo/internal/crypto"
	"github.com/mvieira/convo/internal/store"
	"github.com/mvieira/convo/internal/sync"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Client talks to the authority's REST endpoints. It implements the
// address book Authority, the OfflineAuthority, the DeviceKeySource used
// for sealing, and the ContactResolver used when group events reference
// unknown users.
type Client struct {
	baseURL   string
	authToken string
	deviceID  int
	db        *store.DB
	http      *http.Client
	log       *zap.Logger
}

func NewClient(baseURL, authToken string, deviceID int, db *store.DB, log *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		deviceID:  deviceID,
		db:        db,
		http:      &http.Client{Timeout: defaultTimeout},
		log:       log.Named("authority"),
	}
}

type contactEntry struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	PublicKey string `json:"publicKey"`
	Level     int    `json:"allowedMessageLevel"`
}

func (e contactEntry) toInfo() store.ContactInfo {
	return store.ContactInfo{
		ID:                  store.UserID(e.ID),
		Email:               e.Email,
		Name:                e.Name,
		Phone:               e.Phone,
		PublicKey:           e.PublicKey,
		AllowedMessageLevel: store.AllowedMessageLevel(e.Level),
	}
}

type pullResponse struct {
	Contacts []contactEntry        `json:"contacts"`
	Levels   []store.ContactUpdate `json:"levels"`
	Groups   []store.GroupUpdate   `json:"groups"`
}

// Push uploads journaled address book changes.
func (c *Client) Push(ctx context.Context, updates []store.AddressBookUpdate) error {
	return c.do(ctx, http.MethodPost, "/v1/address-book/updates", updates, nil)
}

// Pull fetches the authoritative address book.
func (c *Client) Pull(ctx context.Context) (*sync.PullResult, error) {
	var resp pullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/address-book", nil, &resp); err != nil {
		return nil, err
	}

	result := &sync.PullResult{
		Contacts: make([]store.ContactInfo, 0, len(resp.Contacts)),
		Levels:   resp.Levels,
		Groups:   resp.Groups,
	}
	for _, entry := range resp.Contacts {
		result.Contacts = append(result.Contacts, entry.toInfo())
	}
	return result, nil
}

type offlineResponse struct {
	Messages []struct {
		From      int64  `json:"from"`
		DeviceID  int    `json:"deviceId"`
		MessageID string `json:"messageId"`
		Timestamp int64  `json:"timestamp"`
		Payload   []byte `json:"payload"`
	} `json:"messages"`
	NextToken string `json:"nextToken"`
}

// GetOffline fetches one page of messages queued while this device was
// unreachable.
func (c *Client) GetOffline(ctx context.Context, token string) (*sync.OfflineBatch, error) {
	path := "/v1/messages/offline"
	if token != "" {
		path += "?token=" + url.QueryEscape(token)
	}
	var resp offlineResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	batch := &sync.OfflineBatch{NextToken: resp.NextToken}
	for _, m := range resp.Messages {
		batch.Packages = append(batch.Packages, store.Package{
			ID: store.PackageID{
				Address:   store.Address{UserID: store.UserID(m.From), DeviceID: m.DeviceID},
				MessageID: m.MessageID,
			},
			Timestamp: m.Timestamp,
			Payload:   m.Payload,
		})
	}
	return batch, nil
}

// ClearOffline tells the authority a fetched page is safely journaled.
func (c *Client) ClearOffline(ctx context.Context, token string) error {
	path := "/v1/messages/offline"
	if token != "" {
		path += "?token=" + url.QueryEscape(token)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type deviceEntry struct {
	DeviceID       int    `json:"deviceId"`
	RegistrationID int    `json:"registrationId"`
	PublicKey      string `json:"publicKey"`
}

// DeviceKeys fetches the registered device keys of a user.
func (c *Client) DeviceKeys(id store.UserID) ([]crypto.DeviceKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp struct {
		Devices []deviceEntry `json:"devices"`
	}
	path := fmt.Sprintf("/v1/users/%d/devices", int64(id))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	keys := make([]crypto.DeviceKey, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		raw, err := hex.DecodeString(d.PublicKey)
		if err != nil || len(raw) != 32 {
			c.log.Warn("skipping device with bad key",
				zap.Int64("user", int64(id)),
				zap.Int("device", d.DeviceID))
			continue
		}
		pub := new([32]byte)
		copy(pub[:], raw)
		keys = append(keys, crypto.DeviceKey{
			DeviceID:       d.DeviceID,
			RegistrationID: d.RegistrationID,
			PublicKey:      pub,
		})
	}
	return keys, nil
}

// ResolveMissing looks up users without a local contact row in the remote
// directory and stores the found ones at group-only level. Ids the
// directory does not know are returned as invalid.
func (c *Client) ResolveMissing(ids []store.UserID) ([]store.UserID, error) {
	existing, err := c.db.ContactsExist(ids)
	if err != nil {
		return nil, err
	}
	existingSet := make(map[store.UserID]bool, len(existing))
	for _, id := range existing {
		existingSet[id] = true
	}
	var missing []store.UserID
	for _, id := range ids {
		if !existingSet[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp struct {
		Users []contactEntry `json:"users"`
	}
	req := struct {
		IDs []store.UserID `json:"ids"`
	}{IDs: missing}
	if err := c.do(ctx, http.MethodPost, "/v1/users/query", req, &resp); err != nil {
		return nil, err
	}

	found := make([]store.ContactInfo, 0, len(resp.Users))
	foundSet := make(map[store.UserID]bool, len(resp.Users))
	for _, entry := range resp.Users {
		info := entry.toInfo()
		info.AllowedMessageLevel = store.MessageLevelGroupOnly
		info.IsPending = true
		found = append(found, info)
		foundSet[info.ID] = true
	}
	if len(found) > 0 {
		if err := c.db.ApplyContactDiff(found, nil); err != nil {
			return nil, err
		}
	}

	var invalid []store.UserID
	for _, id := range missing {
		if !foundSet[id] {
			invalid = append(invalid, id)
		}
	}
	return invalid, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("X-Device-ID", fmt.Sprintf("%d", c.deviceID))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
