package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mvieira/convo/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *store.DB) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	db := testDB(t)
	return NewClient(srv.URL, "test-token", 1, db, zap.NewNop()), db
}

func TestPushSendsUpdates(t *testing.T) {
	var gotAuth string
	var gotBody []store.AddressBookUpdate
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/address-book/updates" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))

	updates := []store.AddressBookUpdate{
		{Contact: &store.ContactUpdate{UserID: 2, AllowedMessageLevel: store.MessageLevelAll}},
	}
	if err := c.Push(context.Background(), updates); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(gotBody) != 1 || gotBody[0].Contact == nil || gotBody[0].Contact.UserID != 2 {
		t.Errorf("pushed body = %+v", gotBody)
	}
}

func TestPullDecodesBook(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"contacts": [{"id": 2, "email": "ana@example.com", "name": "ana", "publicKey": "ab", "allowedMessageLevel": 2}],
			"levels": [{"userId": 3, "allowedMessageLevel": 0}],
			"groups": [{"groupId": "g-1", "name": "friends", "members": [2, 3], "membershipLevel": 2}]
		}`))
	}))

	result, err := c.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(result.Contacts) != 1 || result.Contacts[0].ID != 2 || result.Contacts[0].AllowedMessageLevel != store.MessageLevelAll {
		t.Errorf("contacts = %+v", result.Contacts)
	}
	if len(result.Levels) != 1 || result.Levels[0].UserID != 3 {
		t.Errorf("levels = %+v", result.Levels)
	}
	if len(result.Groups) != 1 || result.Groups[0].MembershipLevel != store.MembershipJoined {
		t.Errorf("groups = %+v", result.Groups)
	}
}

func TestGetOfflinePassesToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "page-2" {
			t.Errorf("token = %q, want page-2", r.URL.Query().Get("token"))
		}
		_, _ = w.Write([]byte(`{
			"messages": [{"from": 2, "deviceId": 1, "messageId": "m-1", "timestamp": 100, "payload": "aGk="}],
			"nextToken": "page-3"
		}`))
	}))

	batch, err := c.GetOffline(context.Background(), "page-2")
	if err != nil {
		t.Fatalf("GetOffline() error = %v", err)
	}
	if batch.NextToken != "page-3" {
		t.Errorf("next token = %q", batch.NextToken)
	}
	if len(batch.Packages) != 1 || batch.Packages[0].ID.MessageID != "m-1" || string(batch.Packages[0].Payload) != "hi" {
		t.Errorf("packages = %+v", batch.Packages)
	}
}

func TestDeviceKeysSkipsBadKeys(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/2/devices" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"devices": [
			{"deviceId": 1, "registrationId": 10, "publicKey": "` + validKeyHex + `"},
			{"deviceId": 2, "registrationId": 20, "publicKey": "zz-not-hex"}
		]}`))
	}))

	keys, err := c.DeviceKeys(2)
	if err != nil {
		t.Fatalf("DeviceKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].DeviceID != 1 {
		t.Errorf("keys = %+v, want only the valid device", keys)
	}
}

// 32 bytes of hex.
const validKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestResolveMissingStoresFoundReportsInvalid(t *testing.T) {
	c, db := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []int64 `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.IDs) != 2 {
			t.Errorf("queried ids = %v, want the two missing ones", req.IDs)
		}
		_, _ = w.Write([]byte(`{"users": [{"id": 3, "email": "b@example.com", "name": "bo", "publicKey": "cd", "allowedMessageLevel": 2}]}`))
	}))

	// 2 already exists locally; 3 and 4 are missing; 4 is unknown remotely.
	if _, err := db.AddContact(&store.ContactInfo{ID: 2, Name: "ana", AllowedMessageLevel: store.MessageLevelAll}); err != nil {
		t.Fatal(err)
	}

	invalid, err := c.ResolveMissing([]store.UserID{2, 3, 4})
	if err != nil {
		t.Fatalf("ResolveMissing() error = %v", err)
	}
	if len(invalid) != 1 || invalid[0] != 4 {
		t.Errorf("invalid = %v, want [4]", invalid)
	}

	resolved, err := db.Contact(3)
	if err != nil {
		t.Fatal(err)
	}
	if resolved == nil || resolved.AllowedMessageLevel != store.MessageLevelGroupOnly || !resolved.IsPending {
		t.Errorf("resolved contact = %+v, want pending group-only", resolved)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	if err := c.Push(context.Background(), nil); err == nil {
		t.Error("Push() should surface HTTP errors")
	}
}
