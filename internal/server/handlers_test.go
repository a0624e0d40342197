package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hearth-chat/hearth/internal/config"
	"github.com/hearth-chat/hearth/internal/store"
)

// newTestServer stands up the full router over an in-memory store.
func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	// Keep the per-connection limiter out of the way unless a test wants it.
	cfg.RateLimit = config.RateLimitConfig{Burst: 1000, RefillInterval: time.Second}

	st := store.NewMemoryStore()
	srv := New(cfg, st)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts, st
}

// newTestServerWithRateLimit is newTestServer with a tight per-connection
// send budget, for exercising the limiter.
func newTestServerWithRateLimit(t *testing.T, burst int) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.RateLimit = config.RateLimitConfig{Burst: burst, RefillInterval: time.Minute}

	st := store.NewMemoryStore()
	srv := New(cfg, st)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts, st
}

// doJSON issues a request against the test server and decodes the JSON
// response body into a generic map.
func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshaling request body failed: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Building request failed: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Reading response body failed: %v", err)
	}

	decoded := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("Response %q is not valid JSON: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

// registerAndLogin creates an account and returns its bearer token. The
// first account registered against a fresh store becomes the admin.
func registerAndLogin(t *testing.T, baseURL, username, password string) string {
	t.Helper()

	creds := map[string]string{"username": username, "password": password}
	if status, body := doJSON(t, http.MethodPost, baseURL+"/auth/register", "", creds); status != http.StatusCreated {
		t.Fatalf("Register %q returned %d: %v", username, status, body)
	}
	status, body := doJSON(t, http.MethodPost, baseURL+"/auth/login", "", creds)
	if status != http.StatusOK {
		t.Fatalf("Login %q returned %d: %v", username, status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("Login %q returned no token: %v", username, body)
	}
	return token
}

// TestFirstUserBecomesAdmin verifies the bootstrap rule: the first account
// is auto-approved as admin regardless of the registration mode, and the
// default mode then rejects further signups.
func TestFirstUserBecomesAdmin(t *testing.T) {
	ts, _ := newTestServer(t)

	token := registerAndLogin(t, ts.URL, "alice", "hunter22")

	status, body := doJSON(t, http.MethodGet, ts.URL+"/auth/session", token, nil)
	if status != http.StatusOK {
		t.Fatalf("Session returned %d: %v", status, body)
	}
	if body["role"] != store.RoleAdmin {
		t.Errorf("First user role = %v, want %q", body["role"], store.RoleAdmin)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/register", "",
		map[string]string{"username": "bob", "password": "pw"})
	if status != http.StatusForbidden {
		t.Errorf("Second registration under the default closed mode returned %d, want 403", status)
	}
}

// TestOpenRegistrationMode verifies that an admin can open registration and
// that new accounts then land with the plain user role.
func TestOpenRegistrationMode(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "open"})
	if status != http.StatusOK {
		t.Fatalf("Setting mode returned %d", status)
	}

	bob := registerAndLogin(t, ts.URL, "bob", "pw")
	status, body := doJSON(t, http.MethodGet, ts.URL+"/auth/session", bob, nil)
	if status != http.StatusOK || body["role"] != store.RoleUser {
		t.Errorf("Open-mode account session = %d %v, want role %q", status, body, store.RoleUser)
	}

	status, _ = doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "free-for-all"})
	if status != http.StatusBadRequest {
		t.Errorf("Unknown mode returned %d, want 400", status)
	}
}

// TestInviteFlow verifies invite-only registration: a minted invite admits
// exactly one account and is spent afterwards.
func TestInviteFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "invite_only"}); status != http.StatusOK {
		t.Fatalf("Setting mode returned %d", status)
	}

	status, body := doJSON(t, http.MethodPost, ts.URL+"/admin/invites", admin, nil)
	if status != http.StatusCreated {
		t.Fatalf("Minting invite returned %d: %v", status, body)
	}
	invite, _ := body["token"].(string)
	if invite == "" {
		t.Fatalf("Invite has no token: %v", body)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/register", "",
		map[string]string{"username": "bob", "password": "pw"})
	if status != http.StatusForbidden {
		t.Errorf("Registration without invite returned %d, want 403", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/register", "",
		map[string]string{"username": "bob", "password": "pw", "invite_token": invite})
	if status != http.StatusCreated {
		t.Errorf("Registration with invite returned %d, want 201", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/register", "",
		map[string]string{"username": "carol", "password": "pw", "invite_token": invite})
	if status != http.StatusForbidden {
		t.Errorf("Reusing a spent invite returned %d, want 403", status)
	}
}

// TestApprovalFlow verifies approval-required registration: the account is
// parked, cannot log in, and goes live once an admin approves it.
func TestApprovalFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "approval_required"}); status != http.StatusOK {
		t.Fatalf("Setting mode returned %d", status)
	}

	status, body := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "",
		map[string]string{"username": "carol", "password": "pw"})
	if status != http.StatusCreated || body["status"] != "pending" {
		t.Fatalf("Pending registration = %d %v", status, body)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "",
		map[string]string{"username": "carol", "password": "pw"})
	if status != http.StatusUnauthorized {
		t.Errorf("Login before approval returned %d, want 401", status)
	}

	status, body = doJSON(t, http.MethodGet, ts.URL+"/admin/pending", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("Listing pending returned %d", status)
	}
	if pending, _ := body["pending"].([]any); len(pending) != 1 {
		t.Fatalf("Pending list = %v, want one entry", body["pending"])
	}

	if status, _ = doJSON(t, http.MethodPost, ts.URL+"/admin/pending/carol/approve", admin, nil); status != http.StatusOK {
		t.Fatalf("Approval returned %d", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "",
		map[string]string{"username": "carol", "password": "pw"})
	if status != http.StatusOK {
		t.Errorf("Login after approval returned %d, want 200", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/admin/pending/carol/approve", admin, nil)
	if status != http.StatusNotFound {
		t.Errorf("Approving an already-approved user returned %d, want 404", status)
	}
}

// TestRejectFlow verifies that an admin can discard a parked registration:
// the pending entry disappears and the credentials never become valid.
func TestRejectFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "approval_required"}); status != http.StatusOK {
		t.Fatalf("Setting mode returned %d", status)
	}
	if status, _ := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "",
		map[string]string{"username": "mallory", "password": "pw"}); status != http.StatusCreated {
		t.Fatalf("Pending registration returned %d", status)
	}

	if status, _ := doJSON(t, http.MethodDelete, ts.URL+"/admin/pending/mallory", admin, nil); status != http.StatusOK {
		t.Fatalf("Rejection returned %d", status)
	}

	status, body := doJSON(t, http.MethodGet, ts.URL+"/admin/pending", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("Listing pending returned %d", status)
	}
	if pending, _ := body["pending"].([]any); len(pending) != 0 {
		t.Errorf("Pending list after rejection = %v, want empty", body["pending"])
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "",
		map[string]string{"username": "mallory", "password": "pw"})
	if status != http.StatusUnauthorized {
		t.Errorf("Login after rejection returned %d, want 401", status)
	}

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/admin/pending/mallory", admin, nil)
	if status != http.StatusNotFound {
		t.Errorf("Rejecting twice returned %d, want 404", status)
	}
}

// TestSetUserRole verifies admin grant over REST: the promoted account can
// reach admin endpoints, and demotion takes that away again.
func TestSetUserRole(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "open"}); status != http.StatusOK {
		t.Fatalf("Setting mode returned %d", status)
	}
	registerAndLogin(t, ts.URL, "bob", "pw")
	loginBob := func() string {
		t.Helper()
		status, body := doJSON(t, http.MethodPost, ts.URL+"/auth/login", "",
			map[string]string{"username": "bob", "password": "pw"})
		if status != http.StatusOK {
			t.Fatalf("Login returned %d", status)
		}
		token, _ := body["token"].(string)
		return token
	}

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/users/bob/role", admin,
		map[string]string{"role": "admin"}); status != http.StatusOK {
		t.Fatalf("Promotion returned %d", status)
	}

	// Token roles are minted at login, so bob logs in again for the new role.
	bob := loginBob()
	if status, _ := doJSON(t, http.MethodGet, ts.URL+"/admin/users", bob, nil); status != http.StatusOK {
		t.Errorf("Promoted user listing users returned %d, want 200", status)
	}

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/users/bob/role", admin,
		map[string]string{"role": "user"}); status != http.StatusOK {
		t.Fatalf("Demotion returned %d", status)
	}
	bob = loginBob()
	if status, _ := doJSON(t, http.MethodGet, ts.URL+"/admin/users", bob, nil); status != http.StatusForbidden {
		t.Errorf("Demoted user listing users returned %d, want 403", status)
	}

	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/users/bob/role", admin,
		map[string]string{"role": "superuser"}); status != http.StatusBadRequest {
		t.Errorf("Unknown role returned %d, want 400", status)
	}
	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/users/nobody/role", admin,
		map[string]string{"role": "admin"}); status != http.StatusNotFound {
		t.Errorf("Missing user returned %d, want 404", status)
	}
}

// TestRoomLifecycle verifies room creation, duplicate rejection, history
// cursors, and admin-only deletion with soft-delete semantics.
func TestRoomLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	status, _ := doJSON(t, http.MethodPost, ts.URL+"/rooms/", admin,
		map[string]string{"id": "general"})
	if status != http.StatusCreated {
		t.Fatalf("Creating room returned %d", status)
	}
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/rooms/", admin,
		map[string]string{"id": "general"})
	if status != http.StatusConflict {
		t.Errorf("Duplicate room returned %d, want 409", status)
	}

	for _, body := range []string{"first", "second", "third"} {
		status, resp := doJSON(t, http.MethodPost, ts.URL+"/rooms/general/messages", admin,
			map[string]string{"body": body})
		if status != http.StatusCreated {
			t.Fatalf("Posting %q returned %d: %v", body, status, resp)
		}
	}

	status, body := doJSON(t, http.MethodGet, ts.URL+"/rooms/general/messages?since=1", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("History returned %d", status)
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("History since=1 returned %d messages, want 2", len(messages))
	}
	first, _ := messages[0].(map[string]any)
	if first["id"] != float64(2) || first["body"] != "second" {
		t.Errorf("History since=1 starts with %v, want message 2", first)
	}

	if status, _ = doJSON(t, http.MethodGet, ts.URL+"/rooms/general/messages?since=abc", admin, nil); status != http.StatusBadRequest {
		t.Errorf("Bad cursor returned %d, want 400", status)
	}
	if status, _ = doJSON(t, http.MethodGet, ts.URL+"/rooms/nowhere/messages", admin, nil); status != http.StatusNotFound {
		t.Errorf("History for unknown room returned %d, want 404", status)
	}

	if status, _ = doJSON(t, http.MethodDelete, ts.URL+"/rooms/general", admin, nil); status != http.StatusOK {
		t.Fatalf("Deleting room returned %d", status)
	}
	if status, _ = doJSON(t, http.MethodGet, ts.URL+"/rooms/general/messages", admin, nil); status != http.StatusNotFound {
		t.Errorf("History for deleted room returned %d, want 404", status)
	}
	status, body = doJSON(t, http.MethodGet, ts.URL+"/rooms/", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("Listing rooms returned %d", status)
	}
	if rooms, _ := body["rooms"].([]any); len(rooms) != 0 {
		t.Errorf("Deleted room still listed: %v", body["rooms"])
	}
}

// TestDeleteRoomRequiresAdmin verifies the role check on room deletion.
func TestDeleteRoomRequiresAdmin(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")
	if status, _ := doJSON(t, http.MethodPut, ts.URL+"/admin/registration", admin,
		map[string]string{"mode": "open"}); status != http.StatusOK {
		t.Fatal("Setting mode failed")
	}
	bob := registerAndLogin(t, ts.URL, "bob", "pw")

	if status, _ := doJSON(t, http.MethodPost, ts.URL+"/rooms/", bob,
		map[string]string{"id": "general"}); status != http.StatusCreated {
		t.Fatal("Creating room failed")
	}

	if status, _ := doJSON(t, http.MethodDelete, ts.URL+"/rooms/general", bob, nil); status != http.StatusForbidden {
		t.Errorf("Non-admin delete returned %d, want 403", status)
	}
	if status, _ := doJSON(t, http.MethodGet, ts.URL+"/admin/users", bob, nil); status != http.StatusForbidden {
		t.Errorf("Non-admin user listing returned %d, want 403", status)
	}
}

// TestSearchMessages verifies full filtering on the search endpoint.
func TestSearchMessages(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := registerAndLogin(t, ts.URL, "alice", "hunter22")

	for _, room := range []string{"general", "random"} {
		if status, _ := doJSON(t, http.MethodPost, ts.URL+"/rooms/", admin,
			map[string]string{"id": room}); status != http.StatusCreated {
			t.Fatalf("Creating room %q failed", room)
		}
	}
	doJSON(t, http.MethodPost, ts.URL+"/rooms/general/messages", admin, map[string]string{"body": "release notes"})
	doJSON(t, http.MethodPost, ts.URL+"/rooms/general/messages", admin, map[string]string{"body": "deploy friday"})
	doJSON(t, http.MethodPost, ts.URL+"/rooms/random/messages", admin, map[string]string{"body": "deploy saturday"})

	status, body := doJSON(t, http.MethodGet, ts.URL+"/messages?query=deploy", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("Search returned %d", status)
	}
	if results, _ := body["messages"].([]any); len(results) != 2 {
		t.Errorf("Search for %q matched %d messages, want 2", "deploy", len(results))
	}

	status, body = doJSON(t, http.MethodGet, ts.URL+"/messages?query=deploy&room=random", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("Search returned %d", status)
	}
	if results, _ := body["messages"].([]any); len(results) != 1 {
		t.Errorf("Room-scoped search matched %d messages, want 1", len(results))
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("Search total = %v, want 1", body["total"])
	}
}

// TestRequireAuth verifies the bearer middleware's rejection paths.
func TestRequireAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic abc123"},
		{name: "not a token", header: "Bearer not-a-jwt"},
		{name: "bare bearer", header: "Bearer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/rooms/", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

// TestHealthz verifies the liveness endpoint responds without auth.
func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/healthz", ts.URL))
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health check status = %d, want 200", resp.StatusCode)
	}
}
