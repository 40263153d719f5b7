package handlers

import (
	"testing"
	"time"

	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/token"
)

func newTestHandlers(t *testing.T) (*Handlers, *db.DB, *token.Service) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key, err := token.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tokens := token.NewService(key, database, 15*time.Minute, time.Hour)
	return New(database, tokens), database, tokens
}

func signupReq(username, password, name string) *protocol.Message {
	return protocol.New(protocol.TypeSignup, protocol.SignupRequest{
		Username: username,
		Password: password,
		Name:     name,
	})
}

func signup(t *testing.T, h *Handlers, username string) protocol.SignupResponse {
	t.Helper()
	reply := h.Signup(signupReq(username, "Abcdef!1", username))
	if !reply.Success {
		t.Fatalf("signup %s failed: %s %s", username, reply.ErrorCode, reply.ErrorMessage)
	}
	var resp protocol.SignupResponse
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return resp
}

func TestSignupIssuesTokens(t *testing.T) {
	h, database, tokens := newTestHandlers(t)

	resp := signup(t, h, "ada")
	if resp.UserID == "" || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("incomplete signup response: %+v", resp)
	}
	if err := tokens.VerifyAccess(resp.AccessToken, resp.UserID); err != nil {
		t.Errorf("issued access token invalid: %v", err)
	}

	user, _ := database.GetUserByUsername("ada")
	if user == nil {
		t.Fatal("user not persisted")
	}
	if user.PasswordHash == "Abcdef!1" {
		t.Error("password stored in plaintext")
	}
	if user.ModelPreference != db.ModelLip {
		t.Errorf("default preference = %q, want lip", user.ModelPreference)
	}
}

func TestSignupDuplicateUsername(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	signup(t, h, "ada")

	reply := h.Signup(signupReq("ada", "Abcdef!1", "Other"))
	if reply.Success || reply.ErrorCode != protocol.ErrUsernameTaken {
		t.Errorf("duplicate signup: %+v", reply)
	}
}

func TestSignupWeakPassword(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	for _, password := range []string{"short1A", "alllowercase1", "ALLUPPERCASE1", "NoDigitsHere"} {
		reply := h.Signup(signupReq("ada", password, "Ada"))
		if reply.Success || reply.ErrorCode != protocol.ErrWeakPassword {
			t.Errorf("password %q: got %s, want WEAK_PASSWORD", password, reply.ErrorCode)
		}
	}
}

func TestSignupBadUsername(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	for _, username := range []string{"", "has space", "tööt", "waaaaaaaaaaaaaaaaaaaaaaaaaaaytoolongusername"} {
		reply := h.Signup(signupReq(username, "Abcdef!1", "X"))
		if reply.Success || reply.ErrorCode != protocol.ErrInvalidUsername {
			t.Errorf("username %q: got %s, want INVALID_USERNAME", username, reply.ErrorCode)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	created := signup(t, h, "ada")

	reply := h.Authenticate(protocol.New(protocol.TypeAuthenticate, protocol.AuthenticateRequest{
		Username: "ada", Password: "Abcdef!1",
	}))
	if !reply.Success {
		t.Fatalf("authenticate failed: %s", reply.ErrorCode)
	}
	var resp protocol.AuthenticateResponse
	reply.DecodePayload(&resp)
	if resp.UserID != created.UserID || resp.Username != "ada" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	signup(t, h, "ada")

	for _, creds := range []protocol.AuthenticateRequest{
		{Username: "ada", Password: "Wrong!123"},
		{Username: "ghost", Password: "Abcdef!1"},
	} {
		reply := h.Authenticate(protocol.New(protocol.TypeAuthenticate, creds))
		if reply.Success || reply.ErrorCode != protocol.ErrInvalidCredentials {
			t.Errorf("creds %+v: got %s, want INVALID_CREDENTIALS", creds, reply.ErrorCode)
		}
	}
}

func TestRefreshRotatesAndRevokes(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	created := signup(t, h, "ada")

	reply := h.Refresh(protocol.New(protocol.TypeRefreshToken, protocol.RefreshRequest{RefreshToken: created.RefreshToken}))
	if !reply.Success {
		t.Fatalf("refresh failed: %s", reply.ErrorCode)
	}
	var resp protocol.RefreshResponse
	reply.DecodePayload(&resp)
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.Username != "ada" {
		t.Fatalf("incomplete refresh response: %+v", resp)
	}

	// Replay of the consumed token is refused.
	replay := h.Refresh(protocol.New(protocol.TypeRefreshToken, protocol.RefreshRequest{RefreshToken: created.RefreshToken}))
	if replay.Success || replay.ErrorCode != protocol.ErrRevoked {
		t.Errorf("replay: got %s, want REVOKED", replay.ErrorCode)
	}
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	created := signup(t, h, "ada")

	reply := h.Logout(protocol.New(protocol.TypeLogout, nil), created.UserID)
	if !reply.Success {
		t.Fatalf("logout failed: %s", reply.ErrorCode)
	}

	refresh := h.Refresh(protocol.New(protocol.TypeRefreshToken, protocol.RefreshRequest{RefreshToken: created.RefreshToken}))
	if refresh.Success || refresh.ErrorCode != protocol.ErrRevoked {
		t.Errorf("refresh after logout: got %s, want REVOKED", refresh.ErrorCode)
	}
}

func TestContactsFlow(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	ada := signup(t, h, "ada")
	bob := signup(t, h, "bob")

	add := h.AddContact(protocol.New(protocol.TypeAddContact, protocol.AddContactRequest{ContactUsername: "bob"}), ada.UserID)
	if !add.Success {
		t.Fatalf("add_contact failed: %s", add.ErrorCode)
	}

	// Idempotent at the edge level.
	again := h.AddContact(protocol.New(protocol.TypeAddContact, protocol.AddContactRequest{ContactUsername: "bob"}), ada.UserID)
	if !again.Success {
		t.Errorf("duplicate add should succeed, got %s", again.ErrorCode)
	}

	list := h.GetContacts(protocol.New(protocol.TypeGetContacts, nil), ada.UserID)
	var contacts protocol.ContactsResponse
	list.DecodePayload(&contacts)
	if len(contacts.Contacts) != 1 || contacts.Contacts[0].UserID != bob.UserID {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
}

func TestAddContactSelfAndUnknown(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	ada := signup(t, h, "ada")

	self := h.AddContact(protocol.New(protocol.TypeAddContact, protocol.AddContactRequest{ContactUsername: "ada"}), ada.UserID)
	if self.Success || self.ErrorCode != protocol.ErrSelfContact {
		t.Errorf("self add: got %s, want SELF_CONTACT", self.ErrorCode)
	}

	ghost := h.AddContact(protocol.New(protocol.TypeAddContact, protocol.AddContactRequest{ContactUsername: "ghost"}), ada.UserID)
	if ghost.Success || ghost.ErrorCode != protocol.ErrUserNotFound {
		t.Errorf("unknown add: got %s, want USER_NOT_FOUND", ghost.ErrorCode)
	}
}

func TestFetchCallHistoryViewTypes(t *testing.T) {
	h, database, _ := newTestHandlers(t)
	ada := signup(t, h, "ada")
	bob := signup(t, h, "bob")

	started := time.Now().Add(-time.Hour)
	records := []db.CallRecord{
		{ID: "c1", CallerID: ada.UserID, CalleeID: bob.UserID, Type: db.CallCompleted, StartedAt: started, EndedAt: started.Add(time.Minute)},
		{ID: "c2", CallerID: bob.UserID, CalleeID: ada.UserID, Type: db.CallCompleted, StartedAt: started.Add(2 * time.Minute), EndedAt: started.Add(3 * time.Minute)},
		{ID: "c3", CallerID: bob.UserID, CalleeID: ada.UserID, Type: db.CallMissed, StartedAt: started.Add(4 * time.Minute)},
	}
	for _, rec := range records {
		if err := database.CreateCall(rec); err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
	}

	reply := h.FetchCallHistory(protocol.New(protocol.TypeFetchCallHistory, protocol.CallHistoryRequest{Limit: 10}), ada.UserID)
	var resp protocol.CallHistoryResponse
	reply.DecodePayload(&resp)
	if len(resp.Calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(resp.Calls))
	}

	// Newest first: c3, c2, c1.
	wantTypes := map[string]string{"c1": "outgoing", "c2": "incoming", "c3": "missed"}
	for _, entry := range resp.Calls {
		if got := wantTypes[entry.CallID]; entry.Type != got {
			t.Errorf("call %s type = %q, want %q", entry.CallID, entry.Type, got)
		}
	}
}

func TestSetModelPreference(t *testing.T) {
	h, database, _ := newTestHandlers(t)
	ada := signup(t, h, "ada")

	reply := h.SetModelPreference(protocol.New(protocol.TypeSetModelPreference, protocol.ModelPreferenceRequest{ModelType: "audio"}), ada.UserID)
	if !reply.Success {
		t.Fatalf("set_model_preference failed: %s", reply.ErrorCode)
	}
	user, _ := database.GetUserByID(ada.UserID)
	if user.ModelPreference != db.ModelAudio {
		t.Errorf("preference = %q, want audio", user.ModelPreference)
	}

	bad := h.SetModelPreference(protocol.New(protocol.TypeSetModelPreference, protocol.ModelPreferenceRequest{ModelType: "video"}), ada.UserID)
	if bad.Success || bad.ErrorCode != protocol.ErrSchemaError {
		t.Errorf("invalid model: got %s, want SCHEMA_ERROR", bad.ErrorCode)
	}
}
