// Package handlers implements the plain request/response operations:
// account lifecycle, contacts, call history, and model preference. Each
// handler consumes a decoded message and produces exactly one reply frame.
package handlers

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/token"
)

const (
	maxUsernameLen = 32
	minPasswordLen = 8
)

// Handlers bundles the repository and token service the account operations
// need.
type Handlers struct {
	database *db.DB
	tokens   *token.Service
}

// New creates the handler set.
func New(database *db.DB, tokens *token.Service) *Handlers {
	return &Handlers{database: database, tokens: tokens}
}

// Signup creates a user and issues a first credential pair.
func (h *Handlers) Signup(req *protocol.Message) *protocol.Message {
	var body protocol.SignupRequest
	if err := req.DecodePayload(&body); err != nil {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "malformed signup payload")
	}

	if code, msg := validateUsername(body.Username); code != "" {
		return protocol.ErrorReply(req, code, msg)
	}
	if code, msg := validatePassword(body.Password); code != "" {
		return protocol.ErrorReply(req, code, msg)
	}
	if strings.TrimSpace(body.Name) == "" {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "name is required")
	}

	existing, err := h.database.GetUserByUsername(body.Username)
	if err != nil {
		return storageError(req, "signup", err)
	}
	if existing != nil {
		return protocol.ErrorReply(req, protocol.ErrUsernameTaken, "username already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
	if err != nil {
		return storageError(req, "signup", err)
	}

	user := db.User{
		ID:              uuid.New().String(),
		Username:        body.Username,
		Name:            body.Name,
		PasswordHash:    string(hash),
		ModelPreference: db.ModelLip,
	}
	if err := h.database.CreateUser(user); err != nil {
		// A concurrent signup can win the uniqueness race after our check.
		return protocol.ErrorReply(req, protocol.ErrUsernameTaken, "username already registered")
	}

	pair, err := h.tokens.Issue(user.ID)
	if err != nil {
		return storageError(req, "signup", err)
	}

	slog.Info("user signed up", "user_id", user.ID, "username", user.Username)
	return protocol.Reply(req, protocol.SignupResponse{
		UserID:       user.ID,
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
	})
}

// Authenticate verifies credentials and issues a credential pair.
func (h *Handlers) Authenticate(req *protocol.Message) *protocol.Message {
	var body protocol.AuthenticateRequest
	if err := req.DecodePayload(&body); err != nil {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "malformed authenticate payload")
	}

	user, err := h.database.GetUserByUsername(body.Username)
	if err != nil {
		return storageError(req, "authenticate", err)
	}
	if user == nil {
		return protocol.ErrorReply(req, protocol.ErrInvalidCredentials, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(body.Password)); err != nil {
		return protocol.ErrorReply(req, protocol.ErrInvalidCredentials, "invalid username or password")
	}

	pair, err := h.tokens.Issue(user.ID)
	if err != nil {
		return storageError(req, "authenticate", err)
	}

	return protocol.Reply(req, protocol.AuthenticateResponse{
		UserID:       user.ID,
		Username:     user.Username,
		Name:         user.Name,
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
	})
}

// Refresh rotates a refresh token: the presented jti is revoked and a fresh
// pair issued (see token.Service.Rotate).
func (h *Handlers) Refresh(req *protocol.Message) *protocol.Message {
	var body protocol.RefreshRequest
	if err := req.DecodePayload(&body); err != nil {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "malformed refresh payload")
	}

	userID, pair, err := h.tokens.Rotate(body.RefreshToken)
	if err != nil {
		return tokenError(req, err)
	}

	user, err := h.database.GetUserByID(userID)
	if err != nil || user == nil {
		return storageError(req, "refresh_token", err)
	}

	return protocol.Reply(req, protocol.RefreshResponse{
		UserID:       user.ID,
		Username:     user.Username,
		Name:         user.Name,
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
	})
}

// Logout revokes all refresh tokens for the authenticated user. The caller
// unregisters the session.
func (h *Handlers) Logout(req *protocol.Message, userID string) *protocol.Message {
	if err := h.tokens.RevokeAll(userID); err != nil {
		return storageError(req, "logout", err)
	}
	return protocol.Reply(req, nil)
}

// GetContacts lists the authenticated user's contacts.
func (h *Handlers) GetContacts(req *protocol.Message, userID string) *protocol.Message {
	users, err := h.database.ListContacts(userID)
	if err != nil {
		return storageError(req, "get_contacts", err)
	}

	out := protocol.ContactsResponse{Contacts: make([]protocol.Contact, 0, len(users))}
	for _, u := range users {
		out.Contacts = append(out.Contacts, protocol.Contact{UserID: u.ID, Username: u.Username, Name: u.Name})
	}
	return protocol.Reply(req, out)
}

// AddContact resolves a username and creates the directed contact edge.
// Adding an existing contact succeeds without creating a second edge.
func (h *Handlers) AddContact(req *protocol.Message, userID string) *protocol.Message {
	var body protocol.AddContactRequest
	if err := req.DecodePayload(&body); err != nil {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "malformed add_contact payload")
	}

	target, err := h.database.GetUserByUsername(body.ContactUsername)
	if err != nil {
		return storageError(req, "add_contact", err)
	}
	if target == nil {
		return protocol.ErrorReply(req, protocol.ErrUserNotFound, "no such user")
	}
	if target.ID == userID {
		return protocol.ErrorReply(req, protocol.ErrSelfContact, "cannot add yourself as a contact")
	}

	if err := h.database.AddContact(userID, target.ID); err != nil {
		return storageError(req, "add_contact", err)
	}
	return protocol.Reply(req, protocol.Contact{UserID: target.ID, Username: target.Username, Name: target.Name})
}

// FetchCallHistory returns the most recent calls with serialized transcripts.
// The call type is derived for the requesting viewer.
func (h *Handlers) FetchCallHistory(req *protocol.Message, userID string) *protocol.Message {
	var body protocol.CallHistoryRequest
	if len(req.Payload) > 0 {
		if err := req.DecodePayload(&body); err != nil {
			return protocol.ErrorReply(req, protocol.ErrSchemaError, "malformed fetch_call_history payload")
		}
	}

	recs, err := h.database.ListCallsByUser(userID, body.Limit)
	if err != nil {
		slog.Error("fetch_call_history failed", "user_id", userID, "error", err)
		return protocol.ErrorReply(req, protocol.ErrCallHistory, "could not load call history")
	}

	out := protocol.CallHistoryResponse{Calls: make([]protocol.CallHistoryEntry, 0, len(recs))}
	for _, rec := range recs {
		entry := protocol.CallHistoryEntry{
			CallID:    rec.ID,
			CallerID:  rec.CallerID,
			CalleeID:  rec.CalleeID,
			Type:      viewType(rec, userID),
			StartedAt: rec.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		if !rec.EndedAt.IsZero() {
			entry.EndedAt = rec.EndedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		for _, line := range rec.Transcripts {
			entry.Transcripts = append(entry.Transcripts, protocol.TranscriptLine{
				T:       line.T.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				Speaker: line.Speaker,
				Text:    line.Text,
				Source:  line.Source,
			})
		}
		out.Calls = append(out.Calls, entry)
	}
	return protocol.Reply(req, out)
}

// SetModelPreference stores the user's transcriber choice.
func (h *Handlers) SetModelPreference(req *protocol.Message, userID string) *protocol.Message {
	var body protocol.ModelPreferenceRequest
	if err := req.DecodePayload(&body); err != nil {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "malformed set_model_preference payload")
	}

	pref := db.ModelPreference(body.ModelType)
	if pref != db.ModelLip && pref != db.ModelAudio {
		return protocol.ErrorReply(req, protocol.ErrSchemaError, "model_type must be \"lip\" or \"audio\"")
	}

	if err := h.database.SetModelPreference(userID, pref); err != nil {
		return storageError(req, "set_model_preference", err)
	}
	return protocol.Reply(req, nil)
}

// viewType classifies a record for the requesting user.
func viewType(rec db.CallRecord, viewerID string) string {
	if rec.Type == db.CallMissed || rec.Type == db.CallRejected {
		if rec.CallerID == viewerID {
			return "outgoing"
		}
		return "missed"
	}
	if rec.CallerID == viewerID {
		return "outgoing"
	}
	return "incoming"
}

func validateUsername(username string) (string, string) {
	if username == "" {
		return protocol.ErrInvalidUsername, "username is required"
	}
	if len(username) > maxUsernameLen {
		return protocol.ErrInvalidUsername, "username too long"
	}
	for _, r := range username {
		if r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-') {
			return protocol.ErrInvalidUsername, "username may contain only letters, digits, and ._-"
		}
	}
	return "", ""
}

func validatePassword(password string) (string, string) {
	if len(password) < minPasswordLen {
		return protocol.ErrWeakPassword, "password must be at least 8 characters"
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return protocol.ErrWeakPassword, "password must mix upper, lower, and digit characters"
	}
	return "", ""
}

func storageError(req *protocol.Message, op string, err error) *protocol.Message {
	slog.Error("handler storage error", "op", op, "error", err)
	return protocol.ErrorReply(req, protocol.ErrStorage, "internal storage error")
}

func tokenError(req *protocol.Message, err error) *protocol.Message {
	code := protocol.ErrInvalidSignature
	switch err {
	case token.ErrExpired:
		code = protocol.ErrExpired
	case token.ErrWrongType:
		code = protocol.ErrWrongType
	case token.ErrRevoked:
		code = protocol.ErrRevoked
	case token.ErrUserMismatch:
		code = protocol.ErrUserMismatch
	}
	return protocol.ErrorReply(req, code, err.Error())
}
