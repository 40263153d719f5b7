// Package protocol defines the plaintext message envelope exchanged over the
// encrypted WebSocket channel, the recognized message types, and the typed
// payloads each handler operates on.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types. Every frame on the wire carries exactly one of these in its
// msg_type field; anything else is rejected by the router.
const (
	// Connection plumbing
	TypeHandshake = "handshake"
	TypePing      = "ping"
	TypePong      = "pong"

	// Account operations
	TypeSignup             = "signup"
	TypeAuthenticate       = "authenticate"
	TypeRefreshToken       = "refresh_token"
	TypeLogout             = "logout"
	TypeGetContacts        = "get_contacts"
	TypeAddContact         = "add_contact"
	TypeFetchCallHistory   = "fetch_call_history"
	TypeSetModelPreference = "set_model_preference"

	// Call signaling
	TypeCallInvite = "call_invite"
	TypeCallAccept = "call_accept"
	TypeCallReject = "call_reject"
	TypeCallEnd    = "call_end"

	// Media negotiation relay
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeIceCandidate = "ice_candidate"
	TypeVideoState   = "video_state"

	// Captioning push
	TypeLipReadingPrediction = "lip_reading_prediction"
)

// ServerTarget is the literal target value addressing the server's own media
// endpoint in offer/answer/ice_candidate messages.
const ServerTarget = "server"

// Error codes surfaced in replies. Stable strings; clients match on these.
const (
	ErrInvalidCredentials = "INVALID_CREDENTIALS"
	ErrUsernameTaken      = "USERNAME_TAKEN"
	ErrWeakPassword       = "WEAK_PASSWORD"
	ErrInvalidUsername    = "INVALID_USERNAME"
	ErrSchemaError        = "SCHEMA_ERROR"
	ErrMissingJWT         = "MISSING_JWT"
	ErrExpired            = "EXPIRED"
	ErrInvalidSignature   = "INVALID_SIGNATURE"
	ErrWrongType          = "WRONG_TYPE"
	ErrRevoked            = "REVOKED"
	ErrUserMismatch       = "USER_MISMATCH"
	ErrSelfContact        = "SELF_CONTACT"
	ErrDuplicateContact   = "DUPLICATE_CONTACT"
	ErrUserNotFound       = "USER_NOT_FOUND"
	ErrTargetNotAvailable = "TARGET_NOT_AVAILABLE"
	ErrTargetBusy         = "TARGET_BUSY"
	ErrAlreadyInviting    = "ALREADY_INVITING"
	ErrNoSuchCall         = "NO_SUCH_CALL"
	ErrPeerDisconnected   = "PEER_DISCONNECTED"
	ErrSessionReplaced    = "SESSION_REPLACED"
	ErrRateLimited        = "RATE_LIMITED"
	ErrCallHistory        = "CALL_HISTORY_ERROR"
	ErrStorage            = "STORAGE_ERROR"
)

// End reasons carried in call_end payloads.
const (
	EndReasonHangup           = "HANGUP"
	EndReasonRejected         = "REJECTED"
	EndReasonTimeout          = "TIMEOUT"
	EndReasonPeerDisconnected = "PEER_DISCONNECTED"
	EndReasonSessionReplaced  = "SESSION_REPLACED"
	EndReasonServerShutdown   = "SERVER_SHUTDOWN"
)

// Message is the plaintext envelope carried inside every encrypted frame.
// Requests and replies share the shape; replies echo msg_type and set
// success/error fields, pushes carry fresh message_ids and no correlation.
type Message struct {
	MessageID    string          `json:"message_id"`
	Timestamp    time.Time       `json:"timestamp"`
	MsgType      string          `json:"msg_type"`
	Success      bool            `json:"success"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	JWT          string          `json:"jwt,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// New builds an outbound message of the given type with a fresh message_id
// and the payload marshaled in place. Marshal errors are impossible for the
// payload structs in this package, so they surface as a panic in tests rather
// than a lost frame.
func New(msgType string, payload any) *Message {
	m := &Message{
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		MsgType:   msgType,
		Success:   true,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: marshal %s payload: %v", msgType, err))
		}
		m.Payload = raw
	}
	return m
}

// Reply builds a success reply to req, echoing its msg_type.
func Reply(req *Message, payload any) *Message {
	return New(req.MsgType, payload)
}

// ErrorReply builds a failure reply to req with the given code and message.
func ErrorReply(req *Message, code, message string) *Message {
	m := New(req.MsgType, nil)
	m.Success = false
	m.ErrorCode = code
	m.ErrorMessage = message
	return m
}

// DecodePayload unmarshals the message payload into dst.
func (m *Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.MsgType)
	}
	return json.Unmarshal(m.Payload, dst)
}

// Known reports whether t is one of the recognized message types.
func Known(t string) bool {
	switch t {
	case TypeHandshake, TypePing, TypePong,
		TypeSignup, TypeAuthenticate, TypeRefreshToken, TypeLogout,
		TypeGetContacts, TypeAddContact, TypeFetchCallHistory, TypeSetModelPreference,
		TypeCallInvite, TypeCallAccept, TypeCallReject, TypeCallEnd,
		TypeOffer, TypeAnswer, TypeIceCandidate, TypeVideoState,
		TypeLipReadingPrediction:
		return true
	}
	return false
}

// Unauthenticated reports whether t may be sent without a valid access token.
func Unauthenticated(t string) bool {
	switch t {
	case TypeHandshake, TypePing, TypePong, TypeSignup, TypeAuthenticate, TypeRefreshToken:
		return true
	}
	return false
}
