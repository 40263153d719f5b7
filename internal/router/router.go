// Package router turns decrypted frames into handler invocations. It
// enforces the message schema and the access-token gate, binds sessions on
// successful authentication, and produces exactly one reply frame per
// request.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/seenspeak/seenspeak/internal/call"
	"github.com/seenspeak/seenspeak/internal/handlers"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/registry"
	"github.com/seenspeak/seenspeak/internal/token"
)

// Conn is the connection surface the router needs beyond the registry Peer.
type Conn interface {
	registry.Peer

	// BindUser marks the connection authenticated as userID.
	BindUser(userID string)

	// MarkPong records a liveness proof from the client.
	MarkPong()
}

// Router validates and dispatches one frame at a time. It holds no per-frame
// state and is shared by every connection.
type Router struct {
	tokens   *token.Service
	handlers *handlers.Handlers
	coord    *call.Coordinator
	reg      *registry.Registry
}

// New creates a router.
func New(tokens *token.Service, h *handlers.Handlers, coord *call.Coordinator, reg *registry.Registry) *Router {
	return &Router{tokens: tokens, handlers: h, coord: coord, reg: reg}
}

// Dispatch decodes one plaintext frame and routes it. The returned message,
// if non-nil, is the single reply to send on the same connection.
func (r *Router) Dispatch(c Conn, plaintext []byte) *protocol.Message {
	var msg protocol.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		bad := &protocol.Message{MsgType: "unknown"}
		return protocol.ErrorReply(bad, protocol.ErrSchemaError, "malformed message envelope")
	}

	if msg.MsgType == "" || !protocol.Known(msg.MsgType) {
		return protocol.ErrorReply(&msg, protocol.ErrSchemaError, "unknown message type")
	}

	if !protocol.Unauthenticated(msg.MsgType) {
		if code, detail := r.authorize(c, &msg); code != "" {
			return protocol.ErrorReply(&msg, code, detail)
		}
	}

	return r.route(c, &msg)
}

// authorize enforces the jwt/user_id gate for authenticated message types.
func (r *Router) authorize(c Conn, msg *protocol.Message) (string, string) {
	if msg.JWT == "" || msg.UserID == "" {
		return protocol.ErrMissingJWT, "jwt and user_id are required"
	}
	if bound := c.UserID(); bound != "" && bound != msg.UserID {
		return protocol.ErrUserMismatch, "message user does not match session"
	}
	if err := r.tokens.VerifyAccess(msg.JWT, msg.UserID); err != nil {
		switch err {
		case token.ErrExpired:
			return protocol.ErrExpired, "access token expired"
		case token.ErrWrongType:
			return protocol.ErrWrongType, "access token required"
		case token.ErrUserMismatch:
			return protocol.ErrUserMismatch, "token does not belong to user"
		default:
			return protocol.ErrInvalidSignature, "invalid access token"
		}
	}
	return "", ""
}

func (r *Router) route(c Conn, msg *protocol.Message) *protocol.Message {
	switch msg.MsgType {
	case protocol.TypePing:
		return protocol.New(protocol.TypePong, nil)

	case protocol.TypePong:
		c.MarkPong()
		return nil

	case protocol.TypeSignup:
		reply := r.handlers.Signup(msg)
		r.bindOnAuth(c, reply)
		return reply

	case protocol.TypeAuthenticate:
		reply := r.handlers.Authenticate(msg)
		r.bindOnAuth(c, reply)
		return reply

	case protocol.TypeRefreshToken:
		reply := r.handlers.Refresh(msg)
		r.bindOnAuth(c, reply)
		return reply

	case protocol.TypeLogout:
		reply := r.handlers.Logout(msg, msg.UserID)
		if reply.Success {
			r.reg.Unregister(c)
		}
		return reply

	case protocol.TypeGetContacts:
		return r.handlers.GetContacts(msg, msg.UserID)

	case protocol.TypeAddContact:
		return r.handlers.AddContact(msg, msg.UserID)

	case protocol.TypeFetchCallHistory:
		return r.handlers.FetchCallHistory(msg, msg.UserID)

	case protocol.TypeSetModelPreference:
		return r.handlers.SetModelPreference(msg, msg.UserID)

	case protocol.TypeCallInvite:
		var body protocol.CallInviteRequest
		if err := msg.DecodePayload(&body); err != nil || body.Target == "" {
			return protocol.ErrorReply(msg, protocol.ErrSchemaError, "call_invite requires a target")
		}
		callID, code := r.coord.Invite(msg.UserID, body.Target)
		if code != "" {
			return protocol.ErrorReply(msg, code, callErrorText(code))
		}
		return protocol.Reply(msg, protocol.CallInvitePush{CallID: callID, From: msg.UserID})

	case protocol.TypeCallAccept:
		return r.callControl(msg, r.coord.Accept)

	case protocol.TypeCallReject:
		return r.callControl(msg, r.coord.Reject)

	case protocol.TypeCallEnd:
		return r.callControl(msg, r.coord.End)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate, protocol.TypeVideoState:
		var body protocol.SignalPayload
		if err := msg.DecodePayload(&body); err != nil || body.CallID == "" {
			return protocol.ErrorReply(msg, protocol.ErrSchemaError, "signaling requires a call_id")
		}
		if code := r.coord.Signal(msg.UserID, msg.MsgType, body); code != "" {
			return protocol.ErrorReply(msg, code, callErrorText(code))
		}
		return protocol.Reply(msg, nil)

	case protocol.TypeHandshake:
		// The handshake happens before frames are sealed; an encrypted
		// handshake frame is a client bug.
		return protocol.ErrorReply(msg, protocol.ErrSchemaError, "handshake already complete")

	case protocol.TypeLipReadingPrediction:
		// Server-to-client only.
		return protocol.ErrorReply(msg, protocol.ErrSchemaError, "lip_reading_prediction is server-initiated")
	}

	return protocol.ErrorReply(msg, protocol.ErrSchemaError, "unknown message type")
}

// bindOnAuth registers the session after a successful signup, authenticate,
// or refresh reply, displacing any prior session for the user.
func (r *Router) bindOnAuth(c Conn, reply *protocol.Message) {
	if reply == nil || !reply.Success {
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := reply.DecodePayload(&body); err != nil || body.UserID == "" {
		slog.Error("router: auth reply missing user_id", "msg_type", reply.MsgType)
		return
	}

	c.BindUser(body.UserID)
	if displaced := r.reg.Register(c); displaced != nil {
		r.coord.Disconnect(body.UserID, protocol.EndReasonSessionReplaced)
		notice := protocol.New(protocol.TypeLogout, nil)
		notice.Success = false
		notice.ErrorCode = protocol.ErrSessionReplaced
		notice.ErrorMessage = "signed in from another device"
		displaced.CloseWithNotice(notice)
		slog.Info("session replaced", "user_id", body.UserID)
	}
}

func (r *Router) callControl(msg *protocol.Message, op func(callID, userID string) string) *protocol.Message {
	var body protocol.CallAnswerRequest
	if err := msg.DecodePayload(&body); err != nil || body.CallID == "" {
		return protocol.ErrorReply(msg, protocol.ErrSchemaError, "call_id is required")
	}
	if code := op(body.CallID, msg.UserID); code != "" {
		return protocol.ErrorReply(msg, code, callErrorText(code))
	}
	return protocol.Reply(msg, nil)
}

func callErrorText(code string) string {
	switch code {
	case protocol.ErrTargetNotAvailable:
		return "target is not connected"
	case protocol.ErrTargetBusy:
		return "target is in another call"
	case protocol.ErrAlreadyInviting:
		return "a call is already in progress"
	case protocol.ErrNoSuchCall:
		return "no such call"
	case protocol.ErrSchemaError:
		return "malformed call payload"
	}
	return "call error"
}
