package protocol

// Handshake payloads exchanged in plaintext before the channel is sealed.
type HandshakeOffer struct {
	ServerPublicKey string `json:"server_public_key"` // base64 X25519 public key
	Salt            string `json:"salt"`              // base64, fresh per connection
}

type HandshakeReply struct {
	ClientPublicKey string `json:"client_public_key"`
}

// Account payloads.
type SignupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type SignupResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthenticateResponse struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_jwt"`
}

type RefreshResponse struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Contact payloads.
type Contact struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type ContactsResponse struct {
	Contacts []Contact `json:"contacts"`
}

type AddContactRequest struct {
	ContactUsername string `json:"contact_username"`
}

// Call history payloads.
type CallHistoryRequest struct {
	Limit int `json:"limit"`
}

type TranscriptLine struct {
	T       string `json:"t"` // RFC 3339 timestamp
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Source  string `json:"source"` // "lip" or "audio"
}

type CallHistoryEntry struct {
	CallID      string           `json:"call_id"`
	CallerID    string           `json:"caller_id"`
	CalleeID    string           `json:"callee_id"`
	Type        string           `json:"type"` // incoming / outgoing / missed
	StartedAt   string           `json:"started_at"`
	EndedAt     string           `json:"ended_at,omitempty"`
	Transcripts []TranscriptLine `json:"transcripts,omitempty"`
}

type CallHistoryResponse struct {
	Calls []CallHistoryEntry `json:"calls"`
}

// Model preference payload.
type ModelPreferenceRequest struct {
	ModelType string `json:"model_type"` // "lip" or "audio"
}

// Call signaling payloads.
type CallInviteRequest struct {
	Target string `json:"target"` // callee user_id
}

type CallInvitePush struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
}

type CallAnswerRequest struct {
	CallID string `json:"call_id"`
}

type CallEventPush struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// Signaling relay payloads. SDP and ICE bodies pass through untouched; the
// server only rewrites From.
type SignalPayload struct {
	CallID    string `json:"call_id"`
	Target    string `json:"target,omitempty"` // peer user_id or "server"
	From      string `json:"from,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Mid       string `json:"mid,omitempty"`
	MLineIdx  *int   `json:"m_line_index,omitempty"`
	VideoOn   *bool  `json:"video_on,omitempty"`
}

// Caption push payload.
type CaptionPush struct {
	From       string `json:"from"` // always "server"
	CallID     string `json:"call_id"`
	Speaker    string `json:"speaker"`
	Prediction string `json:"prediction"`
	Source     string `json:"source"`
}
