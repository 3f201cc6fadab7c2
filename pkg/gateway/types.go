package gateway

import "time"

// Frame types exchanged over the websocket.
const (
	FrameAuthChallenge = "auth.challenge"
	FrameAuth          = "auth"
	FrameAuthResult    = "auth.result"
	FrameMessage       = "message"
	FrameReply         = "reply"
	FrameTyping        = "typing"
	FrameError         = "error"
	FrameShutdown      = "shutdown"
)

// ReplyFrame carries one delivered reply chunk to a client.
type ReplyFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	Seq       int64  `json:"seq"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// InboundFrame is any frame sent by a client. Only the fields relevant to
// Type are set.
type InboundFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text,omitempty"`
	Session   string `json:"session,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// EventFrame is a server notice without a payload beyond its message.
type EventFrame struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Error codes sent in error frames.
const (
	CodeAuthRequired = "auth_required"
	CodeRateLimited  = "rate_limited"
	CodeBadFrame     = "bad_frame"
)

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Idle          bool      `json:"idle"`
}

// ClientState is the connection state of a client.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)
