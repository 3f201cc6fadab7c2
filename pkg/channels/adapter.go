package channels

import (
	"context"
)

// DeliveryMode tells the dispatcher whether a send is complete when the call
// returns (direct) or only handed to a queue (queued).
type DeliveryMode string

const (
	DeliveryDirect DeliveryMode = "direct"
	DeliveryQueued DeliveryMode = "queued"
)

// Target is a resolved platform address.
type Target struct {
	Channel   string
	To        string
	ReplyToID string
	AccountID string
}

// TextRequest is one text send. Adapters may split Text into chunks.
type TextRequest struct {
	Target Target
	Text   string
}

// MediaRequest sends a single attachment with an optional caption.
type MediaRequest struct {
	Target   Target
	MediaURL string
	Caption  string
}

// DeliveryResult describes what a send produced on the platform.
type DeliveryResult struct {
	Channel    string
	MessageIDs []string
	Queued     bool
}

// Adapter delivers outbound content to one chat platform.
type Adapter interface {
	ID() string
	DeliveryMode() DeliveryMode
	// ResolveTarget validates and normalizes an address. Invalid addresses
	// return a *DeliveryTargetError.
	ResolveTarget(to string) (Target, error)
	SendText(ctx context.Context, req TextRequest) (DeliveryResult, error)
	SendMedia(ctx context.Context, req MediaRequest) (DeliveryResult, error)
}

// TypingNotifier is implemented by adapters that can show a typing indicator.
type TypingNotifier interface {
	SendTyping(ctx context.Context, target Target) error
}

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	To        string
	Text      string
	MessageID string
	Metadata  map[string]interface{}
}

// InboundHandler receives messages from channels that also do ingress.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// Lifecycle is implemented by adapters that run their own ingress loop.
type Lifecycle interface {
	Start(ctx context.Context, handler InboundHandler) error
	Stop(ctx context.Context) error
}
