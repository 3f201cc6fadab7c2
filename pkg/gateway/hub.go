package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/channels"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ChannelID is the channel name the hub registers under.
const ChannelID = "gateway"

// HubConfig configures a Hub.
type HubConfig struct {
	SharedSecret string
	Outbound     channels.Outbound
	// CheckOrigin overrides the upgrader origin check; nil allows all.
	CheckOrigin func(r *http.Request) bool
	Logger      zerolog.Logger
}

// Hub is the websocket channel adapter. Each connected client is a delivery
// target addressed by its client id; sends are queued per client.
type Hub struct {
	clients  *ClientRegistry
	auth     *AuthHandler
	outbound channels.Outbound
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.RWMutex
	handler  channels.InboundHandler
	baseCtx  context.Context
	stopping bool
	inFlight sync.WaitGroup
}

func NewHub(cfg HubConfig) *Hub {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients:  NewClientRegistry(),
		auth:     NewAuthHandler(cfg.SharedSecret),
		outbound: cfg.Outbound,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		baseCtx:  context.Background(),
	}
}

func (h *Hub) ID() string { return ChannelID }

func (h *Hub) DeliveryMode() channels.DeliveryMode { return channels.DeliveryQueued }

// ResolveTarget accepts the id of a connected, authenticated client.
func (h *Hub) ResolveTarget(to string) (channels.Target, error) {
	id := strings.TrimSpace(to)
	if id == "" {
		return channels.Target{}, &channels.DeliveryTargetError{Channel: ChannelID, To: to, Reason: "client id required"}
	}
	client, ok := h.clients.Get(id)
	if !ok {
		return channels.Target{}, &channels.DeliveryTargetError{Channel: ChannelID, To: to, Reason: "client not connected"}
	}
	if !client.IsAuthenticated() {
		return channels.Target{}, &channels.DeliveryTargetError{Channel: ChannelID, To: to, Reason: "client not authenticated"}
	}
	return channels.Target{Channel: ChannelID, To: id}, nil
}

func (h *Hub) SendText(ctx context.Context, req channels.TextRequest) (channels.DeliveryResult, error) {
	client, err := h.client(req.Target)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	result := channels.DeliveryResult{Channel: ChannelID, Queued: true}
	for _, chunk := range h.outbound.Chunks(req.Text) {
		id, err := h.queueReply(client, req.Target, "text", chunk, "")
		if err != nil {
			return result, err
		}
		result.MessageIDs = append(result.MessageIDs, id)
	}
	return result, nil
}

func (h *Hub) SendMedia(ctx context.Context, req channels.MediaRequest) (channels.DeliveryResult, error) {
	client, err := h.client(req.Target)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	id, err := h.queueReply(client, req.Target, "media", req.Caption, req.MediaURL)
	if err != nil {
		return channels.DeliveryResult{}, err
	}
	return channels.DeliveryResult{Channel: ChannelID, MessageIDs: []string{id}, Queued: true}, nil
}

func (h *Hub) SendTyping(ctx context.Context, target channels.Target) error {
	client, err := h.client(target)
	if err != nil {
		return err
	}
	return client.enqueue(EventFrame{Type: FrameTyping})
}

func (h *Hub) client(target channels.Target) (*Client, error) {
	client, ok := h.clients.Get(target.To)
	if !ok {
		return nil, &channels.DeliveryTargetError{Channel: ChannelID, To: target.To, Reason: "client not connected"}
	}
	return client, nil
}

func (h *Hub) queueReply(client *Client, target channels.Target, kind, text, mediaURL string) (string, error) {
	id := gonanoid.Must()
	frame := ReplyFrame{
		Type:      FrameReply,
		ID:        id,
		Kind:      kind,
		Text:      text,
		MediaURL:  mediaURL,
		Seq:       client.nextSeq(),
		ReplyTo:   target.ReplyToID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := client.enqueue(frame); err != nil {
		return "", fmt.Errorf("queue reply for %s: %w", client.ID, err)
	}
	return id, nil
}

// Start begins accepting inbound messages. Connections are served by
// ServeHTTP, mounted by the daemon.
func (h *Hub) Start(ctx context.Context, handler channels.InboundHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
	h.baseCtx = context.WithoutCancel(ctx)
	h.stopping = false
	return nil
}

// Stop notifies and disconnects every client, then waits for in-flight
// inbound handlers or ctx.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	for _, c := range h.clients.All() {
		_ = c.enqueue(EventFrame{Type: FrameShutdown, Message: "server is shutting down"})
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn().Msg("Shutdown timeout reached with inbound messages in flight")
	}
	return nil
}

// Clients describes connected clients.
func (h *Hub) Clients() []ClientInfo {
	return h.clients.Infos()
}

// ServeHTTP upgrades the request and serves the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopping := h.stopping
	h.mu.RUnlock()
	if stopping {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(gonanoid.Must(), conn, r.RemoteAddr)
	h.clients.Add(client)
	h.logger.Info().Str("client_id", client.ID).Str("ip", client.IPAddress).Msg("Client connected")

	go client.writePump()

	if h.auth.Enabled() {
		challenge, err := h.auth.GenerateChallenge()
		if err != nil {
			h.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to generate auth challenge")
			h.disconnect(client)
			return
		}
		client.mu.Lock()
		client.Challenge = challenge
		client.State = StateAuthenticating
		client.mu.Unlock()
		_ = client.enqueue(EventFrame{Type: FrameAuthChallenge, Challenge: challenge})
	} else {
		client.mu.Lock()
		client.Authenticated = true
		client.State = StateAuthenticated
		client.mu.Unlock()
		_ = client.enqueue(EventFrame{Type: FrameAuthResult, Success: true, ClientID: client.ID})
	}

	go h.readLoop(client)
}

func (h *Hub) disconnect(client *Client) {
	client.close()
	h.clients.Remove(client.ID)
}

func (h *Hub) readLoop(client *Client) {
	defer func() {
		h.disconnect(client)
		h.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		client.touch()
		if !h.handleFrame(client, data) {
			return
		}
	}
}

// handleFrame processes one inbound frame; false closes the connection.
func (h *Hub) handleFrame(client *Client, data []byte) bool {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = client.enqueue(EventFrame{Type: FrameError, Code: CodeBadFrame, Message: "invalid JSON frame"})
		return true
	}

	switch frame.Type {
	case FrameAuth:
		result := h.auth.HandleAuthResponse(client, frame.Signature)
		_ = client.enqueue(result)
		if result.Success {
			h.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
			return true
		}
		h.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		client.mu.Lock()
		attempts := client.AuthAttempts
		client.mu.Unlock()
		return attempts < maxAuthAttempts

	case FrameMessage:
		if !client.IsAuthenticated() {
			_ = client.enqueue(EventFrame{Type: FrameError, Code: CodeAuthRequired, Message: "authentication required"})
			return true
		}
		if strings.TrimSpace(frame.Text) == "" {
			_ = client.enqueue(EventFrame{Type: FrameError, Code: CodeBadFrame, Message: "message text is empty"})
			return true
		}
		if !client.RateLimiter.Allow() {
			_ = client.enqueue(EventFrame{Type: FrameError, Code: CodeRateLimited, Message: "rate limit exceeded"})
			return true
		}
		h.dispatch(client, frame)
		return true

	default:
		_ = client.enqueue(EventFrame{Type: FrameError, Code: CodeBadFrame, Message: fmt.Sprintf("unknown frame type %q", frame.Type)})
		return true
	}
}

func (h *Hub) dispatch(client *Client, frame InboundFrame) {
	h.mu.RLock()
	handler, base, stopping := h.handler, h.baseCtx, h.stopping
	h.mu.RUnlock()
	if handler == nil || stopping {
		_ = client.enqueue(EventFrame{Type: FrameError, Message: "gateway is not accepting messages"})
		return
	}

	msgID := frame.ID
	if msgID == "" {
		msgID = gonanoid.Must()
	}
	msg := channels.InboundMessage{
		Channel:   ChannelID,
		SenderID:  client.ID,
		To:        client.ID,
		Text:      frame.Text,
		MessageID: msgID,
		Metadata:  map[string]interface{}{"session": frame.Session},
	}

	ctx := tracing.WithChannel(tracing.NewRequestContext(base), ChannelID)
	h.inFlight.Add(1)
	go func() {
		defer h.inFlight.Done()
		handler(ctx, msg)
	}()
}
