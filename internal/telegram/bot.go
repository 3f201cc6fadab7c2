package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/pkg/channels"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// ChannelID is the channel name the bot registers under.
	ChannelID = "telegram"

	// TextLimit is the Telegram message length cap.
	TextLimit = 4096

	defaultPollTimeout = 60
	maxRetryAfter      = 30 * time.Second
	seenUpdatesSize    = 2048
	seenUpdatesTTL     = 10 * time.Minute
)

var ErrAlreadyRunning = errors.New("telegram bot is already running")

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options configures a Bot.
type Options struct {
	Outbound    channels.Outbound
	PollTimeout int
	Logger      zerolog.Logger
}

// Bot is the Telegram channel adapter. Outbound sends are direct; ingress
// long-polls for updates once started.
type Bot struct {
	api      botAPI
	username string
	outbound channels.Outbound
	poll     int
	logger   zerolog.Logger
	commands *Commands
	seen     *expirable.LRU[int, struct{}]

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	inFlight sync.WaitGroup
}

// New authenticates with the bot token from cfg.
func New(cfg *config.TelegramConfig, log zerolog.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	limit := cfg.TextChunkLimit
	if limit <= 0 || limit > TextLimit {
		limit = TextLimit
	}
	bot := newBot(api, Options{
		Outbound:    channels.Outbound{TextChunkLimit: limit},
		PollTimeout: cfg.PollTimeout,
		Logger:      log,
	})
	bot.username = api.Self.UserName

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

func newBot(api botAPI, opts Options) *Bot {
	outbound := opts.Outbound
	if outbound.TextChunkLimit <= 0 {
		outbound.TextChunkLimit = TextLimit
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	b := &Bot{
		api:      api,
		outbound: outbound,
		poll:     poll,
		logger:   opts.Logger.With().Str("component", "telegram").Logger(),
		seen:     expirable.NewLRU[int, struct{}](seenUpdatesSize, nil, seenUpdatesTTL),
	}
	b.commands = newCommands(b)
	return b
}

func (b *Bot) ID() string { return ChannelID }

func (b *Bot) DeliveryMode() channels.DeliveryMode { return channels.DeliveryDirect }

// Commands returns the slash command table handled before the pipeline.
func (b *Bot) Commands() *Commands { return b.commands }

// ResolveTarget accepts a numeric chat id or an @channel username.
func (b *Bot) ResolveTarget(to string) (channels.Target, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return channels.Target{}, &channels.DeliveryTargetError{Channel: ChannelID, To: to, Reason: "chat id required"}
	}
	if strings.HasPrefix(to, "@") {
		if len(to) < 2 || strings.ContainsAny(to, " \t\r\n") {
			return channels.Target{}, &channels.DeliveryTargetError{Channel: ChannelID, To: to, Reason: "malformed channel username"}
		}
		return channels.Target{Channel: ChannelID, To: to}, nil
	}
	if _, err := strconv.ParseInt(to, 10, 64); err != nil {
		return channels.Target{}, &channels.DeliveryTargetError{
			Channel: ChannelID,
			To:      to,
			Reason:  "expected numeric chat id or @channel",
			Err:     err,
		}
	}
	return channels.Target{Channel: ChannelID, To: to}, nil
}

func (b *Bot) SendText(ctx context.Context, req channels.TextRequest) (channels.DeliveryResult, error) {
	res := channels.DeliveryResult{Channel: ChannelID}
	chat, err := parseChat(req.Target)
	if err != nil {
		return res, err
	}
	replyTo := parseMessageID(req.Target.ReplyToID)

	for i, chunk := range b.outbound.Chunks(req.Text) {
		msg := chat.message(chunk)
		// only the first chunk threads under the inbound message
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		sent, err := b.send(ctx, req.Target, msg)
		if err != nil {
			return res, err
		}
		res.MessageIDs = append(res.MessageIDs, strconv.Itoa(sent.MessageID))
	}

	b.logger.Debug().
		Str("chat", req.Target.To).
		Int("messages", len(res.MessageIDs)).
		Msg("Message sent")
	return res, nil
}

func (b *Bot) SendMedia(ctx context.Context, req channels.MediaRequest) (channels.DeliveryResult, error) {
	res := channels.DeliveryResult{Channel: ChannelID}
	chat, err := parseChat(req.Target)
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(req.MediaURL) == "" {
		return res, fmt.Errorf("media url is required")
	}

	sent, err := b.send(ctx, req.Target, chat.media(req.MediaURL, req.Caption, parseMessageID(req.Target.ReplyToID)))
	if err != nil {
		return res, err
	}
	res.MessageIDs = append(res.MessageIDs, strconv.Itoa(sent.MessageID))
	return res, nil
}

func (b *Bot) SendTyping(ctx context.Context, target channels.Target) error {
	chat, err := parseChat(target)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(chat.typing()); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

// send delivers one message, honoring a single flood-control retry.
func (b *Bot) send(ctx context.Context, target channels.Target, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return tgbotapi.Message{}, err
		}
		sent, err := b.api.Send(c)
		if err == nil {
			return sent, nil
		}

		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) {
			return tgbotapi.Message{}, fmt.Errorf("failed to send message: %w", err)
		}
		if isChatError(apiErr) {
			return tgbotapi.Message{}, &channels.DeliveryTargetError{
				Channel: ChannelID,
				To:      target.To,
				Reason:  apiErr.Message,
				Err:     err,
			}
		}
		if apiErr.Code != 429 || attempt > 0 {
			return tgbotapi.Message{}, fmt.Errorf("failed to send message: %w", err)
		}

		wait := time.Duration(apiErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		if wait > maxRetryAfter {
			return tgbotapi.Message{}, fmt.Errorf("failed to send message: %w", err)
		}
		b.logger.Warn().Str("chat", target.To).Dur("retry_after", wait).Msg("Rate limited by Telegram")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tgbotapi.Message{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func isChatError(err *tgbotapi.Error) bool {
	if err.Code != 400 && err.Code != 403 {
		return false
	}
	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "bot was blocked") ||
		strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "bot is not a member")
}

// Start begins long polling and hands messages to handler.
func (b *Bot) Start(ctx context.Context, handler channels.InboundHandler) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.poll
	updates := b.api.GetUpdatesChan(u)

	go b.processUpdates(context.WithoutCancel(ctx), updates, handler)

	b.logger.Info().Int("poll_timeout", b.poll).Msg("Telegram bot started")
	return nil
}

// Stop ends polling and waits for in-flight handlers or ctx.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")
	b.api.StopReceivingUpdates()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for update loop: %w", ctx.Err())
	}

	drained := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		b.logger.Warn().Msg("Shutdown timeout reached with updates in flight")
	}
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning reports whether ingress is active.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, handler channels.InboundHandler) {
	defer close(b.done)
	for update := range updates {
		if !b.IsRunning() {
			return
		}
		if err := b.handleUpdate(ctx, update, handler); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

// chat is a parsed Telegram address.
type chat struct {
	id       int64
	username string
}

func parseChat(target channels.Target) (chat, error) {
	to := strings.TrimSpace(target.To)
	if strings.HasPrefix(to, "@") && len(to) > 1 {
		return chat{username: to}, nil
	}
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return chat{}, &channels.DeliveryTargetError{Channel: ChannelID, To: target.To, Reason: "expected numeric chat id or @channel", Err: err}
	}
	return chat{id: id}, nil
}

func parseMessageID(s string) int {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func (c chat) message(text string) tgbotapi.MessageConfig {
	if c.username != "" {
		return tgbotapi.NewMessageToChannel(c.username, text)
	}
	return tgbotapi.NewMessage(c.id, text)
}

func (c chat) typing() tgbotapi.ChatActionConfig {
	action := tgbotapi.NewChatAction(c.id, tgbotapi.ChatTyping)
	action.ChannelUsername = c.username
	return action
}
