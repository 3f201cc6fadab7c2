package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/channels"
)

// MessageContext is the parsed form of an inbound Telegram message.
type MessageContext struct {
	ChatID      int64
	MessageID   int
	UserID      int64
	Username    string
	Text        string
	Timestamp   time.Time
	IsGroup     bool
	IsMention   bool
	ReplyToID   int
	MediaType   string
	MediaFileID string
}

func parseMessage(msg *tgbotapi.Message, botUsername string) MessageContext {
	mc := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if msg.From != nil {
		mc.UserID = msg.From.ID
		mc.Username = msg.From.UserName
	}
	if mc.Text == "" {
		mc.Text = msg.Caption
	}
	if msg.ReplyToMessage != nil {
		mc.ReplyToID = msg.ReplyToMessage.MessageID
	}
	mc.MediaType, mc.MediaFileID = inboundMedia(msg)
	if mc.IsGroup {
		mc.IsMention = isMentioned(msg, botUsername)
	}
	return mc
}

// isMentioned reports whether a group message addresses the bot.
func isMentioned(msg *tgbotapi.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		strings.EqualFold(msg.ReplyToMessage.From.UserName, botUsername) {
		return true
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(botUsername))
}

// stripMention removes the bot's @username from group text.
func stripMention(text, botUsername string) string {
	if botUsername == "" {
		return text
	}
	mention := "@" + botUsername
	idx := strings.Index(strings.ToLower(text), strings.ToLower(mention))
	if idx < 0 {
		return text
	}
	before := strings.TrimRight(text[:idx], " ")
	after := strings.TrimLeft(text[idx+len(mention):], " ")
	return strings.TrimSpace(before + " " + after)
}

// handleUpdate filters an update and forwards it to handler. Each update id
// is handled at most once.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update, handler channels.InboundHandler) error {
	if _, dup := b.seen.Get(update.UpdateID); dup {
		b.logger.Debug().Int("update_id", update.UpdateID).Msg("Duplicate update skipped")
		return nil
	}
	b.seen.Add(update.UpdateID, struct{}{})

	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}

	if msg.IsCommand() {
		handled, err := b.commands.HandleCommand(ctx, msg)
		if handled || err != nil {
			return err
		}
	}

	mc := parseMessage(msg, b.username)
	if mc.IsGroup && !mc.IsMention {
		return nil
	}
	text := strings.TrimSpace(stripMention(mc.Text, b.username))
	if text == "" && mc.MediaType == "" {
		return nil
	}

	inbound := channels.InboundMessage{
		Channel:   ChannelID,
		SenderID:  strconv.FormatInt(mc.UserID, 10),
		To:        strconv.FormatInt(mc.ChatID, 10),
		Text:      text,
		MessageID: strconv.Itoa(mc.MessageID),
		Metadata: map[string]interface{}{
			"username": mc.Username,
			"is_group": mc.IsGroup,
		},
	}
	if mc.MediaType != "" {
		inbound.Metadata["media_type"] = mc.MediaType
		inbound.Metadata["media_file_id"] = mc.MediaFileID
	}

	b.logger.Debug().
		Int64("chat_id", mc.ChatID).
		Int64("user_id", mc.UserID).
		Bool("is_group", mc.IsGroup).
		Msg("Message received")

	reqCtx := tracing.WithChannel(tracing.NewRequestContext(ctx), ChannelID)
	b.inFlight.Add(1)
	go func() {
		defer b.inFlight.Done()
		handler(reqCtx, inbound)
	}()
	return nil
}
