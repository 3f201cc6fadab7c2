package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/courier/pkg/channels"
	"github.com/rs/zerolog"
)

// CommandContext contains command metadata
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Command   string
	Args      []string
	RawArgs   string
}

// CommandFunc handles a command and returns the reply text. An empty reply
// sends nothing.
type CommandFunc func(ctx context.Context, cc CommandContext) (string, error)

// Commands answers slash commands without running the agent. Unregistered
// commands fall through to the pipeline as plain text.
type Commands struct {
	bot    *Bot
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

func newCommands(bot *Bot) *Commands {
	c := &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]CommandFunc),
	}
	c.Register("whoami", func(_ context.Context, cc CommandContext) (string, error) {
		return fmt.Sprintf("user id: %d\nchat id: %d", cc.UserID, cc.ChatID), nil
	})
	return c
}

// Register adds or replaces a command handler.
func (c *Commands) Register(command string, handler CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(command)] = handler
}

// Unregister removes a command handler
func (c *Commands) Unregister(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, strings.ToLower(command))
}

// Registered returns the sorted command names.
func (c *Commands) Registered() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HandleCommand runs a registered command. handled is false when no handler
// matches.
func (c *Commands) HandleCommand(ctx context.Context, msg *tgbotapi.Message) (handled bool, err error) {
	command := strings.ToLower(msg.Command())
	c.mu.RLock()
	handler, ok := c.handlers[command]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}

	cc := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Command:   command,
		Args:      strings.Fields(msg.CommandArguments()),
		RawArgs:   msg.CommandArguments(),
	}
	if msg.From != nil {
		cc.UserID = msg.From.ID
		cc.Username = msg.From.UserName
	}

	c.logger.Debug().
		Int64("chat_id", cc.ChatID).
		Str("command", command).
		Strs("args", cc.Args).
		Msg("Command received")

	reply, err := handler(ctx, cc)
	if err != nil {
		return true, fmt.Errorf("command /%s: %w", command, err)
	}
	if reply == "" {
		return true, nil
	}
	target := channels.Target{
		Channel:   ChannelID,
		To:        strconv.FormatInt(cc.ChatID, 10),
		ReplyToID: strconv.Itoa(cc.MessageID),
	}
	_, err = c.bot.SendText(ctx, channels.TextRequest{Target: target, Text: reply})
	return true, err
}

// Publish sets the bot's command menu in Telegram.
func (c *Commands) Publish(descriptions map[string]string) error {
	names := c.Registered()
	commands := make([]tgbotapi.BotCommand, 0, len(names))
	for _, name := range names {
		desc := descriptions[name]
		if desc == "" {
			desc = name
		}
		commands = append(commands, tgbotapi.BotCommand{Command: name, Description: desc})
	}
	if _, err := c.bot.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	c.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}
