package daemon

import (
	"context"
	"strconv"

	"github.com/harun/courier/internal/telegram"
	"github.com/harun/courier/pkg/channels"
	"github.com/harun/courier/pkg/gateway"
	"github.com/rs/zerolog"
)

// GatewayChannel is the websocket adapter and the HTTP server hosting it.
type GatewayChannel struct {
	Hub    *gateway.Hub
	Server *gateway.Server
}

// registerChannels registers the adapters of every enabled channel.
func (c *Components) registerChannels(log zerolog.Logger) error {
	cfg := c.Config

	if cfg.IsConfigured(telegram.ChannelID) {
		tgCfg := cfg.Channels.Telegram
		bot, err := telegram.New(&tgCfg, log)
		if err != nil {
			return err
		}
		if err := c.Channels.Register(bot); err != nil {
			return err
		}
		c.Telegram = bot
	}

	if cfg.IsConfigured(gateway.ChannelID) {
		gw := cfg.Channels.Gateway
		hub := gateway.NewHub(gateway.HubConfig{
			SharedSecret: gw.SharedSecret,
			Outbound:     channels.Outbound{TextChunkLimit: gw.TextChunkLimit},
			Logger:       log,
		})
		server, err := gateway.NewServer(gateway.ServerConfig{
			Host:   gw.Host,
			Port:   gw.Port,
			Hub:    hub,
			Logger: log,
		})
		if err != nil {
			return err
		}
		if err := c.Channels.Register(hub); err != nil {
			return err
		}
		c.Gateway = &GatewayChannel{Hub: hub, Server: server}
	}
	return nil
}

// registerTelegramCommands answers /start from the pairing gate so a new
// sender learns their code without running the agent.
func (c *Components) registerTelegramCommands() {
	if c.Telegram == nil {
		return
	}
	c.Telegram.Commands().Register("start", func(ctx context.Context, cc telegram.CommandContext) (string, error) {
		decision := c.Gate.Check(ctx, strconv.FormatInt(cc.UserID, 10), telegram.ChannelID)
		if decision.Allowed {
			return "You're connected. Send a message to talk to the agent.", nil
		}
		return decision.Instructions, nil
	})
}
