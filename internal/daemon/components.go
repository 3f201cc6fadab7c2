package daemon

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/telegram"
	"github.com/harun/courier/pkg/agent"
	"github.com/harun/courier/pkg/channels"
	"github.com/harun/courier/pkg/commandqueue"
	"github.com/harun/courier/pkg/dispatch"
	"github.com/harun/courier/pkg/pairing"
	"github.com/harun/courier/pkg/pipeline"
	"github.com/harun/courier/pkg/session"
	"github.com/rs/zerolog"
)

// Options customizes Build.
type Options struct {
	// Runner replaces the CLI agent runner.
	Runner pipeline.AgentRunner
	// Adapters are registered after the configured channels.
	Adapters []channels.Adapter
	// Settings replaces the config's channel settings.
	Settings channels.Settings
	// SkipChannels leaves the configured channel adapters out.
	SkipChannels bool
	// WatchPairing hot-reloads pairing files. Off for one-shot CLI runs.
	WatchPairing bool
}

// Components is the reply pipeline and everything it depends on.
type Components struct {
	Config      *config.Config
	Store       *session.Store
	Sessions    *session.Registry
	Transcripts *session.TranscriptWriter
	Runner      pipeline.AgentRunner
	Queue       *commandqueue.Queue
	Dispatchers *dispatch.Hub
	Channels    *channels.Registry
	Settings    channels.Settings
	Gate        *pairing.Gate
	Watcher     *pairing.Watcher
	Pipeline    *pipeline.Pipeline

	Telegram *telegram.Bot
	Gateway  *GatewayChannel

	closeOnce sync.Once
	closeErr  error
}

// Build assembles components from cfg. The caller owns Close.
func Build(cfg *config.Config, log zerolog.Logger, opts Options) (*Components, error) {
	c := &Components{Config: cfg}
	if err := c.build(log, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(log zerolog.Logger, opts Options) error {
	cfg := c.Config

	store, err := session.OpenStore(cfg.Sessions.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	c.Store = store
	c.Sessions = session.NewRegistry(store)

	transcripts, err := session.NewTranscriptWriter(cfg.Sessions.TranscriptDir)
	if err != nil {
		return err
	}
	c.Transcripts = transcripts

	c.Runner = opts.Runner
	if c.Runner == nil {
		c.Runner = agent.NewRunner(agent.Config{
			Backends:       backendsFromConfig(cfg.Agents.Backends),
			KillGrace:      cfg.KillGrace(),
			DefaultTimeout: cfg.AgentTimeout(),
			Logger:         log.With().Str("component", "agent").Logger(),
		})
	}

	c.Channels = channels.NewRegistry()
	c.Settings = opts.Settings
	if c.Settings == nil {
		c.Settings = channels.SettingsFunc(cfg.IsConfigured)
	}
	if !opts.SkipChannels {
		if err := c.registerChannels(log); err != nil {
			return err
		}
	}
	for _, a := range opts.Adapters {
		if err := c.Channels.Register(a); err != nil {
			return err
		}
	}

	if opts.WatchPairing && cfg.Pairing.WatchAllowlist {
		watcher, err := pairing.NewWatcher(cfg.Pairing.Dir, log)
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.Pairing.Dir).Msg("Pairing hot reload disabled")
		} else {
			c.Watcher = watcher
		}
	}
	c.Gate = pairing.NewGate(pairing.GateOptions{
		Dir:       cfg.Pairing.Dir,
		PolicyFor: cfg.DMPolicy,
		Bootstrap: bootstrapAllowlist(cfg),
		Watcher:   c.Watcher,
		Logger:    log,
	})
	c.registerTelegramCommands()

	c.Queue = commandqueue.New(commandqueue.Options{Logger: log})
	c.Dispatchers = dispatch.NewHub()

	p, err := pipeline.New(pipeline.Config{
		Channels:        c.Channels,
		Settings:        c.Settings,
		Gate:            c.Gate,
		Sessions:        c.Sessions,
		Transcripts:     c.Transcripts,
		Runner:          c.Runner,
		Queue:           c.Queue,
		Dispatchers:     c.Dispatchers,
		DefaultProvider: cfg.Agents.DefaultProvider,
		DefaultModel:    cfg.Agents.DefaultModel,
		Workspace:       cfg.Agents.Workspace,
		Timeout:         cfg.AgentTimeout(),
		Policy:          dispatch.Policy(cfg.Dispatch.Mode),
		TypingInterval:  cfg.TypingInterval(),
		SendTimeout:     cfg.SendTimeout(),
		VerboseTools:    cfg.Dispatch.VerboseTools,
		QueueWarnAfter:  queueWarnAfter,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	c.Pipeline = p
	return nil
}

// Close releases the watcher and the session store. Later calls return the
// first result.
func (c *Components) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.Watcher != nil {
			errs = append(errs, c.Watcher.Stop())
		}
		if c.Store != nil {
			errs = append(errs, c.Store.Close())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func backendsFromConfig(overrides map[string]config.BackendConfig) map[string]agent.Backend {
	backends := agent.DefaultBackends()
	for id, o := range overrides {
		provider, ok := session.NormalizeProviderID(id)
		if !ok {
			continue
		}
		base, exists := backends[provider]
		if !exists {
			base = agent.Backend{ID: provider, Output: agent.OutputText}
		}
		backends[provider] = base.WithOverride(agent.BackendOverride{
			Command:    o.Command,
			Args:       o.Args,
			ResumeArgs: o.ResumeArgs,
			Env:        o.Env,
		})
	}
	return backends
}

func bootstrapAllowlist(cfg *config.Config) map[string][]string {
	if len(cfg.Channels.Telegram.Allowlist) == 0 {
		return nil
	}
	ids := make([]string, 0, len(cfg.Channels.Telegram.Allowlist))
	for _, id := range cfg.Channels.Telegram.Allowlist {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return map[string][]string{"telegram": ids}
}
