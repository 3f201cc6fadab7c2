package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/logger"
	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/agent"
	"github.com/harun/courier/pkg/channels"
	"github.com/harun/courier/pkg/pipeline"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	queueWarnAfter  = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// Status is a snapshot of the daemon.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Channels  []string
}

// Daemon runs channel ingress, the gateway server and the retention
// schedule around one reply pipeline.
type Daemon struct {
	config     *config.Config
	log        zerolog.Logger
	components *Components
	lifecycle  *LifecycleManager
	retention  *retentionScheduler

	statsInterval time.Duration

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	tracingEnabled bool
}

// New builds the daemon's components. Channel adapters that need network
// access (Telegram) authenticate here.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	observability.EnsureRegistered()

	d := &Daemon{
		config:        cfg,
		log:           log.Component("daemon"),
		lifecycle:     NewLifecycleManager(cfg.DataDir),
		statsInterval: statsInterval,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized successfully")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		}
	}

	opts.WatchPairing = true
	components, err := Build(cfg, log.GetZerolog(), opts)
	if err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	d.components = components

	retention, err := newRetentionScheduler(cfg.Sessions, components, d.log)
	if err != nil {
		_ = components.Close()
		d.shutdownTracing()
		return nil, err
	}
	d.retention = retention
	return d, nil
}

// Components exposes the assembled pipeline and its collaborators.
func (d *Daemon) Components() *Components { return d.components }

// Run starts every component and blocks until ctx is done or one of them
// fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting courier daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	defer func() {
		if err := d.lifecycle.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop lifecycle manager")
		}
	}()

	c := d.components
	g, gctx := errgroup.WithContext(ctx)

	if err := c.Channels.StartAll(gctx, c.Settings, d.handleInbound); err != nil {
		d.shutdown(log)
		return fmt.Errorf("failed to start ingress channels: %w", err)
	}
	log.Info().Strs("channels", c.Channels.ListConfiguredChannels(c.Settings)).Msg("Ingress channels started")

	if c.Gateway != nil {
		g.Go(func() error { return c.Gateway.Server.Run(gctx) })
	}
	if d.retention != nil {
		g.Go(func() error { return d.retention.Run(gctx) })
	}
	g.Go(func() error { return d.runEventLoop(gctx) })

	log.Info().Msg("Daemon started")
	err := g.Wait()
	d.shutdown(log)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Daemon) shutdown(log zerolog.Logger) {
	log.Info().Msg("Stopping courier daemon")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	c := d.components
	if err := c.Channels.StopAll(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop ingress channels")
	}
	if err := c.Pipeline.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to close pipeline")
	}
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close components")
	}
	d.shutdownTracing()
	if d.config.Logging.AuditFile != "" {
		if err := observability.GetAuditLogger().Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close audit logger")
		}
	}
	log.Info().Msg("Daemon stopped")
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := Status{Running: d.running, StartTime: d.startTime}
	if d.running {
		s.Uptime = time.Since(d.startTime)
	}
	if d.components != nil {
		s.Channels = d.components.Channels.ListConfiguredChannels(d.components.Settings)
	}
	return s
}

// handleInbound routes one channel message through the pipeline.
func (d *Daemon) handleInbound(ctx context.Context, msg channels.InboundMessage) {
	log := tracing.LoggerFromContext(ctx, d.log)
	req := inboundRequest(msg)

	resp, err := d.components.Pipeline.Reply(ctx, req)
	switch {
	case errors.Is(err, pipeline.ErrNotAllowed):
		return
	case err != nil:
		log.Error().Err(err).Str("channel", msg.Channel).Str("session_key", resp.SessionKey).Msg("Reply failed")
		d.notifyFailure(ctx, req, "Sorry, I couldn't reply to that. Please try again later.")
		return
	}

	if resp.DeliveryErr != nil {
		log.Warn().Err(resp.DeliveryErr).Str("session_key", resp.SessionKey).Msg("Reply partially delivered")
	}
	if !resp.Run.Succeeded() && resp.Delivered == 0 {
		d.notifyFailure(ctx, req, failureText(resp.Run))
	}
}

// inboundRequest maps an inbound message onto a pipeline request. Retries
// of one platform message share a request id.
func inboundRequest(msg channels.InboundMessage) pipeline.Request {
	req := pipeline.Request{
		Channel:   msg.Channel,
		To:        msg.To,
		SenderID:  msg.SenderID,
		ReplyToID: msg.MessageID,
		Prompt:    msg.Text,
	}
	if msg.MessageID != "" {
		req.RequestID = msg.Channel + ":" + msg.To + ":" + msg.MessageID
	}
	if s, ok := msg.Metadata["session"].(string); ok && strings.TrimSpace(s) != "" {
		req.SessionKey = msg.Channel + ":" + strings.TrimSpace(s)
	}
	return req
}

func failureText(run agent.RunResult) string {
	switch run.Status {
	case agent.StatusTimedOut:
		return "Sorry, the agent took too long to reply."
	case agent.StatusKilled:
		return "The agent run was stopped before it replied."
	default:
		return "Sorry, the agent failed to reply. Please try again later."
	}
}

func (d *Daemon) notifyFailure(ctx context.Context, req pipeline.Request, text string) {
	log := tracing.LoggerFromContext(ctx, d.log)
	adapter, ok := d.components.Channels.Get(req.Channel)
	if !ok {
		return
	}
	target, err := adapter.ResolveTarget(req.To)
	if err != nil {
		return
	}
	target.ReplyToID = req.ReplyToID
	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout())
	defer cancel()
	if _, err := adapter.SendText(sendCtx, channels.TextRequest{Target: target, Text: text}); err != nil {
		log.Warn().Err(err).Msg("Failed to send failure notice")
	}
}
