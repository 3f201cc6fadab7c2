package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/agent"
	"github.com/harun/courier/pkg/channels"
	"github.com/harun/courier/pkg/commandqueue"
	"github.com/harun/courier/pkg/dispatch"
	"github.com/harun/courier/pkg/pairing"
	"github.com/harun/courier/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrPromptRequired = errors.New("prompt is required")
	ErrNotAllowed     = errors.New("sender is not allowed")
)

// AgentRunner runs one agent invocation. *agent.Runner satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, inv agent.Invocation, sink agent.Sink) (agent.RunResult, error)
}

// Config wires the pipeline's collaborators. Gate, Transcripts and Queue
// are optional.
type Config struct {
	Channels    *channels.Registry
	Settings    channels.Settings
	Gate        *pairing.Gate
	Sessions    *session.Registry
	Transcripts *session.TranscriptWriter
	Runner      AgentRunner
	Queue       *commandqueue.Queue
	Dispatchers *dispatch.Hub

	DefaultProvider string
	DefaultModel    string
	Workspace       string
	Timeout         time.Duration

	Policy         dispatch.Policy
	TypingInterval time.Duration
	SendTimeout    time.Duration
	// VerboseTools forwards tool results to the user.
	VerboseTools bool
	// QueueWarnAfter logs runs stuck behind an earlier one in the same session.
	QueueWarnAfter time.Duration

	Logger zerolog.Logger
}

// Request is one inbound prompt.
type Request struct {
	// SessionKey defaults to "<channel>:<to>".
	SessionKey string
	Channel    string
	To         string
	SenderID   string
	ReplyToID  string
	AccountID  string
	Prompt     string
	Provider   string
	Model      string
	Policy     dispatch.Policy
	// RequestID makes retries of the same inbound message idempotent.
	RequestID string
	// SkipGate bypasses the pairing gate for operator-initiated runs.
	SkipGate bool
}

// Response reports what a Reply call did.
type Response struct {
	SessionKey string
	Channel    string
	Gate       pairing.Decision
	Run        agent.RunResult
	Delivered  int
	// DeliveryErr joins per-block delivery failures. The run itself may
	// still have succeeded.
	DeliveryErr error
}

// Pipeline drives gate, runner and dispatcher for one reply at a time per
// conversation.
type Pipeline struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Channels == nil {
		return nil, errors.New("channel registry is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("agent runner is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = channels.AllConfigured
	}
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New(commandqueue.Options{Logger: cfg.Logger})
	}
	if cfg.Dispatchers == nil {
		cfg.Dispatchers = dispatch.NewHub()
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "claude-cli"
	}
	observability.EnsureRegistered()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Reply gates the sender, runs the agent for the conversation and delivers
// its blocks. A denied sender gets the gate's instructions and Reply returns
// ErrNotAllowed. Runs of one conversation are serialized.
func (p *Pipeline) Reply(ctx context.Context, req Request) (Response, error) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, ErrPromptRequired
	}

	adapter, err := p.cfg.Channels.Resolve(req.Channel, p.cfg.Settings)
	if err != nil {
		return Response{}, err
	}
	req.Channel = adapter.ID()
	ctx = tracing.WithChannel(ctx, req.Channel)

	key := strings.TrimSpace(req.SessionKey)
	if key == "" {
		key = req.Channel + ":" + strings.TrimSpace(req.To)
	}
	if err := session.ValidateKey(key); err != nil {
		return Response{}, fmt.Errorf("invalid session key %q: %w", key, err)
	}
	ctx = tracing.WithSessionKey(ctx, key)
	resp := Response{SessionKey: key, Channel: req.Channel}

	ctx, span := tracing.StartSpan(ctx, "courier.pipeline", "pipeline.reply",
		attribute.String("channel", req.Channel),
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	if !req.SkipGate && p.cfg.Gate != nil {
		resp.Gate = p.cfg.Gate.Check(ctx, req.SenderID, req.Channel)
		if !resp.Gate.Allowed {
			logger.Info().
				Str("sender", req.SenderID).
				Str("policy", string(resp.Gate.Policy)).
				Msg("Sender blocked by DM policy")
			p.sendInstructions(ctx, adapter, req, resp.Gate)
			return resp, ErrNotAllowed
		}
	} else {
		resp.Gate = pairing.Decision{Allowed: true}
	}

	opts := &commandqueue.TaskOptions{
		WarnAfter: p.cfg.QueueWarnAfter,
		RequestID: req.RequestID,
		OnWait: func(wait time.Duration, position int) {
			logger.Info().Dur("wait", wait).Int("position", position).Msg("Reply queued behind an earlier run")
		},
	}
	value, err := p.cfg.Queue.Enqueue(ctx, commandqueue.SessionLane(key), func(ctx context.Context) (interface{}, error) {
		return p.run(ctx, adapter, key, req)
	}, opts)
	if out, ok := value.(Response); ok {
		out.Gate = resp.Gate
		resp = out
	}
	if err != nil {
		tracing.FailSpan(span, err)
		return resp, err
	}
	if resp.DeliveryErr != nil {
		tracing.FailSpan(span, resp.DeliveryErr)
	}
	return resp, nil
}

func (p *Pipeline) run(ctx context.Context, adapter channels.Adapter, key string, req Request) (Response, error) {
	logger := tracing.LoggerFromContext(ctx, p.logger)
	resp := Response{SessionKey: key, Channel: adapter.ID()}

	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = p.cfg.DefaultProvider
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.cfg.DefaultModel
	}
	policy := req.Policy
	if policy == "" {
		policy = p.cfg.Policy
	}

	entry, err := p.cfg.Sessions.Entry(ctx, key)
	if err != nil {
		return resp, fmt.Errorf("load session: %w", err)
	}
	resume, _ := session.GetSessionToken(entry, provider)

	d, err := p.cfg.Dispatchers.Acquire(ctx, key, dispatch.Options{
		Policy:         policy,
		Adapter:        adapter,
		To:             req.To,
		ReplyToID:      req.ReplyToID,
		AccountID:      req.AccountID,
		SessionKey:     key,
		TypingInterval: p.cfg.TypingInterval,
		SendTimeout:    p.cfg.SendTimeout,
		VerboseTools:   p.cfg.VerboseTools,
		Logger:         p.cfg.Logger,
	})
	if err != nil {
		return resp, err
	}
	defer p.cfg.Dispatchers.Release(key, d)

	inv := agent.Invocation{
		SessionID:    key,
		WorkspaceDir: p.cfg.Workspace,
		Prompt:       req.Prompt,
		Provider:     provider,
		Model:        model,
		Timeout:      p.cfg.Timeout,
		RunID:        gonanoid.Must(),
		CLISessionID: resume,
	}
	if p.cfg.Transcripts != nil {
		inv.SessionFile = p.cfg.Transcripts.PathFor(key)
	}
	ctx = tracing.WithRunID(ctx, inv.RunID)

	d.Begin(ctx)
	result, runErr := p.cfg.Runner.Run(ctx, inv, d.Enqueue)
	resp.Run = result

	if result.SessionID != "" {
		session.SetSessionToken(entry, provider, result.SessionID)
		entry.SetCLISessionID(result.SessionID)
	}
	if err := p.cfg.Sessions.Persist(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("Failed to persist session")
	}

	resp.DeliveryErr = d.MarkDispatchIdle(ctx)
	resp.Delivered = d.Stats().Delivered

	if p.cfg.Transcripts != nil {
		records := transcriptRecords(key, inv, d.Transcript())
		if err := p.cfg.Transcripts.Append(ctx, key, records); err != nil {
			logger.Warn().Err(err).Msg("Failed to append transcript")
		}
	}

	if runErr != nil {
		return resp, runErr
	}
	logger.Info().
		Str("status", string(result.Status)).
		Bool("resumed", result.Resumed).
		Int("delivered", resp.Delivered).
		Msg("Reply finished")
	return resp, nil
}

// transcriptRecords prefixes the dispatcher's records with the prompt.
func transcriptRecords(key string, inv agent.Invocation, records []dispatch.Record) []session.Record {
	now := time.Now().UTC()
	out := make([]session.Record, 0, len(records)+1)
	out = append(out, session.Record{
		SessionKey: key,
		RunID:      inv.RunID,
		Kind:       "prompt",
		Text:       inv.Prompt,
		Delivered:  true,
		Timestamp:  now,
	})
	for _, r := range records {
		out = append(out, session.Record{
			SessionKey: key,
			RunID:      inv.RunID,
			Seq:        r.Seq,
			Kind:       string(r.Kind),
			Text:       r.Text,
			MediaURL:   r.MediaURL,
			ToolCallID: r.ToolCallID,
			ToolName:   r.ToolName,
			Synthetic:  r.Synthetic,
			Delivered:  r.Delivered,
			Timestamp:  now,
		})
	}
	return out
}

// sendInstructions tells a denied sender how to get access.
func (p *Pipeline) sendInstructions(ctx context.Context, adapter channels.Adapter, req Request, decision pairing.Decision) {
	if decision.Instructions == "" {
		return
	}
	logger := tracing.LoggerFromContext(ctx, p.logger)
	target, err := adapter.ResolveTarget(req.To)
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot reply to denied sender")
		return
	}
	target.ReplyToID = req.ReplyToID
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout())
	defer cancel()
	if _, err := adapter.SendText(sendCtx, channels.TextRequest{Target: target, Text: decision.Instructions}); err != nil {
		logger.Warn().Err(err).Msg("Failed to send pairing instructions")
	}
}

func (p *Pipeline) sendTimeout() time.Duration {
	if p.cfg.SendTimeout > 0 {
		return p.cfg.SendTimeout
	}
	return dispatch.DefaultSendTimeout
}

// Close stops accepting replies and waits for running ones.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.cfg.Queue.Close(ctx)
}
