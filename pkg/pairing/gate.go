package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog"
)

// Policy controls who may message the agent on a channel.
type Policy string

const (
	PolicyPairing   Policy = "pairing"
	PolicyAllowlist Policy = "allowlist"
	PolicyOpen      Policy = "open"
	PolicyDisabled  Policy = "disabled"
)

// ParsePolicy maps a config value to a Policy. Unknown or empty values fall
// back to pairing.
func ParsePolicy(s string) Policy {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAllowlist, PolicyOpen, PolicyDisabled:
		return p
	default:
		return PolicyPairing
	}
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Policy  Policy
	// PairingCode is set when the sender must be approved first.
	PairingCode string
	// Instructions is the text to send back to a denied sender.
	Instructions string
	// NewRequest reports whether this check issued the pairing code.
	NewRequest bool
}

// GateOptions configures a Gate.
type GateOptions struct {
	// Dir holds the pending and allowlist files. Empty keeps state in memory.
	Dir string
	// PolicyFor returns the configured DM policy of a channel.
	PolicyFor func(channel string) string
	// Bootstrap lists always-allowed senders per channel.
	Bootstrap map[string][]string
	Watcher   *Watcher
	Logger    zerolog.Logger
}

// Gate decides whether an inbound sender may reach the agent.
type Gate struct {
	opts GateOptions

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewGate(opts GateOptions) *Gate {
	observability.EnsureRegistered()
	return &Gate{opts: opts, managers: make(map[string]*Manager)}
}

// Manager returns the pairing manager for channel, creating it on first use.
func (g *Gate) Manager(channel string) (*Manager, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, ErrChannelRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.managers[channel]; ok {
		return m, nil
	}

	opts := ManagerOptions{
		Channel:   channel,
		Bootstrap: g.opts.Bootstrap[channel],
		Watched:   g.opts.Watcher != nil,
	}
	if g.opts.Dir != "" {
		opts.PendingPath, opts.AllowlistPath = DefaultPaths(g.opts.Dir, channel)
	}
	m, err := NewManager(opts)
	if err != nil {
		return nil, err
	}
	if g.opts.Watcher != nil {
		g.opts.Watcher.Track(m)
	}
	g.managers[channel] = m
	return m, nil
}

// PolicyFor returns the effective policy of channel.
func (g *Gate) PolicyFor(channel string) Policy {
	if g.opts.PolicyFor == nil {
		return PolicyPairing
	}
	return ParsePolicy(g.opts.PolicyFor(channel))
}

// Check decides whether sender may talk to the agent on channel.
func (g *Gate) Check(ctx context.Context, sender, channel string) Decision {
	policy := g.PolicyFor(channel)
	decision := g.check(ctx, policy, strings.TrimSpace(sender), channel)
	decision.Policy = policy

	observability.RecordGateDecision(channel, decision.Allowed)
	if !decision.Allowed {
		status := "denied"
		if decision.PairingCode != "" {
			status = "pending"
		}
		observability.RecordSecurityAudit(ctx, observability.ActionDMGate, sender, status, map[string]interface{}{
			"channel": channel,
			"policy":  string(policy),
		})
	}
	return decision
}

func (g *Gate) check(ctx context.Context, policy Policy, sender, channel string) Decision {
	logger := tracing.LoggerFromContext(ctx, g.opts.Logger)

	switch policy {
	case PolicyOpen:
		return Decision{Allowed: true}
	case PolicyDisabled:
		return Decision{Instructions: "Direct messages are disabled on this channel."}
	}

	if sender == "" {
		return Decision{Instructions: "Sender could not be identified."}
	}
	m, err := g.Manager(channel)
	if err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("Pairing manager unavailable")
		return Decision{Instructions: "Pairing is unavailable right now. Try again later."}
	}
	if m.IsAllowed(sender) {
		return Decision{Allowed: true}
	}
	if policy == PolicyAllowlist {
		return Decision{Instructions: "You are not on the allowlist for this channel."}
	}

	req, created, err := m.EnsurePending(sender)
	switch {
	case errors.Is(err, ErrAlreadyAllowlisted):
		return Decision{Allowed: true}
	case errors.Is(err, ErrPendingLimitReached):
		return Decision{Instructions: "Too many pending pairing requests. Try again later."}
	case err != nil:
		logger.Error().Err(err).Str("channel", channel).Msg("Failed to create pairing request")
		return Decision{Instructions: "Pairing is unavailable right now. Try again later."}
	}

	if created {
		logger.Info().Str("channel", channel).Str("sender", sender).Str("code", req.Code).Msg("Pairing requested")
	}
	return Decision{
		PairingCode:  req.Code,
		NewRequest:   created,
		Instructions: Instructions(channel, req.Code),
	}
}

// Instructions is the message sent to an unpaired sender.
func Instructions(channel, code string) string {
	return fmt.Sprintf("Pairing required. Your code is %s.\nAsk the operator to run: courier pairing approve %s %s", code, channel, code)
}
