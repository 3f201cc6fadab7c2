package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harun/courier/internal/logger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditSecurity = "security"
	AuditProcess  = "process"
)

// Audit actions.
const (
	ActionDMGate           = "dm_gate"
	ActionPairingApproved  = "pairing_approved"
	ActionPairingRejected  = "pairing_rejected"
	ActionStaleProcessKill = "stale_process_kill"
	ActionRunKilled        = "agent_run_killed"
)

// auditMaxSizeMB rolls the audit file over like the main log.
const auditMaxSizeMB = 50

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // sender id or provider
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // success, failure, denied, pending
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes pairing decisions and process signals as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

var (
	auditOnce sync.Once
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process-wide audit logger. It writes to stderr
// until InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		auditMu.Lock()
		if auditInst == nil {
			auditInst = &AuditLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
		}
		auditMu.Unlock()
	})
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger routes audit events to a rotating file at path.
func InitAuditLogger(path string) error {
	rw, err := logger.NewRotatingWriter(path, auditMaxSizeMB, 0, false)
	if err != nil {
		return err
	}

	auditOnce.Do(func() {})
	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(rw).With().Timestamp().Logger(),
		closer: rw,
	}
	auditMu.Unlock()
	return nil
}

// Record writes event and mirrors it as an event on the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close releases the audit file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// RecordSecurityAudit records pairing and access-control decisions.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordProcessAudit records signals sent to external agent processes.
func RecordProcessAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditProcess,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordPairingResolution records an operator approving or rejecting a
// pairing code.
func RecordPairingResolution(ctx context.Context, channel, sender, code string, approved bool) {
	action := ActionPairingRejected
	if approved {
		action = ActionPairingApproved
	}
	RecordSecurityAudit(ctx, action, sender, "success", map[string]interface{}{
		"channel": channel,
		"code":    code,
	})
}

// RecordRunKill records an agent run that was stopped before it exited on
// its own. reason is the terminal run status, e.g. timed_out.
func RecordRunKill(ctx context.Context, provider, runID, reason string, pid int) {
	RecordProcessAudit(ctx, ActionRunKilled, provider, reason, map[string]interface{}{
		"run_id": runID,
		"pid":    pid,
	})
}
