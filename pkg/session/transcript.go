package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Record is one line of a session transcript.
type Record struct {
	SessionKey string    `json:"sessionKey"`
	RunID      string    `json:"runId,omitempty"`
	Seq        int       `json:"seq"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	Synthetic  bool      `json:"synthetic,omitempty"`
	Delivered  bool      `json:"delivered"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptWriter appends records to per-session JSONL files.
type TranscriptWriter struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTranscriptWriter(dir string) (*TranscriptWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &TranscriptWriter{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// PathFor returns the transcript file for key.
func (w *TranscriptWriter) PathFor(key string) string {
	return filepath.Join(w.dir, key+".jsonl")
}

func (w *TranscriptWriter) lockFor(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// Append writes records to the transcript for key and syncs the file.
func (w *TranscriptWriter) Append(ctx context.Context, key string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(tracing.WithSessionKey(ctx, key), "courier.session", "session.transcript_append",
		attribute.Int("records", len(records)),
	)
	defer span.End()

	path := w.PathFor(key)
	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	buf := bufio.NewWriter(file)
	now := time.Now().UTC()
	for _, rec := range records {
		rec.SessionKey = key
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		data, err := json.Marshal(rec)
		if err != nil {
			tracing.FailSpan(span, err)
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := buf.Flush(); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Int("records", len(records)).Msg("Transcript appended")
	return nil
}

// Load reads every record for key, skipping corrupt lines.
func (w *TranscriptWriter) Load(ctx context.Context, key string) ([]Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(tracing.WithSessionKey(ctx, key), log.Logger)

	file, err := os.Open(w.PathFor(key))
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var out []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("Failed to parse transcript line, skipping")
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return out, nil
}

// Remove deletes the transcript for key.
func (w *TranscriptWriter) Remove(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := w.PathFor(key)
	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	_ = os.Remove(path + ".lock")

	w.mu.Lock()
	delete(w.locks, path)
	w.mu.Unlock()
	return nil
}
