package channels

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// WriterAdapter is a direct adapter that prints replies to an io.Writer.
type WriterAdapter struct {
	id       string
	outbound Outbound

	mu sync.Mutex
	w  io.Writer
}

// NewWriterAdapter returns an adapter named id that writes to w.
func NewWriterAdapter(id string, w io.Writer, outbound Outbound) *WriterAdapter {
	return &WriterAdapter{id: id, w: w, outbound: outbound}
}

// ID returns the channel name given to NewWriterAdapter.
func (a *WriterAdapter) ID() string { return a.id }

// DeliveryMode is always direct.
func (a *WriterAdapter) DeliveryMode() DeliveryMode { return DeliveryDirect }

// ResolveTarget accepts any single-line address; blank means the writer itself.
func (a *WriterAdapter) ResolveTarget(to string) (Target, error) {
	to = strings.TrimSpace(to)
	if strings.ContainsAny(to, "\r\n") {
		return Target{}, &DeliveryTargetError{Channel: a.id, To: to, Reason: "address must be a single line"}
	}
	if to == "" {
		to = a.id
	}
	return Target{Channel: a.id, To: to}, nil
}

// SendText writes each chunk of the text on its own line.
func (a *WriterAdapter) SendText(ctx context.Context, req TextRequest) (DeliveryResult, error) {
	res := DeliveryResult{Channel: a.id}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, chunk := range a.outbound.Chunks(req.Text) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := fmt.Fprintln(a.w, chunk); err != nil {
			return res, fmt.Errorf("write reply: %w", err)
		}
		res.MessageIDs = append(res.MessageIDs, fmt.Sprintf("%d", len(res.MessageIDs)+1))
	}
	return res, nil
}

// SendMedia writes a "[media]" line with the URL and caption.
func (a *WriterAdapter) SendMedia(ctx context.Context, req MediaRequest) (DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryResult{Channel: a.id}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	line := "[media] " + req.MediaURL
	if req.Caption != "" {
		line += " " + req.Caption
	}
	if _, err := fmt.Fprintln(a.w, line); err != nil {
		return DeliveryResult{Channel: a.id}, fmt.Errorf("write media: %w", err)
	}
	return DeliveryResult{Channel: a.id, MessageIDs: []string{"media"}}, nil
}
