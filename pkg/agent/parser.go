package agent

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// outputParser turns backend stdout into ReplyBlocks.
type outputParser struct {
	format        OutputFormat
	sessionFields []string
	sink          Sink

	seq       int
	sessionID string
	text      strings.Builder
}

func newOutputParser(b Backend, sink Sink) *outputParser {
	if sink == nil {
		sink = func(ReplyBlock) {}
	}
	return &outputParser{format: b.Output, sessionFields: b.SessionIDFields, sink: sink}
}

func (p *outputParser) emit(b ReplyBlock) {
	p.seq++
	b.Seq = p.seq
	p.sink(b)
}

// Line handles one line of stdout.
func (p *outputParser) Line(line []byte) {
	if p.format == OutputText || p.format == "" {
		p.text.Write(line)
		p.text.WriteByte('\n')
		return
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !gjson.ValidBytes(line) || line[0] != '{' {
		p.emit(ReplyBlock{Kind: BlockText, Text: string(line)})
		return
	}

	ev := gjson.ParseBytes(line)
	for _, field := range p.sessionFields {
		if id := strings.TrimSpace(ev.Get(field).String()); id != "" {
			p.sessionID = id
		}
	}

	switch p.format {
	case OutputStreamJSON:
		p.claudeEvent(ev)
	case OutputJSONL:
		p.codexEvent(ev)
	}
}

// Finish flushes buffered text output.
func (p *outputParser) Finish() {
	if p.format == OutputText || p.format == "" {
		if text := strings.TrimSpace(p.text.String()); text != "" {
			p.emit(ReplyBlock{Kind: BlockText, Text: text})
		}
	}
}

func (p *outputParser) SessionID() string { return p.sessionID }

func (p *outputParser) Count() int { return p.seq }

func (p *outputParser) claudeEvent(ev gjson.Result) {
	if ev.Get("type").String() == "stream_event" {
		// partial deltas repeat what the assistant message carries
		return
	}

	switch ev.Get("type").String() {
	case "assistant":
		ev.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); strings.TrimSpace(text) != "" {
					p.emit(ReplyBlock{Kind: BlockText, Text: text})
				}
			case "tool_use":
				p.emit(ReplyBlock{
					Kind:       BlockToolCall,
					ToolCallID: block.Get("id").String(),
					ToolName:   block.Get("name").String(),
					Text:       block.Get("input").Raw,
				})
			}
			return true
		})

	case "user":
		ev.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" {
				p.emit(ReplyBlock{
					Kind:       BlockToolResult,
					ToolCallID: block.Get("tool_use_id").String(),
					Text:       toolResultText(block.Get("content")),
					IsError:    block.Get("is_error").Bool(),
				})
			}
			return true
		})

	case "result":
		subtype := ev.Get("subtype").String()
		if subtype == "success" && !ev.Get("is_error").Bool() {
			return
		}
		text := ev.Get("result").String()
		if text == "" {
			text = "run ended: " + subtype
		}
		p.emit(ReplyBlock{Kind: BlockSystem, Text: text, IsError: true})

	case "system":
		if msg := ev.Get("message").String(); msg != "" {
			p.emit(ReplyBlock{Kind: BlockSystem, Text: msg})
		}

	case "error":
		p.emit(ReplyBlock{Kind: BlockSystem, Text: errorText(ev), IsError: true})
	}
}

func (p *outputParser) codexEvent(ev gjson.Result) {
	item := ev.Get("item")

	switch ev.Get("type").String() {
	case "item.started":
		switch item.Get("type").String() {
		case "command_execution":
			p.emit(ReplyBlock{
				Kind:       BlockToolCall,
				ToolCallID: item.Get("id").String(),
				ToolName:   "command",
				Text:       item.Get("command").String(),
			})
		case "mcp_tool_call":
			p.emit(ReplyBlock{
				Kind:       BlockToolCall,
				ToolCallID: item.Get("id").String(),
				ToolName:   item.Get("tool").String(),
				Text:       item.Get("arguments").Raw,
			})
		}

	case "item.completed":
		switch item.Get("type").String() {
		case "agent_message":
			if text := item.Get("text").String(); strings.TrimSpace(text) != "" {
				p.emit(ReplyBlock{Kind: BlockText, Text: text})
			}
		case "command_execution":
			exit := item.Get("exit_code")
			p.emit(ReplyBlock{
				Kind:       BlockToolResult,
				ToolCallID: item.Get("id").String(),
				ToolName:   "command",
				Text:       item.Get("aggregated_output").String(),
				IsError:    (exit.Exists() && exit.Int() != 0) || item.Get("status").String() == "failed",
			})
		case "mcp_tool_call":
			p.emit(ReplyBlock{
				Kind:       BlockToolResult,
				ToolCallID: item.Get("id").String(),
				ToolName:   item.Get("tool").String(),
				Text:       toolResultText(item.Get("result.content")),
				IsError:    item.Get("status").String() == "failed",
			})
		case "error":
			p.emit(ReplyBlock{Kind: BlockSystem, Text: item.Get("message").String(), IsError: true})
		}

	case "turn.failed", "error":
		p.emit(ReplyBlock{Kind: BlockSystem, Text: errorText(ev), IsError: true})
	}
}

// toolResultText accepts a string or an array of {"type":"text"} blocks.
func toolResultText(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsArray() {
		var parts []string
		v.ForEach(func(_, block gjson.Result) bool {
			if text := block.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return v.Raw
}

func errorText(ev gjson.Result) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := ev.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ev.Raw
}

// maxLineBytes bounds a single output line. Longer lines are dropped.
const maxLineBytes = 16 << 20

// lineWriter splits a byte stream into lines for fn. exec copies the process
// stdout into it from its own goroutine, so Write is never called
// concurrently.
type lineWriter struct {
	fn  func([]byte)
	buf []byte
	raw *tailBuffer
	// max overrides maxLineBytes when positive.
	max int
	// discarding is set while the rest of an oversized line is skipped.
	discarding bool
	dropped    int
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.raw != nil {
		w.raw.Write(p)
	}
	limit := w.max
	if limit <= 0 {
		limit = maxLineBytes
	}

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			if !w.discarding {
				w.buf = append(w.buf, rest...)
				if len(w.buf) > limit {
					w.buf = nil
					w.discarding = true
					w.dropped++
				}
			}
			break
		}
		if w.discarding {
			w.discarding = false
		} else if len(w.buf)+i > limit {
			w.buf = nil
			w.dropped++
		} else {
			w.buf = append(w.buf, rest[:i]...)
			w.fn(w.buf)
			w.buf = nil
		}
		rest = rest[i+1:]
	}
	return len(p), nil
}

// Flush hands any trailing partial line to fn.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 && !w.discarding {
		w.fn(w.buf)
	}
	w.buf = nil
	w.discarding = false
}

// Dropped reports how many oversized lines were skipped.
func (w *lineWriter) Dropped() int { return w.dropped }

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; t.max > 0 && over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
