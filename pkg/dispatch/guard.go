package dispatch

import "github.com/harun/courier/pkg/agent"

const missingToolResultText = "[tool result missing: the agent run ended before the tool returned]"

// toolGuard pairs tool calls with their results.
type toolGuard struct {
	pending map[string]agent.ReplyBlock
	order   []string
}

func newToolGuard() *toolGuard {
	return &toolGuard{pending: make(map[string]agent.ReplyBlock)}
}

func (g *toolGuard) observe(b agent.ReplyBlock) {
	if b.ToolCallID == "" {
		return
	}
	switch b.Kind {
	case agent.BlockToolCall:
		if _, ok := g.pending[b.ToolCallID]; !ok {
			g.order = append(g.order, b.ToolCallID)
		}
		g.pending[b.ToolCallID] = b
	case agent.BlockToolResult:
		delete(g.pending, b.ToolCallID)
	}
}

// flush returns a synthetic result for every unpaired call, numbered from
// nextSeq, and forgets them. A second flush returns nothing.
func (g *toolGuard) flush(nextSeq int) []agent.ReplyBlock {
	var out []agent.ReplyBlock
	for _, id := range g.order {
		call, ok := g.pending[id]
		if !ok {
			continue
		}
		out = append(out, agent.ReplyBlock{
			Seq:        nextSeq + len(out),
			Kind:       agent.BlockToolResult,
			Text:       missingToolResultText,
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
			IsError:    true,
			Synthetic:  true,
		})
	}
	g.pending = make(map[string]agent.ReplyBlock)
	g.order = nil
	return out
}
