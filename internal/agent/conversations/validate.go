package conversations

import (
	"fmt"
	"strings"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
)

// ValidateBatch checks that appending batch after existing keeps the
// conversation invariants: at most one system message and only at index 0,
// and every tool result answers an earlier open invocation exactly once.
// An invocation id issued again by a later assistant message opens again.
func ValidateBatch(existing, batch []model.Message) error {
	if len(batch) == 0 {
		return errx.ErrEmptyBatch
	}

	// open holds invocation ids still waiting for their result
	open := make(map[string]struct{})
	known := make(map[string]struct{})
	for _, m := range existing {
		for _, call := range m.ToolCalls {
			open[call.ID] = struct{}{}
			known[call.ID] = struct{}{}
		}
		if m.Role == model.RoleTool {
			delete(open, m.ToolCallID)
		}
	}

	for i, m := range batch {
		pos := len(existing) + i
		switch m.Role {
		case model.RoleSystem:
			if pos != 0 {
				return fmt.Errorf("%w: system message at position %d", errx.ErrPreambleOrder, pos)
			}
		case model.RoleUser:
		case model.RoleAssistant:
			for _, call := range m.ToolCalls {
				if strings.TrimSpace(call.ID) == "" {
					return fmt.Errorf("%w: tool call %q without id", errx.ErrInvalidInput, call.Name)
				}
				open[call.ID] = struct{}{}
				known[call.ID] = struct{}{}
			}
		case model.RoleTool:
			if _, ok := open[m.ToolCallID]; !ok {
				if _, answered := known[m.ToolCallID]; answered {
					return fmt.Errorf("%w: tool_call_id %q already answered, position %d", errx.ErrOrphanToolResult, m.ToolCallID, pos)
				}
				return fmt.Errorf("%w: tool_call_id %q at position %d", errx.ErrOrphanToolResult, m.ToolCallID, pos)
			}
			delete(open, m.ToolCallID)
		default:
			return fmt.Errorf("%w: unknown role %q", errx.ErrInvalidInput, m.Role)
		}
	}
	return nil
}

// HasPreamble reports whether msgs starts with a system message.
func HasPreamble(msgs []model.Message) bool {
	return len(msgs) > 0 && msgs[0].Role == model.RoleSystem
}
