package conversations

import (
	"github.com/spy-chat-core/server/internal/agent/model"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// MessagesManager turns a working history into what one gateway round sees.
type MessagesManager struct {
	window int
}

func NewMessagesManager(config model.ConversationConfig) *MessagesManager {
	return &MessagesManager{window: config.Window}
}

// BuildRequest returns the system preamble and the windowed message sequence
// for a gateway call. When history carries no preamble the fallback is used.
// Tool results whose invocation fell outside the window are dropped, since a
// provider rejects a tool message it cannot pair with a call.
func (mm *MessagesManager) BuildRequest(history []model.Message, fallbackPreamble string) (string, []model.Message) {
	windowed := history
	if mm.window > 0 {
		windowed = WindowMessages(history, mm.window)
	}

	preamble := fallbackPreamble
	rest := windowed
	if HasPreamble(windowed) {
		preamble = windowed[0].Content
		rest = windowed[1:]
	}

	return preamble, dropUnpairedToolResults(rest)
}

func dropUnpairedToolResults(msgs []model.Message) []model.Message {
	seen := make(map[string]struct{})
	out := make([]model.Message, 0, len(msgs))
	dropped := 0
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			seen[call.ID] = struct{}{}
		}
		if m.Role == model.RoleTool {
			if _, ok := seen[m.ToolCallID]; !ok {
				dropped++
				continue
			}
		}
		out = append(out, m)
	}
	if dropped > 0 {
		logx.Debug().Int("dropped", dropped).Msg("Dropped tool results outside the history window")
	}
	return out
}
