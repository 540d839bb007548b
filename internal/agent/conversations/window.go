package conversations

import "github.com/spy-chat-core/server/internal/agent/model"

// WindowMessages returns the most recent n messages of msgs in order. A
// leading system preamble is always kept, so the result holds at most n+1
// messages. The returned slice never aliases msgs.
func WindowMessages(msgs []model.Message, n int) []model.Message {
	if n < 0 {
		n = 0
	}
	if len(msgs) <= n {
		out := make([]model.Message, len(msgs))
		copy(out, msgs)
		return out
	}

	tail := msgs[len(msgs)-n:]
	out := make([]model.Message, 0, n+1)
	if HasPreamble(msgs) {
		out = append(out, msgs[0])
	}
	return append(out, tail...)
}
