package orchestrator

import (
	"fmt"
	"strings"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
)

const DefaultMaxRounds = 5

// UnableToCompleteText is returned when the round limit is hit before the
// model produced any visible text.
const UnableToCompleteText = "I was unable to complete that request. Please try rephrasing or narrowing it down."

// normalizeMaxRounds returns the first positive value of requested, configured
// and the package default.
func normalizeMaxRounds(requested, configured int) int {
	if requested > 0 {
		return requested
	}
	if configured > 0 {
		return configured
	}
	return DefaultMaxRounds
}

// assignInvocationIDs fills empty ids as call_<n> from seq and rejects
// duplicate ids within the round. It returns a copy.
func assignInvocationIDs(invs []model.ToolInvocation, seq *int) ([]model.ToolInvocation, error) {
	out := make([]model.ToolInvocation, len(invs))
	taken := make(map[string]struct{}, len(invs))
	for _, inv := range invs {
		if id := strings.TrimSpace(inv.ID); id != "" {
			if _, dup := taken[id]; dup {
				return nil, fmt.Errorf("%w: %s", errx.ErrDuplicateInvocation, id)
			}
			taken[id] = struct{}{}
		}
	}
	for i, inv := range invs {
		inv.ID = strings.TrimSpace(inv.ID)
		if inv.ID == "" {
			for {
				*seq++
				candidate := fmt.Sprintf("call_%d", *seq)
				if _, used := taken[candidate]; !used {
					inv.ID = candidate
					taken[candidate] = struct{}{}
					break
				}
			}
		}
		out[i] = inv
	}
	return out, nil
}
