package model

import (
	"context"
	"errors"
)

// ErrMissionNotFound is returned by MissionStore for unknown mission ids.
var ErrMissionNotFound = errors.New("not found")

// ConversationStore persists ordered message sequences per conversation id.
type ConversationStore interface {
	// Load returns the full history; unknown ids yield an empty slice.
	Load(ctx context.Context, conversationID string) ([]Message, error)

	// Append adds the batch at the end of the history, all or nothing.
	Append(ctx context.Context, conversationID string, batch []Message) error

	// Window returns the most recent maxMessages messages, plus the system
	// preamble when it would otherwise be evicted.
	Window(ctx context.Context, conversationID string, maxMessages int) ([]Message, error)
}
