package model

// TerminationReason tells the caller how a turn ended.
type TerminationReason string

const (
	TerminationCompleted  TerminationReason = "completed"
	TerminationRoundLimit TerminationReason = "round-limit"
	TerminationError      TerminationReason = "error"
)

// TraceEntry pairs an executed invocation with its result.
type TraceEntry struct {
	Invocation ToolInvocation `json:"invocation"`
	Result     ToolResult     `json:"result"`
}

// TurnInput is one user turn submitted to the orchestrator.
type TurnInput struct {
	ConversationID string
	// TurnID tags the turn's progress events; generated when empty.
	TurnID  string
	Persona Persona
	Message string
	// MaxRounds falls back to the configured default when <= 0.
	MaxRounds int
}

// TurnResult is always returned by RunTurn, also on failure.
type TurnResult struct {
	ConversationID string            `json:"conversation_id"`
	TurnID         string            `json:"turn_id"`
	FinalText      string            `json:"final_text"`
	Trace          []TraceEntry      `json:"tool_calls"`
	Reason         TerminationReason `json:"termination_reason"`
	Rounds         int               `json:"rounds"`
	// Error carries a client-safe description when Reason is error.
	Error string `json:"error,omitempty"`
}
