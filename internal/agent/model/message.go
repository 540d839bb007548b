package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation. Messages are immutable once appended
// and their order is the model's context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCallID links a tool-result message to the invocation that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	// ToolCalls is set on assistant messages that requested tool invocations.
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func SystemMessage(content string, at time.Time) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: at}
}

func UserMessage(content string, at time.Time) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: at}
}

func AssistantMessage(content string, calls []ToolInvocation, at time.Time) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: at}
}

// ToolResultMessage renders r as the tool-result message tagged with its invocation id.
func ToolResultMessage(name string, r ToolResult, at time.Time) Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Text(),
		ToolCallID: r.InvocationID,
		ToolName:   name,
		Timestamp:  at,
	}
}

// ToolInvocation is a model-requested call to a named tool.
type ToolInvocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ArgumentsJSON returns the arguments encoded as a JSON object.
func (i ToolInvocation) ArgumentsJSON() string {
	if len(i.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(i.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolResult is the outcome of exactly one ToolInvocation.
type ToolResult struct {
	InvocationID string     `json:"invocation_id"`
	Status       ToolStatus `json:"status"`
	Payload      any        `json:"payload,omitempty"`
}

func ToolSuccess(invocationID string, payload any) ToolResult {
	return ToolResult{InvocationID: invocationID, Status: ToolStatusSuccess, Payload: payload}
}

func ToolError(invocationID string, format string, args ...any) ToolResult {
	return ToolResult{InvocationID: invocationID, Status: ToolStatusError, Payload: fmt.Sprintf(format, args...)}
}

// OK reports whether the tool succeeded.
func (r ToolResult) OK() bool {
	return r.Status == ToolStatusSuccess
}

// Text renders the result as message content for the model. Errors are
// prefixed so the model can tell them apart from data.
func (r ToolResult) Text() string {
	var body string
	switch p := r.Payload.(type) {
	case nil:
		body = ""
	case string:
		body = p
	case []byte:
		body = string(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			body = fmt.Sprint(p)
		} else {
			body = string(b)
		}
	}
	if r.Status == ToolStatusError {
		return "error: " + body
	}
	return body
}
