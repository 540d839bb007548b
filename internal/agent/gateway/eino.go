package gateway

import (
	"context"
	"encoding/json"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/tools"
	errx "github.com/spy-chat-core/server/internal/core/error"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// EinoGateway adapts any eino chat model. The tool catalog is passed per call
// with model.WithTools, so one chat model serves every conversation.
type EinoGateway struct {
	chat      einomodel.BaseChatModel
	modelName string
	handler   einocb.Handler
}

func NewEinoGateway(chat einomodel.BaseChatModel, modelName string, handler einocb.Handler) *EinoGateway {
	return &EinoGateway{chat: chat, modelName: modelName, handler: handler}
}

func (g *EinoGateway) Generate(ctx context.Context, preamble string, msgs []model.Message, catalog []tools.Spec) (*Response, error) {
	in := ToSchemaMessages(preamble, msgs)

	var opts []einomodel.Option
	if len(catalog) > 0 {
		opts = append(opts, einomodel.WithTools(tools.ToolInfos(catalog)))
	}

	if g.handler != nil {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      "PersonaResponse",
			Type:      g.modelName,
			Component: components.ComponentOfChatModel,
		}, g.handler)
	}

	out, err := g.chat.Generate(ctx, in, opts...)
	if err != nil {
		return nil, errx.WrapGateway(err)
	}
	if out == nil {
		return &Response{Model: g.modelName}, nil
	}

	resp := &Response{
		Text:        out.Content,
		Invocations: FromSchemaToolCalls(out.ToolCalls),
		Model:       g.modelName,
	}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		resp.Usage = &model.Usage{
			PromptTokens:     out.ResponseMeta.Usage.PromptTokens,
			CompletionTokens: out.ResponseMeta.Usage.CompletionTokens,
			TotalTokens:      out.ResponseMeta.Usage.TotalTokens,
		}
	}
	logUsage(ctx, g.modelName, resp.Usage)
	return resp, nil
}

// ToSchemaMessages converts the working history into eino messages with the
// preamble as the leading system message.
func ToSchemaMessages(preamble string, msgs []model.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs)+1)
	if preamble != "" {
		out = append(out, schema.SystemMessage(preamble))
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			// the preamble is carried separately
			continue
		case model.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, &schema.Message{
				Role:      schema.Assistant,
				Content:   m.Content,
				ToolCalls: toSchemaToolCalls(m.ToolCalls),
			})
		case model.RoleTool:
			out = append(out, &schema.Message{
				Role:       schema.Tool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
			})
		}
	}
	return out
}

func toSchemaToolCalls(calls []model.ToolInvocation) []schema.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]schema.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, schema.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      c.Name,
				Arguments: c.ArgumentsJSON(),
			},
		})
	}
	return out
}

// FromSchemaToolCalls converts model tool calls. Ids are kept as returned,
// including empty ones.
func FromSchemaToolCalls(calls []schema.ToolCall) []model.ToolInvocation {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolInvocation, 0, len(calls))
	for _, c := range calls {
		out = append(out, model.ToolInvocation{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: decodeArguments(c.Function.Name, c.Function.Arguments),
		})
	}
	return out
}

// decodeArguments parses a JSON object. Malformed input yields an empty map
// so argument validation reports what is missing.
func decodeArguments(toolName, raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logx.Warn().Err(err).Str("tool_name", toolName).Msg("Model returned malformed tool arguments")
		return map[string]any{}
	}
	return args
}

var _ Gateway = (*EinoGateway)(nil)
