package gateway

import (
	"context"
	"sort"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/tools"
	errx "github.com/spy-chat-core/server/internal/core/error"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// OpenAIGateway talks to any OpenAI-compatible chat completions endpoint,
// including a local Ollama server at /v1.
type OpenAIGateway struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAIGateway(cfg model.GatewayConfig, respCfg model.ResponseModelConfig) *OpenAIGateway {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	logx.Debug().Str("base_url", clientCfg.BaseURL).Str("model", respCfg.Model).Msg("OpenAI-compatible gateway ready")
	return &OpenAIGateway{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       respCfg.Model,
		maxTokens:   respCfg.MaxTokens,
		temperature: respCfg.Temperature,
	}
}

func (g *OpenAIGateway) Generate(ctx context.Context, preamble string, msgs []model.Message, catalog []tools.Spec) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    toOpenAIMessages(preamble, msgs),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}
	if len(catalog) > 0 {
		req.Tools = toOpenAITools(catalog)
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, errx.WrapGateway(err)
	}

	out := &Response{
		Model: g.model,
		Usage: &model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Text = msg.Content
		for _, tc := range msg.ToolCalls {
			out.Invocations = append(out.Invocations, model.ToolInvocation{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: decodeArguments(tc.Function.Name, tc.Function.Arguments),
			})
		}
	}
	logUsage(ctx, g.model, out.Usage)
	return out, nil
}

func toOpenAIMessages(preamble string, msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if preamble != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: preamble})
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case model.RoleAssistant:
			oai := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, c := range m.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   c.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.Name,
						Arguments: c.ArgumentsJSON(),
					},
				})
			}
			out = append(out, oai)
		case model.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.ToolName,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func toOpenAITools(catalog []tools.Spec) []openai.Tool {
	out := make([]openai.Tool, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  jsonSchema(s.Params),
			},
		})
	}
	return out
}

// jsonSchema renders a flat parameter shape as a JSON schema object.
func jsonSchema(params map[string]*schema.ParameterInfo) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for name, info := range params {
		if info == nil {
			continue
		}
		prop := map[string]any{"type": string(info.Type)}
		if info.Desc != "" {
			prop["description"] = info.Desc
		}
		if len(info.Enum) > 0 {
			prop["enum"] = info.Enum
		}
		props[name] = prop
		if info.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var _ Gateway = (*OpenAIGateway)(nil)
