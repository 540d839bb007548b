package gateway

import (
	"context"
	"fmt"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/tools"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// Response is the outcome of one round. When Invocations is non-empty the
// round is not final, whatever Text holds.
type Response struct {
	Text        string
	Invocations []model.ToolInvocation
	Usage       *model.Usage
	Model       string
}

// Gateway is the language model backend. One call per round.
type Gateway interface {
	Generate(ctx context.Context, preamble string, msgs []model.Message, catalog []tools.Spec) (*Response, error)
}

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// New builds the gateway selected by cfg.Provider. handler, when non-nil,
// observes chat model lifecycle events.
func New(ctx context.Context, cfg model.GatewayConfig, respCfg model.ResponseModelConfig, handler einocb.Handler) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderGemini:
		chat, err := NewGeminiChatModel(ctx, ChatModelConfig{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			RespConfig: &respCfg,
		})
		if err != nil {
			return nil, err
		}
		return NewEinoGateway(chat, respCfg.Model, handler), nil
	case ProviderOpenAI, "ollama":
		return NewOpenAIGateway(cfg, respCfg), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}

// logUsage computes and logs per-round token cost.
func logUsage(ctx context.Context, modelName string, usage *model.Usage) {
	if usage == nil {
		return
	}
	pricing := model.ResolvePricing(modelName)
	inC, outC, totalC := model.ComputeCost(usage, pricing)
	logx.Debug().
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}
