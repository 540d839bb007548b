package orchestrator

import (
	"context"
	"fmt"

	einocb "github.com/cloudwego/eino/callbacks"

	"github.com/spy-chat-core/server/internal/agent/gateway"
	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/observers"
	"github.com/spy-chat-core/server/internal/agent/progress"
	"github.com/spy-chat-core/server/internal/agent/prompts"
	"github.com/spy-chat-core/server/internal/agent/tools"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// Runner is what presentation layers need from the core.
type Runner interface {
	RunTurn(ctx context.Context, in model.TurnInput) (model.TurnResult, error)
	Notifier() *progress.Notifier
	Store() model.ConversationStore
}

// Config holds everything needed to compose the turn loop end-to-end.
// Gateway is optional; when nil one is built from GatewayConfig.
type Config struct {
	GatewayConfig model.GatewayConfig
	ResponseModel model.ResponseModelConfig
	Conversation  model.ConversationConfig
	Progress      model.ProgressConfig

	Store    model.ConversationStore
	Missions model.MissionStore
	Gateway  gateway.Gateway
	// Callbacks defaults to the logging observers.
	Callbacks einocb.Handler
}

// BuildRunner wires gateway, tools, prompts and progress into an Orchestrator.
func BuildRunner(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is nil")
	}
	if cfg.Missions == nil {
		return nil, fmt.Errorf("mission store is nil")
	}

	handler := cfg.Callbacks
	if handler == nil {
		handler = observers.NewAllCallbacks()
	}

	gw := cfg.Gateway
	if gw == nil {
		var err error
		gw, err = gateway.New(ctx, cfg.GatewayConfig, cfg.ResponseModel, handler)
		if err != nil {
			logx.Error().Err(err).Msg("Failed to build model gateway")
			return nil, fmt.Errorf("build model gateway: %w", err)
		}
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterMissionContext(registry, cfg.Missions); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	executor := tools.NewExecutor(registry, cfg.Conversation.ToolTimeout).WithCallbacks(handler)

	orch, err := New(Deps{
		Store:     cfg.Store,
		Gateway:   gw,
		Executor:  executor,
		Preambles: prompts.NewRenderer(handler),
		Notifier:  progress.NewNotifier(cfg.Progress.Buffer),
		Config:    cfg.Conversation,
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().
		Int("tools", len(registry.Catalog())).
		Int("max_rounds", normalizeMaxRounds(0, cfg.Conversation.MaxRounds)).
		Msg("Turn runner built successfully")
	return orch, nil
}

var _ Runner = (*Orchestrator)(nil)
