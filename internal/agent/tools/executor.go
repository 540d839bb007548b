package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/tool"

	"github.com/spy-chat-core/server/internal/agent/model"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// UnknownToolMessage is the error payload for invocations of unregistered tools.
const UnknownToolMessage = "unknown tool"

// Executor runs registry tools inside a bounded call. It never returns an
// error: every failure becomes an error ToolResult.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	handler  einocb.Handler
}

func NewExecutor(registry *Registry, timeout time.Duration) *Executor {
	return &Executor{registry: registry, timeout: timeout}
}

// WithCallbacks attaches an eino handler notified around each tool run.
func (e *Executor) WithCallbacks(handler einocb.Handler) *Executor {
	e.handler = handler
	return e
}

// Catalog exposes the registry catalog for gateway requests.
func (e *Executor) Catalog() []Spec {
	return e.registry.Catalog()
}

type outcome struct {
	payload any
	err     error
}

// Execute validates and runs one invocation.
func (e *Executor) Execute(ctx context.Context, inv model.ToolInvocation) model.ToolResult {
	if e.handler == nil {
		return e.execute(ctx, inv)
	}

	cbCtx := einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      inv.Name,
		Type:      "RegistryTool",
		Component: components.ComponentOfTool,
	}, e.handler)
	cbCtx = einocb.OnStart(cbCtx, &tool.CallbackInput{ArgumentsInJSON: inv.ArgumentsJSON()})

	res := e.execute(ctx, inv)
	if res.OK() {
		einocb.OnEnd(cbCtx, &tool.CallbackOutput{Response: res.Text()})
	} else {
		einocb.OnError(cbCtx, errors.New(res.Text()))
	}
	return res
}

func (e *Executor) execute(ctx context.Context, inv model.ToolInvocation) model.ToolResult {
	ent, ok := e.registry.lookup(inv.Name)
	if !ok {
		logx.Warn().Str("tool_name", inv.Name).Str("tool_call_id", inv.ID).Msg("Model requested an unknown tool")
		return model.ToolError(inv.ID, UnknownToolMessage)
	}

	if err := validateArgs(inv.Arguments, ent.spec.Params); err != nil {
		logx.Warn().Err(err).Str("tool_name", inv.Name).Str("tool_call_id", inv.ID).Msg("Tool arguments failed validation")
		return model.ToolError(inv.ID, "invalid arguments: %v", err)
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		payload, err := ent.tool.Execute(callCtx, inv.Arguments)
		done <- outcome{payload: payload, err: err}
	}()

	var res model.ToolResult
	select {
	case out := <-done:
		if out.err != nil {
			res = model.ToolError(inv.ID, "%s", out.err.Error())
		} else {
			res = model.ToolSuccess(inv.ID, out.payload)
		}
	case <-callCtx.Done():
		// The goroutine finishes on its own; its buffered send never blocks.
		if errors.Is(ctx.Err(), context.Canceled) {
			res = model.ToolError(inv.ID, "cancelled")
		} else {
			res = model.ToolError(inv.ID, "timed out after %s", e.timeout)
		}
	}

	logx.Debug().
		Str("tool_name", inv.Name).
		Str("tool_call_id", inv.ID).
		Str("status", string(res.Status)).
		Dur("elapsed", time.Since(start)).
		Msg("Tool finished")
	return res
}
