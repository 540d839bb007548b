package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spy-chat-core/server/internal/agent/conversations"
	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/orchestrator"
	"github.com/spy-chat-core/server/internal/agent/personas"
	"github.com/spy-chat-core/server/internal/agent/tools"
	"github.com/spy-chat-core/server/internal/telemetry"
	logx "github.com/spy-chat-core/server/pkg/logger"
	pkgsqlite "github.com/spy-chat-core/server/pkg/sqlite"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg      AppConfig
	runner   *orchestrator.Orchestrator
	store    model.ConversationStore
	personas *personas.SQLiteStore
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logx.Warn().Err(err).Msg("close failed")
		}
	}
}

// newApp wires storage and, when withRunner is set, the model gateway and
// turn loop. Read-only commands skip the gateway so they need no API key.
func newApp(ctx context.Context, withRunner bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	db, err := pkgsqlite.Open(cfg.SQLite.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	a.personas, err = personas.NewSQLiteStore(db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("persona store: %w", err)
	}
	if _, err := personas.SeedFromFile(ctx, a.personas, cfg.Data.PersonasFile); err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = a.conversationStore(ctx, db)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !withRunner {
		return a, nil
	}

	a.runner, err = orchestrator.BuildRunner(ctx, orchestrator.Config{
		GatewayConfig: cfg.Gateway,
		ResponseModel: cfg.Response,
		Conversation:  cfg.Conversation,
		Progress:      cfg.Progress,
		Store:         a.store,
		Missions:      tools.NewFileMissionStore(cfg.Data.MissionsDir),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) conversationStore(ctx context.Context, db *sql.DB) (model.ConversationStore, error) {
	backend := strings.ToLower(strings.TrimSpace(a.cfg.Conversation.Backend))
	switch backend {
	case "", "redis":
		rdb, err := a.cfg.Redis.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise Redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		logx.Debug().Str("backend", "redis").Msg("Conversation store ready")
		return conversations.NewRedisStore(rdb, a.cfg.Conversation.TTL), nil
	case "sqlite":
		logx.Debug().Str("backend", "sqlite").Msg("Conversation store ready")
		return conversations.NewSQLiteStore(db)
	case "memory":
		logx.Warn().Msg("Using in-memory conversation store; history is lost on exit")
		return conversations.NewMemoryStore(), nil
	default:
		return nil, errors.New("unknown CONVERSATION_BACKEND " + backend)
	}
}
