package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/api"
	"github.com/spy-chat-core/server/internal/core"
	"github.com/spy-chat-core/server/internal/telemetry"
	logx "github.com/spy-chat-core/server/pkg/logger"
	pkgredis "github.com/spy-chat-core/server/pkg/redis"
	pkgsqlite "github.com/spy-chat-core/server/pkg/sqlite"
)

// AppConfig defines all configurable parameters of the service,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string           `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Redis     pkgredis.Config
	SQLite    pkgsqlite.Config
	HTTP      api.Config
	Telemetry telemetry.Config

	// Agent configs
	Gateway      model.GatewayConfig
	Response     model.ResponseModelConfig
	Conversation model.ConversationConfig
	Progress     model.ProgressConfig
	Data         model.DataConfig
}

func loadConfig() (AppConfig, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("process environment config: %w", err)
	}

	logx.Init(logx.LoggerOpts{Environment: cfg.Environment, Level: cfg.LogLevel})
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "spy-chat",
		Short:         "Persona chat service with tool-grounded answers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(personasCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
