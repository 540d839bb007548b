package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	Backend      string        `envconfig:"CONVERSATION_BACKEND" default:"redis"`
	TTL          time.Duration `envconfig:"CONVERSATION_TTL" default:"0"`
	Window       int           `envconfig:"CONVERSATION_WINDOW" default:"40"`
	MaxRounds    int           `envconfig:"CONVERSATION_MAX_ROUNDS" default:"5"`
	RoundTimeout time.Duration `envconfig:"CONVERSATION_ROUND_TIMEOUT" default:"60s"`
	ToolTimeout  time.Duration `envconfig:"CONVERSATION_TOOL_TIMEOUT" default:"10s"`
	RetryBackoff time.Duration `envconfig:"CONVERSATION_RETRY_BACKOFF" default:"250ms"`
}

type GatewayConfig struct {
	Provider      string `envconfig:"GATEWAY_PROVIDER" default:"gemini"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:"ollama"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"http://localhost:11434/v1"`
}

type ResponseModelConfig struct {
	Model       string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONSE_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0.4"`
}

type ProgressConfig struct {
	Buffer int `envconfig:"PROGRESS_BUFFER" default:"16"`
}

type DataConfig struct {
	MissionsDir  string `envconfig:"MISSIONS_DIR" default:"missions"`
	PersonasFile string `envconfig:"PERSONAS_FILE" default:"personas.yaml"`
}
