// Package config provides the layered configuration service. A
// snapshot is an immutable merged view of embedded defaults, the system
// file, a per-user file, and environment overrides, published
// atomically so readers never observe a torn state.
package config

import "time"

// Snapshot is one immutable configuration view. Fields are never
// mutated after publication; updates construct and publish a new
// snapshot.
type Snapshot struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	API          APIConfig          `json:"api" yaml:"api"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Scheduler    SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Tools        ToolsConfig        `json:"tools" yaml:"tools"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Channels     ChannelsConfig     `json:"channels" yaml:"channels"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Tracing      TracingConfig      `json:"tracing" yaml:"tracing"`

	// Agent persona, overridable per user.
	AgentName    string `json:"agent_name" yaml:"agent_name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

type ServerConfig struct {
	Host          string        `json:"host" yaml:"host"`
	Port          int           `json:"port" yaml:"port"`
	DrainDeadline time.Duration `json:"drain_deadline" yaml:"drain_deadline"`
	// RateLimitPerMinute bounds chat requests per user.
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// APIConfig points at the LLM provider. APIKey is secret-typed: it is
// accepted only from the environment, never from config patches.
type APIConfig struct {
	Provider    string  `json:"provider" yaml:"provider"` // openai-compatible | anthropic
	APIKey      string  `json:"api_key" yaml:"api_key"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	// Timeout bounds one streamed completion call.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// AuthConfig holds token signing material. JWTSecret is secret-typed.
type AuthConfig struct {
	JWTSecret   string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenExpiry time.Duration `json:"token_expiry" yaml:"token_expiry"`
}

type ConversationConfig struct {
	// HistoryRounds is the number of user+assistant pairs included in
	// the prompt tail.
	HistoryRounds int  `json:"history_rounds" yaml:"history_rounds"`
	Stream        bool `json:"stream" yaml:"stream"`
	// ToolHopsMax bounds (LLM -> tool -> LLM) rounds within one turn.
	ToolHopsMax int `json:"tool_hops_max" yaml:"tool_hops_max"`
	// ConfirmTTL bounds how long a pending tool confirmation stays valid.
	ConfirmTTL time.Duration `json:"confirm_ttl" yaml:"confirm_ttl"`
}

type SchedulerConfig struct {
	Workers      int           `json:"workers" yaml:"workers"`
	QueueDepth   int           `json:"queue_depth" yaml:"queue_depth"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBase    time.Duration `json:"retry_base" yaml:"retry_base"`
	IdleReap     time.Duration `json:"idle_reap" yaml:"idle_reap"`
	AcquireWait  time.Duration `json:"acquire_wait" yaml:"acquire_wait"`
	AbortGrace   time.Duration `json:"abort_grace" yaml:"abort_grace"`
}

type ToolsConfig struct {
	// Allowlist names tools callable at all; empty means all registered.
	Allowlist []string `json:"allowlist" yaml:"allowlist"`
	// Denylist always wins over the allowlist.
	Denylist []string `json:"denylist" yaml:"denylist"`
	// ConfirmRequired lists tools gated on user confirmation.
	ConfirmRequired []string `json:"confirm_required" yaml:"confirm_required"`
	// Timeout is the default per-invocation bound.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Timeouts overrides the bound per tool name.
	Timeouts map[string]time.Duration `json:"timeouts" yaml:"timeouts"`
}

type MemoryConfig struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Recall  RecallConfig `json:"recall" yaml:"recall"`
	Neo4j   Neo4jConfig `json:"neo4j" yaml:"neo4j"`
	// MaintainInterval drives the cluster/summarize/decay tick.
	MaintainInterval time.Duration `json:"maintain_interval" yaml:"maintain_interval"`
	// IngestBuffer bounds the write-behind channel.
	IngestBuffer int `json:"ingest_buffer" yaml:"ingest_buffer"`
}

type RecallConfig struct {
	// MinQueryLen gates recall off for trivially short queries unless
	// they carry referential anaphora.
	MinQueryLen int `json:"min_query_len" yaml:"min_query_len"`
	// TopK bounds direct search hits in the recall block.
	TopK int `json:"top_k" yaml:"top_k"`
	// Timeout bounds recall; on expiry recall is skipped.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Neo4jConfig configures the graph store backend. Password is
// secret-typed.
type Neo4jConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

type StorageConfig struct {
	// Backend selects the session store: "file" or "sqlite".
	Backend string `json:"backend" yaml:"backend"`
	// Dir is the data directory (store file, per-user config, logs).
	Dir string `json:"dir" yaml:"dir"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig configures the Telegram bridge. BotToken is
// secret-typed.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	// UserID is the gateway account messages from this bridge act as.
	UserID string `json:"user_id" yaml:"user_id"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
}

// Defaults returns the embedded lowest-precedence layer.
func Defaults() Snapshot {
	return Snapshot{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			DrainDeadline:      30 * time.Second,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
		},
		API: APIConfig{
			Provider:    "openai-compatible",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
			Timeout:     120 * time.Second,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Conversation: ConversationConfig{
			HistoryRounds: 10,
			Stream:        true,
			ToolHopsMax:   6,
			ConfirmTTL:    300 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:     8,
			QueueDepth:  32,
			MaxRetries:  3,
			RetryBase:   500 * time.Millisecond,
			IdleReap:    60 * time.Second,
			AcquireWait: 2 * time.Second,
			AbortGrace:  5 * time.Second,
		},
		Tools: ToolsConfig{
			ConfirmRequired: []string{"shell.exec"},
			Timeout:         30 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled: true,
			Recall: RecallConfig{
				MinQueryLen: 6,
				TopK:        5,
				Timeout:     2 * time.Second,
			},
			MaintainInterval: 10 * time.Minute,
			IngestBuffer:     256,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "data",
		},
		AgentName: "Promethea",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}
