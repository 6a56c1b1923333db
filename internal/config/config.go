// Package config loads OwliaBot's YAML configuration file into the typed
// structs the composition root wires into each subsystem.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/audit"
	"github.com/owliabot/owliabot/internal/backoff"
	"github.com/owliabot/owliabot/internal/mcp"
	"github.com/owliabot/owliabot/internal/policy"
)

// Config is the root configuration structure for the owliabot binary.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Agent    AgentConfig     `yaml:"agent"`
	Channels ChannelsConfig  `yaml:"channels"`
	MCP      mcp.Config      `yaml:"mcp"`
	Audit    audit.Config    `yaml:"audit"`
	Policies []policy.Policy `yaml:"policies"`
}

// ServerConfig configures process-wide logging and the session store.
type ServerConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	SessionDSN string `yaml:"session_dsn"`
}

// GatewayConfig configures the HTTP device channel.
type GatewayConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Addr             string  `yaml:"addr"`
	AdminToken       string  `yaml:"admin_token"`
	MessageRateLimit float64 `yaml:"message_rate_limit"`
	MessageRateBurst int     `yaml:"message_rate_burst"`
}

// ProviderConfig names one LLM provider entry in the failover priority list.
type ProviderConfig struct {
	Name       string `yaml:"name"` // "anthropic" or "openai"
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	MaxRetries int    `yaml:"max_retries"`
}

// AgentConfig configures the agentic loop and its provider failover chain.
type AgentConfig struct {
	AgentID            string                `yaml:"agent_id"`
	MaxIterations      int                   `yaml:"max_iterations"`
	MaxTokens          int                   `yaml:"max_tokens"`
	MaxToolCalls       int                   `yaml:"max_tool_calls"`
	MaxWallTime        time.Duration         `yaml:"max_wall_time"`
	MaxConcurrency     int                   `yaml:"max_concurrency"`
	DefaultTimeout     time.Duration         `yaml:"default_timeout"`
	DefaultRetries     int                   `yaml:"default_retries"`
	Providers          []ProviderConfig      `yaml:"providers"`
	FailoverMaxRetries int                   `yaml:"failover_max_retries"`
	FailoverRetryWait  time.Duration         `yaml:"failover_retry_wait"`
	RestartPolicy      backoff.BackoffPolicy `yaml:"restart_policy"`
}

// ChannelsConfig configures the chat-platform adapters registered with the
// agentic loop, so write-gate confirmations can round-trip through them.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// Load reads path, expands ${VAR} environment references (so secrets stay
// out of the file on disk), and unmarshals the result into a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the same defaults the teacher's
// subsystem constructors fall back to when fields are left at zero value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Gateway: GatewayConfig{
			Addr:             ":8088",
			MessageRateLimit: 2,
			MessageRateBurst: 10,
		},
		Agent: AgentConfig{
			AgentID:            "default",
			MaxIterations:      10,
			MaxTokens:          4096,
			MaxConcurrency:     5,
			DefaultTimeout:     30 * time.Second,
			DefaultRetries:     2,
			FailoverMaxRetries: 2,
			FailoverRetryWait:  100 * time.Millisecond,
			RestartPolicy:      backoff.DefaultPolicy(),
		},
		Audit: audit.DefaultConfig(),
		MCP: mcp.Config{
			HealthPollInterval: 10 * time.Second,
		},
	}
}

// BuildProvider constructs the runtime LLM provider for one ProviderConfig
// entry; providers.New* constructors own their own option validation.
func BuildProvider(pc ProviderConfig) (agent.LLMProvider, error) {
	switch pc.Name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			MaxRetries: pc.MaxRetries,
		})
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Name)
	}
}
