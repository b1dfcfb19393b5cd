// Package config defines the process and per-bot configuration for the
// agent, loaded from YAML or JSON5 files with include and env expansion.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Default limits applied by Validate when fields are unset.
const (
	DefaultRecencyWindowCharacters = 80_000
	DefaultHardMaxCharacters       = 160_000
	DefaultRollingThreshold        = 40
	DefaultRecencyWindowMessages   = 400
	DefaultMaxToolDepth            = 5
	DefaultMaxImages               = 6
	DefaultMaxEphemeralImages      = 4
	DefaultMaxMCPImages            = 4
	DefaultReplyChainLimit         = 4
	DefaultFetchDepth              = 120
	DefaultQueueSize               = 256
)

// Image payload ceilings, measured in base64 bytes as the provider counts them.
const (
	DefaultMaxImageRequestBytes = 15 << 20
	DefaultMaxSingleImageBytes  = 5 << 20
)

// Config is the process-wide configuration.
type Config struct {
	// Log configures structured logging.
	Log LogConfig `yaml:"log" json:"log"`

	// Tracing configures the OTLP exporter. Empty endpoint disables it.
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Metrics configures the Prometheus scrape listener.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Credits configures the external credit system. Empty endpoint
	// disables credit gating.
	Credits CreditsConfig `yaml:"credits" json:"credits"`

	// CacheDir holds the image cache, url map, tool cache, and
	// activation store.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// TracesDir holds per-activation JSONL trace files.
	TracesDir string `yaml:"traces_dir" json:"traces_dir"`

	// QueueSize bounds the transport event queue.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// Bots lists the bot identities served by this process.
	Bots []BotConfig `yaml:"bots" json:"bots"`
}

// LogConfig mirrors observability.LogConfig in serializable form.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// CreditsConfig configures the external credit-system client.
type CreditsConfig struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	APIKey   string        `yaml:"api_key" json:"api_key"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Enabled reports whether credit gating is configured.
func (c CreditsConfig) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// ModelConfig holds the LLM request parameters for one bot.
type ModelConfig struct {
	Model            string  `yaml:"model" json:"model"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	TopP             float64 `yaml:"top_p" json:"top_p"`
	Mode             string  `yaml:"mode" json:"mode"` // "prefill" or "chat"
	PrefillThinking  bool    `yaml:"prefill_thinking" json:"prefill_thinking"`
	TurnEndToken     string  `yaml:"turn_end_token" json:"turn_end_token"`
	MessageDelimiter string  `yaml:"message_delimiter" json:"message_delimiter"`
	PromptCaching    bool    `yaml:"prompt_caching" json:"prompt_caching"`
	SystemPrompt     string  `yaml:"system_prompt" json:"system_prompt"`
	StopSequences    []string `yaml:"stop_sequences" json:"stop_sequences"`
}

// ReactionConfig names the emoji used for out-of-band signals.
type ReactionConfig struct {
	// ChainLimit is added when the bot-reply-chain depth is at its limit.
	ChainLimit string `yaml:"chain_limit" json:"chain_limit"`
	// ConfigNeeded is added when the credit system reports
	// bot_not_configured.
	ConfigNeeded string `yaml:"config_needed" json:"config_needed"`
	// Stop is added when the provider returns a refusal stop reason.
	Stop string `yaml:"stop" json:"stop"`
	// Hide marks messages excluded from context.
	Hide string `yaml:"hide" json:"hide"`
}

// BotConfig configures one bot identity.
type BotConfig struct {
	// ID is the stable identifier used for state and cache keys.
	ID string `yaml:"id" json:"id"`

	// Name is the participant name shown to the model. The transport
	// username is rewritten to this name in all historical content.
	Name string `yaml:"name" json:"name"`

	// Token is the Discord bot token.
	Token string `yaml:"token" json:"token"`

	Model ModelConfig `yaml:"model" json:"model"`

	Reactions ReactionConfig `yaml:"reactions" json:"reactions"`

	// APIOnly disables channel activation entirely.
	APIOnly bool `yaml:"api_only" json:"api_only"`

	// PreserveThinkingContext keeps invisible assistant content across
	// activations via the activation store.
	PreserveThinkingContext bool `yaml:"preserve_thinking_context" json:"preserve_thinking_context"`

	// ReplyOnRandom activates with probability 1/N per batch (0 = never).
	ReplyOnRandom int `yaml:"reply_on_random" json:"reply_on_random"`

	// ReplyChainLimit bounds the bot-reply-chain depth for mentions.
	ReplyChainLimit int `yaml:"reply_chain_limit" json:"reply_chain_limit"`

	// FetchDepth is the base number of messages fetched per activation.
	FetchDepth int `yaml:"fetch_depth" json:"fetch_depth"`

	// Context window limits.
	RecencyWindowCharacters int `yaml:"recency_window_characters" json:"recency_window_characters"`
	HardMaxCharacters       int `yaml:"hard_max_characters" json:"hard_max_characters"`
	RollingThreshold        int `yaml:"rolling_threshold" json:"rolling_threshold"`
	RecencyWindowMessages   int `yaml:"recency_window_messages" json:"recency_window_messages"`

	// Image budgets.
	CacheImages       bool `yaml:"cache_images" json:"cache_images"`
	MaxImages         int  `yaml:"max_images" json:"max_images"`
	MaxEphemeralImages int `yaml:"max_ephemeral_images" json:"max_ephemeral_images"`
	MaxMCPImages      int  `yaml:"max_mcp_images" json:"max_mcp_images"`

	// MaxAttachmentBytes caps inlined text-file attachments.
	MaxAttachmentBytes int `yaml:"max_attachment_bytes" json:"max_attachment_bytes"`

	// Tool execution.
	MaxToolDepth      int  `yaml:"max_tool_depth" json:"max_tool_depth"`
	ToolOutputVisible bool `yaml:"tool_output_visible" json:"tool_output_visible"`

	// ToolCacheWindow bounds how many recent tool-cache entries are
	// interleaved into the context.
	ToolCacheWindow int `yaml:"tool_cache_window" json:"tool_cache_window"`

	// DebugThinking posts extracted thinking blocks as dotted webhooks
	// (or .md attachments when long) after finalization.
	DebugThinking bool `yaml:"debug_thinking" json:"debug_thinking"`
}

// Validate checks the configuration and applies defaults in place.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Credits.Timeout <= 0 {
		c.Credits.Timeout = 10 * time.Second
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot is required")
	}
	seen := make(map[string]bool, len(c.Bots))
	for i := range c.Bots {
		bot := &c.Bots[i]
		if err := bot.Validate(); err != nil {
			return fmt.Errorf("bot %d: %w", i, err)
		}
		if seen[bot.ID] {
			return fmt.Errorf("duplicate bot id %q", bot.ID)
		}
		seen[bot.ID] = true
	}
	return nil
}

// Validate checks one bot configuration and applies defaults in place.
func (b *BotConfig) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(b.Name) == "" {
		b.Name = b.ID
	}
	if strings.TrimSpace(b.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if b.Model.Model == "" {
		return fmt.Errorf("model is required")
	}
	if b.Model.Mode == "" {
		b.Model.Mode = "prefill"
	}
	if b.Model.Mode != "prefill" && b.Model.Mode != "chat" {
		return fmt.Errorf("mode must be prefill or chat, got %q", b.Model.Mode)
	}
	if b.Model.MaxTokens <= 0 {
		b.Model.MaxTokens = 4096
	}
	if b.ReplyChainLimit <= 0 {
		b.ReplyChainLimit = DefaultReplyChainLimit
	}
	if b.FetchDepth <= 0 {
		b.FetchDepth = DefaultFetchDepth
	}
	if b.RecencyWindowCharacters <= 0 {
		b.RecencyWindowCharacters = DefaultRecencyWindowCharacters
	}
	if b.HardMaxCharacters <= 0 {
		b.HardMaxCharacters = DefaultHardMaxCharacters
	}
	if b.HardMaxCharacters < b.RecencyWindowCharacters {
		b.HardMaxCharacters = b.RecencyWindowCharacters
	}
	if b.RollingThreshold <= 0 {
		b.RollingThreshold = DefaultRollingThreshold
	}
	if b.RecencyWindowMessages <= 0 {
		b.RecencyWindowMessages = DefaultRecencyWindowMessages
	}
	if b.MaxImages <= 0 {
		b.MaxImages = DefaultMaxImages
	}
	if b.MaxEphemeralImages <= 0 {
		b.MaxEphemeralImages = DefaultMaxEphemeralImages
	}
	if b.MaxMCPImages <= 0 {
		b.MaxMCPImages = DefaultMaxMCPImages
	}
	if b.MaxAttachmentBytes <= 0 {
		b.MaxAttachmentBytes = 64 << 10
	}
	if b.MaxToolDepth <= 0 {
		b.MaxToolDepth = DefaultMaxToolDepth
	}
	if b.ToolCacheWindow <= 0 {
		b.ToolCacheWindow = 20
	}
	if b.Reactions.ChainLimit == "" {
		b.Reactions.ChainLimit = "🔁"
	}
	if b.Reactions.ConfigNeeded == "" {
		b.Reactions.ConfigNeeded = "⚙️"
	}
	if b.Reactions.Stop == "" {
		b.Reactions.Stop = "🛑"
	}
	if b.Reactions.Hide == "" {
		b.Reactions.Hide = "🫥"
	}
	return nil
}
