// Package config handles loading and validating chatrelay configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultPort is the listen port when neither the config nor PORT sets one.
const DefaultPort = "3000"

// Config is the root configuration for chatrelay.
type Config struct {
	Log           LogConfig            `json:"log" yaml:"log"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	LINE          LINEConfig           `json:"line" yaml:"line"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Relay         RelayConfig          `json:"relay" yaml:"relay"`
	History       HistoryConfig        `json:"history" yaml:"history"`
	Dispatcher    DispatcherConfig     `json:"dispatcher" yaml:"dispatcher"`
	Media         MediaConfig          `json:"media" yaml:"media"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Port            string `json:"port" yaml:"port"`                         // Override: PORT env var. Default: 3000.
	MaxBodyBytes    int64  `json:"max_body_bytes" yaml:"max_body_bytes"`     // Default: 1 MiB.
	ShutdownSeconds int    `json:"shutdown_seconds" yaml:"shutdown_seconds"` // Default: 10.
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	port := s.Port
	if port == "" {
		port = DefaultPort
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// BodyLimit returns the maximum accepted webhook body size.
func (s *ServerConfig) BodyLimit() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return 1 << 20
}

// ShutdownTimeout returns how long in-flight requests get on shutdown.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownSeconds > 0 {
		return time.Duration(s.ShutdownSeconds) * time.Second
	}
	return 10 * time.Second
}

// LINEConfig holds the Messaging API channel credentials.
type LINEConfig struct {
	ChannelSecret      string `json:"channel_secret" yaml:"channel_secret"`             // Override: CHANNEL_SECRET.
	ChannelAccessToken string `json:"channel_access_token" yaml:"channel_access_token"` // Override: CHANNEL_ACCESS_TOKEN.
	APIBaseURL         string `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`
	DataBaseURL        string `json:"data_base_url,omitempty" yaml:"data_base_url,omitempty"`
}

// ProvidersConfig selects and configures the completion provider.
type ProvidersConfig struct {
	Default   string            `json:"default" yaml:"default"`                       // "azure" (default), "openai", "github", "ollama", "anthropic", "gemini".
	Fallback  []string          `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails before replying.
	Azure     AzureOpenAIConfig `json:"azure" yaml:"azure"`
	OpenAI    OpenAIConfig      `json:"openai" yaml:"openai"`
	GitHub    GitHubConfig      `json:"github" yaml:"github"`
	Ollama    OllamaConfig      `json:"ollama" yaml:"ollama"`
	Anthropic AnthropicConfig   `json:"anthropic" yaml:"anthropic"`
	Gemini    GeminiConfig      `json:"gemini" yaml:"gemini"`
}

// AzureOpenAIConfig addresses an Azure OpenAI deployment.
type AzureOpenAIConfig struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`       // Override: AZURE_OPENAI_ENDPOINT.
	APIKey     string `json:"api_key" yaml:"api_key"`         // Override: AZURE_OPENAI_KEY.
	Deployment string `json:"deployment" yaml:"deployment"`   // Override: AZURE_OPENAI_DEPLOYMENT_NAME.
	APIVersion string `json:"api_version" yaml:"api_version"` // Override: AZURE_OPENAI_API_VERSION.
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

// GitHubConfig targets GitHub Models, an OpenAI-compatible endpoint.
type GitHubConfig struct {
	Token   string `json:"token" yaml:"token"` // Override: GITHUB_TOKEN.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://models.github.ai/inference.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// RelayConfig tunes prompt building and provider calls.
type RelayConfig struct {
	SystemPrompt     string `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens        int    `json:"max_tokens" yaml:"max_tokens"` // Default: 128.
	Stream           *bool  `json:"stream,omitempty" yaml:"stream,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 60.
	ClassifyPrompt   string `json:"classify_prompt" yaml:"classify_prompt"`
	ClassifyQuestion string `json:"classify_question" yaml:"classify_question"`
	ImageDetail      string `json:"image_detail" yaml:"image_detail"` // "low" (default), "high", "auto".
}

// Streaming reports whether replies are streamed. Defaults to true.
func (r *RelayConfig) Streaming() bool {
	if r.Stream == nil {
		return true
	}
	return *r.Stream
}

// Timeout returns the per-call provider timeout.
func (r *RelayConfig) Timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// HistoryConfig bounds the in-memory conversation history.
type HistoryConfig struct {
	MaxTurns             int    `json:"max_turns" yaml:"max_turns"`                           // Default: 10.
	Eviction             string `json:"eviction" yaml:"eviction"`                             // "lagged" (default) or "strict".
	IdleTTLSeconds       int    `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"`             // 0 = conversations never expire.
	SweepIntervalSeconds int    `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Default: 300.
}

// IdleTTL returns how long an untouched conversation is kept. Zero disables sweeping.
func (h *HistoryConfig) IdleTTL() time.Duration {
	if h.IdleTTLSeconds > 0 {
		return time.Duration(h.IdleTTLSeconds) * time.Second
	}
	return 0
}

// SweepInterval returns how often idle conversations are swept.
func (h *HistoryConfig) SweepInterval() time.Duration {
	if h.SweepIntervalSeconds > 0 {
		return time.Duration(h.SweepIntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// DispatcherConfig configures event handling.
type DispatcherConfig struct {
	Mode          string `json:"mode" yaml:"mode"`                     // "chat" (default) or "vision".
	CannedFile    string `json:"canned_file" yaml:"canned_file"`       // Optional YAML/JSON canned reply catalog.
	FailureReply  string `json:"failure_reply" yaml:"failure_reply"`   // Empty = no reply on failure.
	VisionHint    string `json:"vision_hint" yaml:"vision_hint"`       // Default: the built-in hint.
	AudioDuration int    `json:"audio_duration" yaml:"audio_duration"` // Milliseconds. Default: 60000.
}

// MediaConfig selects where echoed media is stored.
type MediaConfig struct {
	Backend          string `json:"backend" yaml:"backend"`                     // "azure", "local" or "none". Empty = inferred.
	ConnectionString string `json:"connection_string" yaml:"connection_string"` // Override: STORAGE_CONNECTION_STRING.
	Container        string `json:"container" yaml:"container"`                 // Default: "files".
	Dir              string `json:"dir" yaml:"dir"`                             // Local backend directory. Default: "public".
	BaseURL          string `json:"base_url" yaml:"base_url"`                   // Override: BASE_URL.
}

// StorageBackend returns the effective media backend: an explicit setting,
// else azure when a connection string is present, else local when a public
// base URL is known, else none.
func (m *MediaConfig) StorageBackend() string {
	switch {
	case m.Backend != "":
		return m.Backend
	case m.ConnectionString != "":
		return "azure"
	case m.BaseURL != "":
		return "local"
	default:
		return "none"
	}
}

// LocalDir returns the local backend directory.
func (m *MediaConfig) LocalDir() string {
	if m.Dir != "" {
		return m.Dir
	}
	return "public"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "chatrelay"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Load reads an optional JSON or YAML config file and applies environment
// overrides. The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. An empty path configures from the environment
// alone. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	override(&c.LINE.ChannelSecret, "CHANNEL_SECRET")
	override(&c.LINE.ChannelAccessToken, "CHANNEL_ACCESS_TOKEN")

	override(&c.Providers.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT")
	override(&c.Providers.Azure.APIKey, "AZURE_OPENAI_KEY")
	override(&c.Providers.Azure.Deployment, "AZURE_OPENAI_DEPLOYMENT_NAME")
	override(&c.Providers.Azure.APIVersion, "AZURE_OPENAI_API_VERSION")
	override(&c.Providers.GitHub.Token, "GITHUB_TOKEN")
	override(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	override(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	override(&c.Providers.Gemini.APIKey, "GEMINI_API_KEY")

	override(&c.Media.ConnectionString, "STORAGE_CONNECTION_STRING")
	override(&c.Media.BaseURL, "BASE_URL")

	override(&c.Server.Port, "PORT")
	override(&c.Log.Level, "LOG_LEVEL")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ValidateLINE checks the channel credentials the webhook server needs.
// The local chat command runs without them.
func (c *Config) ValidateLINE() error {
	if c.LINE.ChannelSecret == "" {
		return fmt.Errorf("line.channel_secret is required (set CHANNEL_SECRET env var)")
	}
	if c.LINE.ChannelAccessToken == "" {
		return fmt.Errorf("line.channel_access_token is required (set CHANNEL_ACCESS_TOKEN env var)")
	}
	return nil
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "azure"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if name == c.Providers.Default {
			return fmt.Errorf("providers.fallback: %q is already the default provider", name)
		}
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("providers.fallback: %w", err)
		}
	}

	if c.Relay.MaxTokens < 0 {
		return fmt.Errorf("relay.max_tokens must not be negative")
	}
	switch c.Relay.ImageDetail {
	case "", "low", "high", "auto":
	default:
		return fmt.Errorf("relay.image_detail %q is not supported (use low, high or auto)", c.Relay.ImageDetail)
	}

	if c.History.MaxTurns < 0 || c.History.MaxTurns == 1 {
		return fmt.Errorf("history.max_turns must be 0 (default) or at least 2")
	}
	switch c.History.Eviction {
	case "", "lagged", "strict":
	default:
		return fmt.Errorf("history.eviction %q is not supported (use lagged or strict)", c.History.Eviction)
	}

	switch c.Dispatcher.Mode {
	case "", "chat", "vision":
	default:
		return fmt.Errorf("dispatcher.mode %q is not supported (use chat or vision)", c.Dispatcher.Mode)
	}

	switch c.Media.StorageBackend() {
	case "azure":
		if c.Media.ConnectionString == "" {
			return fmt.Errorf("media.connection_string is required for the azure backend (set STORAGE_CONNECTION_STRING env var)")
		}
	case "local":
		if c.Media.BaseURL == "" {
			return fmt.Errorf("media.base_url is required for the local backend (set BASE_URL env var)")
		}
	case "none":
	default:
		return fmt.Errorf("media.backend %q is not supported (use azure, local or none)", c.Media.Backend)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	p := c.Providers
	switch name {
	case "azure":
		if p.Azure.Endpoint == "" {
			return fmt.Errorf("providers.azure.endpoint is required (set AZURE_OPENAI_ENDPOINT env var)")
		}
		if p.Azure.APIKey == "" {
			return fmt.Errorf("providers.azure.api_key is required (set AZURE_OPENAI_KEY env var)")
		}
		if p.Azure.Deployment == "" {
			return fmt.Errorf("providers.azure.deployment is required (set AZURE_OPENAI_DEPLOYMENT_NAME env var)")
		}
	case "openai":
		if p.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if p.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "github":
		if p.GitHub.Model == "" {
			return fmt.Errorf("providers.github.model is required")
		}
		if p.GitHub.Token == "" {
			return fmt.Errorf("providers.github.token is required (set GITHUB_TOKEN env var)")
		}
	case "ollama":
		if p.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	case "anthropic":
		if p.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if p.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "gemini":
		if p.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if p.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use azure, openai, github, ollama, anthropic or gemini)", name)
	}
	return nil
}
