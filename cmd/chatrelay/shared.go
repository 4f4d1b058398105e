package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/chatrelay/internal/config"
	"github.com/jkaninda/chatrelay/internal/history"
	"github.com/jkaninda/chatrelay/internal/llm"
	"github.com/jkaninda/chatrelay/internal/llm/anthropic"
	"github.com/jkaninda/chatrelay/internal/llm/gemini"
	"github.com/jkaninda/chatrelay/internal/llm/openai"
	"github.com/jkaninda/chatrelay/internal/observability"
	"github.com/jkaninda/chatrelay/internal/relay"
)

const (
	githubModelsURL = "https://models.github.ai/inference"
	ollamaURL       = "http://localhost:11434"
)

// SharedComponents holds the subsystems both the webhook server and the
// local chat need. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Provider llm.Provider
	History  *history.Store
	Relay    *relay.Relay

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path from the flag or CHATRELAY_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("CHATRELAY_CONFIG", configPath))
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initShared performs the initialization shared by serve and chat.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	reg := obs.MetricsOrNil().RegistryOrNil()

	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}
	sc.Provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil())
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))

	sc.History = history.New(history.Config{
		MaxTurns: cfg.History.MaxTurns,
		Eviction: history.Eviction(cfg.History.Eviction),
	}, history.NewMetrics(reg))

	sc.Relay = relay.New(sc.Provider, sc.History, relay.Config{
		SystemPrompt:     cfg.Relay.SystemPrompt,
		MaxTokens:        cfg.Relay.MaxTokens,
		Stream:           cfg.Relay.Streaming(),
		Timeout:          cfg.Relay.Timeout(),
		ClassifyPrompt:   cfg.Relay.ClassifyPrompt,
		ClassifyQuestion: cfg.Relay.ClassifyQuestion,
		ImageDetail:      cfg.Relay.ImageDetail,
	}, relay.NewMetrics(reg), logger)

	return sc, nil
}

// newLLMProvider creates the LLM provider based on the configured default.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Build fallback chain if configured.
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	p := cfg.Providers
	switch name {
	case "azure", "":
		return openai.NewClient(
			p.Azure.APIKey,
			"",
			logger,
			openai.WithBaseURL(p.Azure.Endpoint),
			openai.WithAzure(p.Azure.Deployment, p.Azure.APIVersion),
		), nil
	case "openai":
		var opts []openai.Option
		if p.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.OpenAI.BaseURL))
		}
		return openai.NewClient(p.OpenAI.APIKey, p.OpenAI.Model, logger, opts...), nil
	case "github":
		baseURL := p.GitHub.BaseURL
		if baseURL == "" {
			baseURL = githubModelsURL
		}
		return openai.NewClient(
			p.GitHub.Token,
			p.GitHub.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithPath("/chat/completions"),
			openai.WithName("github"),
		), nil
	case "ollama":
		baseURL := p.Ollama.BaseURL
		if baseURL == "" {
			baseURL = ollamaURL
		}
		return openai.NewClient(
			"",
			p.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	case "anthropic":
		return anthropic.NewClient(p.Anthropic.APIKey, p.Anthropic.Model, logger), nil
	case "gemini":
		var opts []gemini.Option
		if p.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(p.Gemini.BaseURL))
		}
		return gemini.NewClient(p.Gemini.APIKey, p.Gemini.Model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
