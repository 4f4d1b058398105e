package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/chatrelay/internal/config"
	"github.com/jkaninda/chatrelay/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildProvider(t *testing.T) {
	cfg := &config.Config{}
	tests := map[string]string{
		"azure":     "azure",
		"openai":    "openai",
		"github":    "github",
		"ollama":    "ollama",
		"anthropic": "anthropic",
		"gemini":    "gemini",
	}
	for name, want := range tests {
		p, err := buildProvider(name, cfg, discardLogger())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Name() != want {
			t.Errorf("%s: Name() = %q, want %q", name, p.Name(), want)
		}
	}

	if _, err := buildProvider("bard", cfg, discardLogger()); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("expected unknown provider error, got %v", err)
	}
}

func TestNewLLMProvider_Fallback(t *testing.T) {
	cfg := &config.Config{Providers: config.ProvidersConfig{
		Default:  "ollama",
		Fallback: []string{"anthropic", "bard"},
	}}
	p, err := newLLMProvider(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*llm.FallbackProvider); !ok {
		t.Fatalf("expected a fallback chain, got %T", p)
	}

	cfg.Providers.Fallback = []string{"bard"}
	p, err = newLLMProvider(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "ollama" {
		t.Errorf("unusable fallbacks should leave the primary, got %q", p.Name())
	}
}

func TestInitShared(t *testing.T) {
	cfg := &config.Config{Providers: config.ProvidersConfig{Default: "ollama"}}
	sc, err := initShared(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Cleanup()

	if sc.Relay == nil || sc.History == nil || sc.Obs == nil || sc.Obs.Health == nil {
		t.Fatalf("incomplete shared components %+v", sc)
	}
	if sc.Provider.Name() != "ollama" {
		t.Errorf("provider = %q", sc.Provider.Name())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
