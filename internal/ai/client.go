// Package ai wraps the hosted LLM vendors used for classification and
// reply drafting behind one small interface.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConfigured   = errors.New("ai client not configured")
	ErrAPICallFailed   = errors.New("ai api call failed")
	ErrInvalidResponse = errors.New("invalid ai api response")
	ErrUnsupported     = errors.New("unsupported ai provider")
	ErrBusy            = errors.New("ai client saturated")
)

// Request is a single-turn completion.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Provider is one LLM vendor.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Provider      string        `yaml:"provider"` // anthropic, openai, stub
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

// New builds the configured provider. It returns (nil, nil) when AI is
// switched off so callers fall through to their deterministic paths.
func New(cfg Config, opts ...GuardOption) (Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var p Provider
	switch cfg.Provider {
	case "", "stub", "none":
		return nil, nil
	case "anthropic", "claude":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic api key missing", ErrNotConfigured)
		}
		p = NewAnthropic(cfg)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: openai api key missing", ErrNotConfigured)
		}
		p = NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, cfg.Provider)
	}

	return NewGuarded(p, cfg.MaxConcurrent, opts...), nil
}
