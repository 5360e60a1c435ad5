package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
)

// Provider generates text for an agent persona. Failures are returned as
// *models.ProviderError.
type Provider interface {
	Generate(ctx context.Context, persona models.Persona, prompt string, timeout time.Duration) (string, error)
}

// New returns the provider selected by cfg.Kind.
func New(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "echo", "":
		return Echo{}, nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context, persona models.Persona, prompt string, timeout time.Duration) (string, error)

func (f Func) Generate(ctx context.Context, persona models.Persona, prompt string, timeout time.Duration) (string, error) {
	return f(ctx, persona, prompt, timeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
