package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
)

const defaultAnthropicModel = anthropic.ModelClaudeSonnet4_20250514

type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropic(cfg config.ProviderConfig) *Anthropic {
	var opts []option.RequestOption
	if cfg.AnthropicAPIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.AnthropicAPIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries are the tracker's job.
	opts = append(opts, option.WithMaxRetries(0))

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (a *Anthropic) Generate(ctx context.Context, persona models.Persona, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	model := anthropic.Model(firstNonEmpty(persona.Model, a.model, string(defaultAnthropicModel)))
	maxTokens := persona.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if persona.Prompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: persona.Prompt}}
	}
	if persona.Temperature > 0 {
		params.Temperature = anthropic.Float(persona.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(fmt.Errorf("anthropic api error: %w", err))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", &models.ProviderError{Kind: models.ProviderInvalid, Err: fmt.Errorf("anthropic returned no text")}
	}
	return sb.String(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
