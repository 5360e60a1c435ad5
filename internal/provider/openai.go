package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = openai.ChatModelGPT4oMini

type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
}

func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	var opts []option.RequestOption
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.OpenAIAPIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (o *OpenAI) Generate(ctx context.Context, persona models.Persona, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var messages []openai.ChatCompletionMessageParamUnion
	if persona.Prompt != "" {
		messages = append(messages, openai.SystemMessage(persona.Prompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    firstNonEmpty(persona.Model, o.model, defaultOpenAIModel),
		Messages: messages,
	}
	maxTokens := persona.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if persona.Temperature > 0 {
		params.Temperature = openai.Float(persona.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(fmt.Errorf("openai api error: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", &models.ProviderError{Kind: models.ProviderInvalid, Err: fmt.Errorf("openai returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}
