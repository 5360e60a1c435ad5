package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, kind := range []string{"", "echo", "anthropic", "openai"} {
		p, err := New(config.ProviderConfig{Kind: kind, AnthropicAPIKey: "k", OpenAIAPIKey: "k"})
		require.NoError(t, err, kind)
		assert.NotNil(t, p)
	}
	_, err := New(config.ProviderConfig{Kind: "llama"})
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	out, err := Echo{}.Generate(context.Background(), models.Persona{Name: "Engineer"}, "## Task\n\nBuild the API\n", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Engineer: Build the API", out)

	_, err = Echo{}.Generate(context.Background(), models.Persona{}, "  ", time.Second)
	assert.Equal(t, "provider:invalid", models.ErrorKind(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{}.Generate(ctx, models.Persona{}, "x", time.Second)
	var pe *models.ProviderError
	assert.True(t, errors.As(err, &pe))
}

func TestKindOfStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.ProviderErrorKind
	}{
		{429, models.ProviderQuota},
		{400, models.ProviderInvalid},
		{401, models.ProviderInvalid},
		{408, models.ProviderTimeout},
		{504, models.ProviderTimeout},
		{500, models.ProviderNetwork},
		{0, models.ProviderNetwork},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kindOfStatus(tt.status), "status %d", tt.status)
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))

	err := classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, "provider:timeout", models.ErrorKind(err))

	err = classify(errors.New("connection refused"))
	assert.Equal(t, "provider:network", models.ErrorKind(err))

	// Already classified errors pass through.
	orig := &models.ProviderError{Kind: models.ProviderQuota}
	assert.Same(t, orig, classify(orig))
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"plan ready"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	p := NewAnthropic(config.ProviderConfig{AnthropicAPIKey: "test", BaseURL: srv.URL, MaxTokens: 64})
	out, err := p.Generate(context.Background(), models.Persona{Name: "PM", Prompt: "You are a PM."}, "plan it", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "plan ready", out)
}

func TestProviderHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, "provider:quota"},
		{http.StatusBadRequest, "provider:invalid"},
		{http.StatusInternalServerError, "provider:network"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"nope"}}`)
		}))

		cfg := config.ProviderConfig{AnthropicAPIKey: "test", OpenAIAPIKey: "test", BaseURL: srv.URL, MaxTokens: 64}
		for name, p := range map[string]Provider{"anthropic": NewAnthropic(cfg), "openai": NewOpenAI(cfg)} {
			_, err := p.Generate(context.Background(), models.Persona{}, "hello", 5*time.Second)
			assert.Equal(t, tt.want, models.ErrorKind(err), "%s status %d: %v", name, tt.status, err)
		}
		srv.Close()
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"copy drafted"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderConfig{OpenAIAPIKey: "test", BaseURL: srv.URL + "/v1"})
	out, err := p.Generate(context.Background(), models.Persona{Prompt: "You write copy."}, "draft it", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "copy drafted", out)
}
