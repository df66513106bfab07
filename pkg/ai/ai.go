// Package ai provides LLM clients that turn a scan digest into a written
// risk summary.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/retry"
)

// Provider represents an AI provider
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderLocal  Provider = "local"
)

// ParseProvider maps a config value to a Provider. Unknown values and the
// empty string select the local heuristic.
func ParseProvider(s string) Provider {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderOpenAI:
		return ProviderOpenAI
	case ProviderGemini:
		return ProviderGemini
	default:
		return ProviderLocal
	}
}

// Sentinel errors. Callers should use errors.Is().
var (
	ErrMissingAPIKey = errors.New("ai: missing API key")
	ErrEmptyResponse = errors.New("ai: empty response")
)

// Summarizer produces free-text summaries from a prompt.
type Summarizer interface {
	// Provider returns the provider name
	Provider() Provider

	// Summarize sends the prompt and returns the model's answer.
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SystemPrompt frames every request.
const SystemPrompt = "You are a senior application security analyst. " +
	"Write a concise executive summary (at most five sentences) of the scan results you are given. " +
	"Mention the overall risk, the most important findings and the first remediation step. Plain text only."

// Config selects and configures a provider.
type Config struct {
	Provider Provider `yaml:"provider"`
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	BaseURL  string   `yaml:"base_url"`
}

// New returns the Summarizer for cfg.Provider, or nil for ProviderLocal.
func New(ctx context.Context, cfg Config) (Summarizer, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: openai", ErrMissingAPIKey)
		}
		c := NewOpenAIClient(cfg.APIKey, cfg.Model)
		if cfg.BaseURL != "" {
			c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		return c, nil
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, nil
	}
}

// OpenAIClient implements Summarizer for OpenAI-compatible chat completion
// endpoints.
type OpenAIClient struct {
	APIKey     string
	Model      string
	BaseURL    string
	Retry      retry.Config
	httpClient *http.Client
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = defaults.OpenAIModel
	}
	return &OpenAIClient{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: defaults.OpenAIBaseURL,
		Retry:   retry.DefaultConfig(),
		httpClient: &http.Client{
			Timeout: duration.HTTPAPI,
		},
	}
}

func (c *OpenAIClient) Provider() Provider {
	return ProviderOpenAI
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize implements Summarizer.
func (c *OpenAIClient) Summarize(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("%w: openai", ErrMissingAPIKey)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   defaults.AIMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("ai: encode request: %w", err)
	}

	var out chatResponse
	err = retry.Do(ctx, c.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return retry.Stop(err)
		}
		req.Header.Set("Content-Type", defaults.ContentTypeJSON)
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("User-Agent", defaults.UserAgent())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := retry.CheckStatus(resp); err != nil {
			return err
		}
		out = chatResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return retry.Stop(fmt.Errorf("ai: decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ai: openai: %w", err)
	}

	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
