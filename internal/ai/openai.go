package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API
// (OpenRouter, vLLM, OpenAI itself).
type OpenAIProvider struct {
	client *openai.Client
	Model  string
}

func NewOpenAIProvider(baseURL, apiKey, model, siteURL, appName string) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("openai: model is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	// no client timeout: the caller's context deadline bounds each request
	cfg.HTTPClient = &http.Client{
		Transport: &headerTransport{siteURL: siteURL, appName: appName, base: http.DefaultTransport},
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), Model: model}, nil
}

// WithModel returns a provider sharing the same client but targeting another model.
func (p *OpenAIProvider) WithModel(model string) *OpenAIProvider {
	if strings.TrimSpace(model) == "" {
		return p
	}
	return &OpenAIProvider{client: p.client, Model: model}
}

func (p *OpenAIProvider) StartChat(ctx context.Context, history []Message, cfg GenerationConfig) (ChatSession, error) {
	_ = ctx
	return newHistorySession(history, func(ctx context.Context, messages []Message) (string, error) {
		return p.chat(ctx, messages, cfg)
	}), nil
}

func (p *OpenAIProvider) chat(ctx context.Context, messages []Message, cfg GenerationConfig) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.Model,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxOutputTokens,
		Messages: func() []openai.ChatCompletionMessage {
			out := make([]openai.ChatCompletionMessage, 0, len(messages))
			for _, m := range messages {
				out = append(out, openai.ChatCompletionMessage{Role: assistantRole(m.Role), Content: m.Content})
			}
			return out
		}(),
	}
	if cfg.ResponseFormat == "json" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// headerTransport adds the attribution headers OpenRouter asks for.
type headerTransport struct {
	siteURL string
	appName string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.siteURL == "" && t.appName == "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	if t.siteURL != "" {
		r.Header.Set("HTTP-Referer", t.siteURL)
	}
	if t.appName != "" {
		r.Header.Set("X-Title", t.appName)
	}
	return t.base.RoundTrip(r)
}
