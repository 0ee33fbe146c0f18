package ai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// WithModel returns a provider sharing the same client but targeting another model.
func (g *GeminiProvider) WithModel(model string) *GeminiProvider {
	if model == "" {
		return g
	}
	return &GeminiProvider{client: g.client, model: model}
}

func (g *GeminiProvider) StartChat(ctx context.Context, history []Message, cfg GenerationConfig) (ChatSession, error) {
	contents := make([]*genai.Content, len(history))
	for i, msg := range history {
		role := genai.RoleModel
		if msg.Role == RoleUser {
			role = genai.RoleUser
		}
		contents[i] = &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		}
	}

	chat, err := g.client.Chats.Create(ctx, g.model, geminiConfig(cfg), contents)
	if err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}
	return &geminiSession{chat: chat}, nil
}

func geminiConfig(cfg GenerationConfig) *genai.GenerateContentConfig {
	if cfg == (GenerationConfig{}) {
		return nil
	}
	out := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(cfg.MaxOutputTokens),
	}
	if cfg.Temperature > 0 {
		out.Temperature = genai.Ptr(cfg.Temperature)
	}
	if cfg.TopP > 0 {
		out.TopP = genai.Ptr(cfg.TopP)
	}
	if cfg.TopK > 0 {
		out.TopK = genai.Ptr(float32(cfg.TopK))
	}
	switch cfg.ResponseFormat {
	case "json":
		out.ResponseMIMEType = "application/json"
	case "text":
		out.ResponseMIMEType = "text/plain"
	}
	return out
}

type geminiSession struct {
	chat *genai.Chat
}

func (s *geminiSession) SendMessage(ctx context.Context, prompt string) (string, error) {
	resp, err := s.chat.SendMessage(ctx, genai.Part{Text: prompt})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.Text(), nil
}
