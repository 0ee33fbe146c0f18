package ai

import "context"

// Role is the canonical turn role handed to providers. Adapters translate it
// to whatever token their API expects.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig is shared by every provider. Zero values mean "provider default".
type GenerationConfig struct {
	Temperature     float32
	TopP            float32
	TopK            int
	MaxOutputTokens int
	// ResponseFormat is "" / "text" for plain text or "json" for a JSON object.
	ResponseFormat string
}

// Provider opens chat sessions against an external language model.
type Provider interface {
	StartChat(ctx context.Context, history []Message, cfg GenerationConfig) (ChatSession, error)
}

// ChatSession is a conversation seeded with history. SendMessage submits the
// newest user turn and returns the raw reply text.
type ChatSession interface {
	SendMessage(ctx context.Context, prompt string) (string, error)
}

// historySession is the session used by stateless HTTP providers: it keeps the
// transcript locally and resubmits it on every turn.
type historySession struct {
	messages []Message
	send     func(ctx context.Context, messages []Message) (string, error)
}

func newHistorySession(history []Message, send func(ctx context.Context, messages []Message) (string, error)) *historySession {
	return &historySession{
		messages: append([]Message(nil), history...),
		send:     send,
	}
}

func (s *historySession) SendMessage(ctx context.Context, prompt string) (string, error) {
	msgs := append(s.messages, Message{Role: RoleUser, Content: prompt})
	reply, err := s.send(ctx, msgs)
	if err != nil {
		return "", err
	}
	s.messages = append(msgs, Message{Role: RoleModel, Content: reply})
	return reply, nil
}

// assistantRole maps canonical roles for OpenAI-style chat APIs, which reject "model".
func assistantRole(r Role) string {
	if r == RoleModel {
		return "assistant"
	}
	return "user"
}
