package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// NewID returns a new ULID string, used for conversation and job ids.
func NewID() string {
	return ulid.Make().String()
}

// SessionManager owns the one-conversation-per-(user, character) rule.
type SessionManager struct {
	repo *Repo
}

func NewSessionManager(repo *Repo) *SessionManager {
	return &SessionManager{repo: repo}
}

func (m *SessionManager) requireUser(ctx context.Context, userID string) (*User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationf("userId is required")
	}
	u, err := m.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, unauthorized("user not found")
		}
		return nil, persistence("failed to load user", err)
	}
	return u, nil
}

func (m *SessionManager) character(ctx context.Context, key string) (*Character, error) {
	if strings.TrimSpace(key) == "" {
		return nil, validationf("characterKey is required")
	}
	ch, err := m.repo.GetCharacterByName(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("character not found")
		}
		return nil, persistence("failed to load character", err)
	}
	return ch, nil
}

// ResolveConversation returns the conversation for (userID, characterKey),
// creating it and its seed message on first contact. The returned
// conversation has Character loaded.
func (m *SessionManager) ResolveConversation(ctx context.Context, userID, characterKey string) (*Conversation, error) {
	if _, err := m.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	ch, err := m.character(ctx, characterKey)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ID:          NewID(),
		UserID:      userID,
		CharacterID: ch.ID,
	}
	seed := &Message{
		CharacterID: ch.ID,
		Role:        RoleUser,
		Text:        ch.BasePrompt,
	}
	got, _, err := m.repo.CreateConversationOrGetExisting(ctx, conv, seed)
	if err != nil {
		return nil, persistence("failed to resolve conversation", err)
	}
	got.Character = ch
	return got, nil
}

// LoadConversation fetches a conversation by id with its character.
func (m *SessionManager) LoadConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, validationf("conversationId is required")
	}
	conv, err := m.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("conversation not found")
		}
		return nil, persistence("failed to load conversation", err)
	}
	if conv.Character == nil {
		return nil, notFound("character not found")
	}
	return conv, nil
}

// ResetConversation deletes every message except the seed.
func (m *SessionManager) ResetConversation(ctx context.Context, conversationID string) error {
	if _, err := m.LoadConversation(ctx, conversationID); err != nil {
		return err
	}
	if _, err := m.repo.DeleteMessagesExceptSeed(ctx, conversationID); err != nil {
		return persistence("failed to reset conversation", err)
	}
	return nil
}
