package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/character-chat/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const MaxPromptLength = 8000

// CatalogCache is an optional read-through cache for the character list.
type CatalogCache interface {
	GetCharacters(ctx context.Context) ([]Character, bool)
	SetCharacters(ctx context.Context, chars []Character)
	InvalidateCharacters(ctx context.Context)
}

type Service struct {
	repo              *Repo
	sessions          *SessionManager
	relay             *Relay
	cache             CatalogCache
	contextWindowSize int
	jobLease          time.Duration
}

func NewService(repo *Repo, relay *Relay, contextWindowSize int) *Service {
	if contextWindowSize < 0 || contextWindowSize > 500 {
		contextWindowSize = 50
	}
	return &Service{
		repo:              repo,
		sessions:          NewSessionManager(repo),
		relay:             relay,
		contextWindowSize: contextWindowSize,
		jobLease:          DefaultJobLease,
	}
}

func (s *Service) WithCatalogCache(c CatalogCache) *Service {
	s.cache = c
	return s
}

// WithJobLease sets how long a worker may hold a job before another delivery
// can take it over. It must outlast a model call.
func (s *Service) WithJobLease(d time.Duration) *Service {
	if d > 0 {
		s.jobLease = d
	}
	return s
}

func (s *Service) Sessions() *SessionManager { return s.sessions }

// Users

type UpsertUserInput struct {
	ID    string
	Name  string
	Email string
	Image string
}

// UpsertUser records the identity provider's view of a signed-in user.
func (s *Service) UpsertUser(ctx context.Context, in UpsertUserInput) (*User, error) {
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Email) == "" {
		return nil, validationf("missing user data: id and email are required")
	}
	u := &User{ID: in.ID, Name: in.Name, Email: in.Email, ImageURL: in.Image}
	if err := s.repo.UpsertUser(ctx, u); err != nil {
		return nil, persistence("failed to save user", err)
	}
	saved, err := s.repo.GetUser(ctx, in.ID)
	if err != nil {
		return nil, persistence("failed to load user", err)
	}
	return saved, nil
}

func (s *Service) ListUserConversations(ctx context.Context, userID string, ascending bool, limit int) ([]Conversation, error) {
	if _, err := s.sessions.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	if limit < 0 || limit > 100 {
		limit = 100
	}
	convs, err := s.repo.ListConversationsByUser(ctx, userID, ascending, limit)
	if err != nil {
		return nil, persistence("failed to list conversations", err)
	}
	return convs, nil
}

// Characters

type CreateCharacterInput struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl"`
	Description string   `json:"description"`
	BasePrompt  string   `json:"basePrompt"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (in CreateCharacterInput) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", in.Name},
		{"basePrompt", in.BasePrompt},
		{"displayName", in.DisplayName},
		{"avatarUrl", in.AvatarURL},
		{"description", in.Description},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (in CreateCharacterInput) character() *Character {
	return &Character{
		Name:        strings.TrimSpace(in.Name),
		DisplayName: in.DisplayName,
		AvatarURL:   in.AvatarURL,
		Description: in.Description,
		BasePrompt:  in.BasePrompt,
		Provider:    strings.ToLower(strings.TrimSpace(in.Provider)),
		Model:       strings.TrimSpace(in.Model),
		Tags:        in.Tags,
	}
}

func (s *Service) CreateCharacter(ctx context.Context, in CreateCharacterInput) (*Character, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	ch := in.character()
	created, err := s.repo.CreateCharacterIfAbsent(ctx, ch)
	if err != nil {
		return nil, persistence("failed to create character", err)
	}
	if !created {
		return nil, validationf("character %q already exists", ch.Name)
	}
	if s.cache != nil {
		s.cache.InvalidateCharacters(ctx)
	}
	return ch, nil
}

// SeedCharacters creates each missing character and returns how many were new.
func (s *Service) SeedCharacters(ctx context.Context, in []CreateCharacterInput) (int, error) {
	n := 0
	for _, c := range in {
		if err := c.validate(); err != nil {
			return n, err
		}
		created, err := s.repo.CreateCharacterIfAbsent(ctx, c.character())
		if err != nil {
			return n, persistence("failed to seed character", err)
		}
		if created {
			n++
		}
	}
	if n > 0 && s.cache != nil {
		s.cache.InvalidateCharacters(ctx)
	}
	return n, nil
}

func (s *Service) ListCharacters(ctx context.Context) ([]Character, error) {
	if s.cache != nil {
		if chars, ok := s.cache.GetCharacters(ctx); ok {
			return chars, nil
		}
	}
	chars, err := s.repo.ListCharacters(ctx)
	if err != nil {
		return nil, persistence("failed to list characters", err)
	}
	if s.cache != nil {
		s.cache.SetCharacters(ctx, chars)
	}
	return chars, nil
}

func (s *Service) GetCharacter(ctx context.Context, name string) (*Character, error) {
	return s.sessions.character(ctx, name)
}

// Turns

type TurnRequest struct {
	UserID         string
	CharacterKey   string
	ConversationID string
	Prompt         string
}

type TurnResult struct {
	ConversationID string `json:"conversationId"`
	AssistantText  string `json:"assistantText"`
	MessageID      uint64 `json:"messageId"`
}

func validatePrompt(prompt string) (string, error) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return "", validationf("prompt is required")
	}
	if utf8.RuneCountInString(p) > MaxPromptLength {
		return "", validationf("prompt exceeds %d characters", MaxPromptLength)
	}
	return p, nil
}

// conversationForTurn resolves the conversation a turn targets. An explicit
// conversation id must belong to the user; otherwise the (user, character)
// conversation is found or created.
func (s *Service) conversationForTurn(ctx context.Context, userID, characterKey, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return s.sessions.ResolveConversation(ctx, userID, characterKey)
	}
	if _, err := s.sessions.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	conv, err := s.sessions.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		// hide existence
		return nil, notFound("conversation not found")
	}
	if characterKey != "" && conv.Character.Name != characterKey {
		return nil, validationf("conversation does not belong to character %q", characterKey)
	}
	return conv, nil
}

// SendTurn runs one synchronous exchange. The user message is persisted before
// the model is called and stays persisted if the model fails.
func (s *Service) SendTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversationForTurn(ctx, req.UserID, req.CharacterKey, req.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := &Message{
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		Role:           RoleUser,
		Text:           prompt,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, persistence("failed to save message", err)
	}

	modelMsg, err := s.answer(ctx, conv, userMsg)
	if err != nil {
		return nil, err
	}
	return &TurnResult{ConversationID: conv.ID, AssistantText: modelMsg.Text, MessageID: modelMsg.ID}, nil
}

// RetryTurn answers the newest user message again when it has no reply yet.
func (s *Service) RetryTurn(ctx context.Context, userID, conversationID string) (*TurnResult, error) {
	conv, err := s.conversationForTurn(ctx, userID, "", conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, persistence("failed to load messages", err)
	}
	msgs = sortMessages(msgs)
	if len(msgs) <= 1 {
		return nil, validationf("nothing to retry")
	}
	last := msgs[len(msgs)-1]
	if NormalizeRole(last.Role) != RoleUser {
		return nil, validationf("latest turn is already answered")
	}

	modelMsg, err := s.answer(ctx, conv, &last)
	if err != nil {
		return nil, err
	}
	return &TurnResult{ConversationID: conv.ID, AssistantText: modelMsg.Text, MessageID: modelMsg.ID}, nil
}

// answer relays userMsg with the history that precedes it and stores the reply.
func (s *Service) answer(ctx context.Context, conv *Conversation, userMsg *Message) (*Message, error) {
	msgs, cut, err := s.loadUpTo(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}
	modelMsg, err := s.generate(ctx, conv, userMsg, msgs[:cut])
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertMessage(ctx, modelMsg); err != nil {
		return nil, persistence("failed to save reply", err)
	}
	return modelMsg, nil
}

// loadUpTo returns the conversation's messages in order and the index of
// the message with id userMsgID.
func (s *Service) loadUpTo(ctx context.Context, convID string, userMsgID uint64) ([]Message, int, error) {
	msgs, err := s.repo.ListMessages(ctx, convID)
	if err != nil {
		return nil, 0, persistence("failed to load history", err)
	}
	msgs = sortMessages(msgs)
	for i, m := range msgs {
		if m.ID == userMsgID {
			return msgs, i, nil
		}
	}
	return nil, 0, persistence("failed to load history", errors.New("user message missing from conversation"))
}

// generate asks the model for the reply to userMsg and returns it unsaved.
func (s *Service) generate(ctx context.Context, conv *Conversation, userMsg *Message, before []Message) (*Message, error) {
	history := TrimWindow(BuildModelHistory(conv.Character, before), s.contextWindowSize)

	reply, err := s.relay.Send(ctx, conv.Character, history, userMsg.Text)
	if err != nil {
		logging.WithCtx(ctx).Warn("turn failed, user message kept",
			zap.String("conversation_id", conv.ID),
			zap.Uint64("user_message_id", userMsg.ID),
			zap.Error(err))
		return nil, err
	}
	return &Message{
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		Role:           RoleModel,
		Text:           reply,
	}, nil
}

// History

type HistoryView struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []UIMessage   `json:"history"`
}

func (s *Service) history(ctx context.Context, conv *Conversation) (*HistoryView, error) {
	msgs, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, persistence("failed to load messages", err)
	}
	return &HistoryView{Conversation: conv, Messages: BuildUIHistory(msgs)}, nil
}

// HistoryByConversation returns the visible history. A non-empty userID must own it.
func (s *Service) HistoryByConversation(ctx context.Context, userID, conversationID string) (*HistoryView, error) {
	conv, err := s.sessions.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if userID != "" && conv.UserID != userID {
		return nil, notFound("conversation not found")
	}
	return s.history(ctx, conv)
}

// HistoryByCharacter resolves (creating if needed) the user's conversation
// with a character and returns its visible history.
func (s *Service) HistoryByCharacter(ctx context.Context, userID, characterKey string) (*HistoryView, error) {
	conv, err := s.sessions.ResolveConversation(ctx, userID, characterKey)
	if err != nil {
		return nil, err
	}
	return s.history(ctx, conv)
}

// ResetConversation clears the visible history. A non-empty userID must own it.
func (s *Service) ResetConversation(ctx context.Context, userID, conversationID string) error {
	if userID != "" {
		conv, err := s.sessions.LoadConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.UserID != userID {
			return notFound("conversation not found")
		}
	}
	return s.sessions.ResetConversation(ctx, conversationID)
}

// Async turns

// EnqueueTurn persists the user message and a queued job together. With an
// idempotency key a replay returns the original job and writes nothing.
func (s *Service) EnqueueTurn(ctx context.Context, req TurnRequest, idempotencyKey string) (*Job, bool, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return nil, false, err
	}
	if len(idempotencyKey) > 128 {
		return nil, false, validationf("idempotency key too long")
	}
	conv, err := s.conversationForTurn(ctx, req.UserID, req.CharacterKey, req.ConversationID)
	if err != nil {
		return nil, false, err
	}

	var key *string
	if idempotencyKey != "" {
		key = &idempotencyKey
	}
	job := &Job{
		ID:             NewID(),
		UserID:         req.UserID,
		ConversationID: conv.ID,
		IdempotencyKey: key,
		Status:         JobQueued,
	}
	userMsg := &Message{
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		Role:           RoleUser,
		Text:           prompt,
	}
	got, created, err := s.repo.CreateJobOrGetExisting(ctx, job, userMsg)
	if err != nil {
		return nil, false, persistence("failed to enqueue turn", err)
	}
	return got, created, nil
}

func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, validationf("job_id required")
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("job not found")
		}
		return nil, persistence("failed to load job", err)
	}
	if userID != "" && j.UserID != userID {
		return nil, notFound("job not found")
	}
	return j, nil
}

// CompleteJob answers a queued job. A delivery that cannot claim the job,
// because it is finished or another delivery holds its lease, is skipped, so a
// redelivered message never produces a second reply.
func (s *Service) CompleteJob(ctx context.Context, jobID string) (skipped bool, err error) {
	token, claimed, err := s.repo.ClaimJob(ctx, jobID, s.jobLease)
	if err != nil {
		return false, persistence("failed to claim job", err)
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, notFound("job not found")
		}
		return false, persistence("failed to load job", err)
	}
	if !claimed {
		logging.WithCtx(ctx).Info("job not claimed, skipping",
			zap.String("job_id", j.ID), zap.String("status", string(j.Status)))
		return true, nil
	}

	if err := s.completeJob(ctx, j, token); err != nil {
		if errors.Is(err, ErrPersistence) {
			// nothing was stored; let the next delivery claim it at once
			if relErr := s.repo.ReleaseJob(ctx, j.ID, token); relErr != nil {
				logging.WithCtx(ctx).Error("release job", zap.String("job_id", j.ID), zap.Error(relErr))
			}
			return false, err
		}
		if markErr := s.repo.MarkJobFailed(ctx, j.ID, token, err.Error()); markErr != nil {
			logging.WithCtx(ctx).Error("mark job failed", zap.String("job_id", j.ID), zap.Error(markErr))
		}
		return false, err
	}
	return false, nil
}

func (s *Service) completeJob(ctx context.Context, j *Job, token string) error {
	conv, err := s.sessions.LoadConversation(ctx, j.ConversationID)
	if err != nil {
		return err
	}
	userMsg, err := s.repo.GetMessage(ctx, j.UserMessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// cleared by a reset after enqueueing
			return notFound("user message not found")
		}
		return persistence("failed to load user message", err)
	}

	msgs, cut, err := s.loadUpTo(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return err
	}
	modelMsg := replyAfter(msgs, cut)
	if modelMsg == nil {
		if modelMsg, err = s.generate(ctx, conv, userMsg, msgs[:cut]); err != nil {
			return err
		}
	}
	if err := s.repo.FinishJob(ctx, j.ID, token, modelMsg); err != nil {
		return persistence("failed to save reply", err)
	}
	return nil
}

// replyAfter returns the model message answering msgs[cut], if one is stored.
func replyAfter(msgs []Message, cut int) *Message {
	if cut+1 >= len(msgs) || NormalizeRole(msgs[cut+1].Role) != RoleModel {
		return nil
	}
	m := msgs[cut+1]
	return &m
}
