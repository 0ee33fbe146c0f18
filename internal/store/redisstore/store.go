package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"go.uber.org/zap"
)

const catalogKey = "chat:characters:v1"

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// cachedCharacter keeps the fields Character hides from JSON.
type cachedCharacter struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Description string    `json:"description"`
	BasePrompt  string    `json:"base_prompt"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func encodeCharacters(chars []chat.Character) ([]byte, error) {
	out := make([]cachedCharacter, 0, len(chars))
	for _, c := range chars {
		out = append(out, cachedCharacter{
			ID:          c.ID,
			Name:        c.Name,
			DisplayName: c.DisplayName,
			AvatarURL:   c.AvatarURL,
			Description: c.Description,
			BasePrompt:  c.BasePrompt,
			Provider:    c.Provider,
			Model:       c.Model,
			Tags:        c.Tags,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	return json.Marshal(out)
}

func decodeCharacters(b []byte) ([]chat.Character, error) {
	var in []cachedCharacter
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	out := make([]chat.Character, 0, len(in))
	for _, c := range in {
		out = append(out, chat.Character{
			ID:          c.ID,
			Name:        c.Name,
			DisplayName: c.DisplayName,
			AvatarURL:   c.AvatarURL,
			Description: c.Description,
			BasePrompt:  c.BasePrompt,
			Provider:    c.Provider,
			Model:       c.Model,
			Tags:        c.Tags,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}
	return out, nil
}

// GetCharacters reports a miss on any redis error so reads fall back to the database.
func (s *Store) GetCharacters(ctx context.Context) ([]chat.Character, bool) {
	b, err := s.rdb.Get(ctx, catalogKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithCtx(ctx).Warn("catalog cache get", zap.Error(err))
		}
		return nil, false
	}
	chars, err := decodeCharacters(b)
	if err != nil {
		logging.WithCtx(ctx).Warn("catalog cache decode", zap.Error(err))
		return nil, false
	}
	return chars, true
}

func (s *Store) SetCharacters(ctx context.Context, chars []chat.Character) {
	b, err := encodeCharacters(chars)
	if err != nil {
		logging.WithCtx(ctx).Warn("catalog cache encode", zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, catalogKey, b, s.ttl).Err(); err != nil {
		logging.WithCtx(ctx).Warn("catalog cache set", zap.Error(err))
	}
}

func (s *Store) InvalidateCharacters(ctx context.Context) {
	if err := s.rdb.Del(ctx, catalogKey).Err(); err != nil {
		logging.WithCtx(ctx).Warn("catalog cache invalidate", zap.Error(err))
	}
}
