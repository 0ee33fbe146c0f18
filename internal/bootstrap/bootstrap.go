// Package bootstrap assembles the chat service from configuration. The server
// and the worker share it so both answer turns the same way.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"github.com/suPer8Hu/character-chat/internal/store/redisstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewRegistry registers every provider the configuration can reach. Gemini
// and OpenAI-compatible providers are skipped without an API key.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		if model == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})

	if cfg.GeminiAPIKey != "" {
		// one genai client per process, created on first use
		gemini := &lazyClient[*ai.GeminiProvider]{build: func() (*ai.GeminiProvider, error) {
			return ai.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		}}
		reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
			base, err := gemini.get()
			if err != nil {
				return nil, err
			}
			return base.WithModel(model), nil
		})
	}

	if cfg.OpenAIAPIKey != "" {
		base, err := ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAISiteURL, cfg.OpenAIAppName)
		if err != nil {
			logging.L().Warn("openai provider disabled", zap.Error(err))
		} else {
			reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
				return base.WithModel(model), nil
			})
		}
	}

	return reg
}

// lazyClient builds a value on first use. A failed build is not kept, so the
// next caller tries again.
type lazyClient[T any] struct {
	mu    sync.Mutex
	value T
	ready bool
	build func() (T, error)
}

func (l *lazyClient[T]) get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return l.value, nil
	}
	v, err := l.build()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value, l.ready = v, true
	return v, nil
}

func NewRelay(cfg config.Config, reg *ai.Registry) *chat.Relay {
	return chat.NewRelay(reg, chat.RelayConfig{
		DefaultProvider: cfg.AIProvider,
		Timeout:         cfg.AITimeout,
		Generation: ai.GenerationConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
			MaxOutputTokens: cfg.MaxOutputTokens,
			ResponseFormat:  cfg.ResponseFormat,
		},
	})
}

// NewService builds the chat service. With REDIS_ADDR set the character list
// is cached in redis; the returned func releases it.
func NewService(ctx context.Context, cfg config.Config, gdb *gorm.DB) (*chat.Service, func(), error) {
	reg := NewRegistry(cfg)
	if !contains(reg.Names(), cfg.AIProvider) {
		return nil, nil, fmt.Errorf("AI_PROVIDER=%q is not configured (available: %v)", cfg.AIProvider, reg.Names())
	}

	svc := chat.NewService(chat.NewRepo(gdb), NewRelay(cfg, reg), cfg.ChatContextWindowSize).
		WithJobLease(cfg.AITimeout + time.Minute)
	cleanup := func() {}

	if cfg.RedisAddr != "" {
		store := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CatalogCacheTTL)
		if err := store.Ping(ctx); err != nil {
			logging.L().Warn("redis unavailable, catalog cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = store.Close()
		} else {
			svc.WithCatalogCache(store)
			cleanup = func() { _ = store.Close() }
		}
	}

	return svc, cleanup, nil
}

// SeedCharacters loads the YAML catalog at path, creating missing characters.
func SeedCharacters(ctx context.Context, svc *chat.Service, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	seeds, err := config.LoadCharacters(path)
	if err != nil {
		return 0, err
	}
	in := make([]chat.CreateCharacterInput, 0, len(seeds))
	for _, s := range seeds {
		in = append(in, chat.CreateCharacterInput{
			Name:        s.Name,
			DisplayName: s.DisplayName,
			AvatarURL:   s.AvatarURL,
			Description: s.Description,
			BasePrompt:  s.BasePrompt,
			Provider:    s.Provider,
			Model:       s.Model,
			Tags:        s.Tags,
		})
	}
	return svc.SeedCharacters(ctx, in)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
