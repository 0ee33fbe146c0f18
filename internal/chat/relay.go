package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"go.uber.org/zap"
)

var errEmptyReply = errors.New("model returned an empty reply")

type RelayConfig struct {
	DefaultProvider string
	Generation      ai.GenerationConfig
	Timeout         time.Duration
}

// Relay is the only path to the external model. Every failure it returns is
// an ErrAIProcessing.
type Relay struct {
	registry *ai.Registry
	cfg      RelayConfig
}

func NewRelay(registry *ai.Registry, cfg RelayConfig) *Relay {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "ollama"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Relay{registry: registry, cfg: cfg}
}

// Send opens a session seeded with history, submits prompt as the newest user
// turn and returns the trimmed reply.
func (r *Relay) Send(ctx context.Context, ch *Character, history []Turn, prompt string) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = aiFailure(fmt.Errorf("provider panic: %v", p))
		}
	}()

	providerName := ch.Provider
	if providerName == "" {
		providerName = r.cfg.DefaultProvider
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	provider, err := r.registry.Get(ctx, providerName, ch.Model)
	if err != nil {
		return "", aiFailure(err)
	}

	sess, err := provider.StartChat(ctx, toProviderMessages(history), r.cfg.Generation)
	if err != nil {
		return "", aiFailure(err)
	}

	raw, err := sess.SendMessage(ctx, prompt)
	if err != nil {
		logging.WithCtx(ctx).Warn("relay failed",
			zap.String("provider", providerName),
			zap.String("character", ch.Name),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err))
		return "", aiFailure(err)
	}

	reply = strings.TrimSpace(raw)
	if reply == "" {
		return "", aiFailure(errEmptyReply)
	}
	logging.WithCtx(ctx).Debug("relay ok",
		zap.String("provider", providerName),
		zap.String("character", ch.Name),
		zap.Int("history", len(history)),
		zap.Duration("cost", time.Since(start)))
	return reply, nil
}
