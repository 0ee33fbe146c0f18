package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/bootstrap"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/db"
	"github.com/suPer8Hu/character-chat/internal/httpapi"
	"github.com/suPer8Hu/character-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"github.com/suPer8Hu/character-chat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.Debug)
	log := logging.L()
	defer func() { _ = log.Sync() }()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	svc, cleanup, err := bootstrap.NewService(ctx, cfg, gdb)
	if err != nil {
		log.Fatal("chat service", zap.Error(err))
	}
	defer cleanup()

	if n, err := bootstrap.SeedCharacters(ctx, svc, cfg.CharactersFile); err != nil {
		log.Fatal("seed characters", zap.String("file", cfg.CharactersFile), zap.Error(err))
	} else if n > 0 {
		log.Info("seeded characters", zap.Int("created", n))
	}

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, callers are trusted to send their own userId")
	}
	if cfg.AdminTokenHash == "" {
		log.Warn("ADMIN_TOKEN_HASH not set, character creation is open")
	}

	// async turns are optional
	var jobs handlers.JobPublisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit publisher", zap.Error(err))
		}
		defer pub.Close()
		jobs = pub
	} else {
		log.Info("RABBIT_URL not set, async chat routes disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(svc, jobs, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.StdLogger(),
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr), zap.String("ai_provider", cfg.AIProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
}
