package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/character-chat/internal/bootstrap"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/db"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"github.com/suPer8Hu/character-chat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.Debug)
	log := logging.L()
	defer func() { _ = log.Sync() }()

	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)

	svc, cleanup, err := bootstrap.NewService(ctx, cfg, gdb)
	if err != nil {
		log.Fatal("chat service", zap.Error(err))
	}
	defer cleanup()

	concurrency := cfg.WorkerConcurrency
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.Fatal("rabbit consumer", zap.Error(err))
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, svc, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, svc *chat.Service, workerID int, d amqp.Delivery) {
	log := logging.L().With(zap.Int("worker", workerID))

	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("job_id", m.JobID))

	start := time.Now()
	skipped, err := svc.CompleteJob(ctx, m.JobID)
	cost := time.Since(start)

	switch {
	case err == nil:
		if skipped {
			log.Info("job already finished, skipping redelivery")
		} else if cost > 2*time.Second {
			log.Info("job_timing", zap.Duration("total", cost))
		}
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", zap.Error(err))
		}

	case errors.Is(err, chat.ErrPersistence) && ctx.Err() == nil:
		// the job row was not updated; let another delivery try
		log.Warn("job_timing_failed, requeue", zap.Duration("total", cost), zap.Error(err))
		_ = d.Nack(false, !d.Redelivered)

	default:
		log.Warn("job_timing_failed", zap.Duration("total", cost), zap.Error(err))
		_ = d.Nack(false, false)
	}
}
