package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/astroveda/consultation-service/internal/config"
	"github.com/astroveda/consultation-service/internal/logger"
	"github.com/astroveda/consultation-service/internal/repo"
	"github.com/astroveda/consultation-service/internal/service"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledger := service.NewLedger(repository, log)
	sessions := service.NewSessions(repository, ledger, log,
		cfg.Billing.HoldEstimateMinutes, cfg.Billing.Currency)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("settlement poller started")
	for range ticker.C {
		ctx := context.Background()

		// retry settlements whose deduction failed at session end
		if n, err := sessions.RetryFailedSettlements(ctx, cfg.Billing.SettlementRetryBatch); err != nil {
			log.Errorf("retry settlements: %v", err)
		} else if n > 0 {
			log.Infof("settled %d deferred charges", n)
		}

		// give back reservations whose release failed
		if n, err := sessions.ReleaseStuckHolds(ctx, cfg.Billing.SettlementRetryBatch); err != nil {
			log.Errorf("release stuck holds: %v", err)
		} else if n > 0 {
			log.Infof("released %d stuck holds", n)
		}

		// drain the outbox to Kafka
		events, err := repository.PollOutbox(ctx, 100)
		if err != nil {
			log.Errorf("poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			if err := repository.PublishEvent(ctx, evt); err != nil {
				log.Errorf("publish id=%d: %v", evt.ID, err)
				continue
			}
			if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
				log.Errorf("mark processed id=%d: %v", evt.ID, err)
			}
		}
	}
}
