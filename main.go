package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-service/internal/app"
	"ledger-service/internal/config"
	"ledger-service/internal/publisher"
	"ledger-service/internal/server"
	"ledger-service/internal/worker"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const sweeperLeaseKey = "ledger-service:chain-sweeper"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn("Could not load .env file.")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithField("error", err).Fatal("Could not load configuration")
	}
	app.SetupLogging(cfg.LogLevel)

	if err := app.Migrate(cfg); err != nil {
		log.WithField("error", err).Fatal("Database migration failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := app.OpenDB(ctx, cfg.DB)
	if err != nil {
		log.WithField("error", err).Fatal("Could not connect to the database")
	}
	defer db.Close()

	services := app.NewServices(db, cfg)

	// Chain task transport: Kafka when configured, otherwise an in-process queue.
	var scheduler worker.Scheduler
	var queue *worker.LocalQueue
	if cfg.Kafka.Enabled() {
		pub, err := publisher.NewChainTaskPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.ChainTopic)
		if err != nil {
			log.WithField("error", err).Fatal("Could not create chain task publisher")
		}
		defer pub.Close()

		for i := 0; i < cfg.Chain.Workers; i++ {
			consumer, err := worker.NewChainConsumer(cfg.Kafka.BootstrapServers, cfg.Kafka.ChainGroup, cfg.Kafka.ChainTopic, services.Ledger)
			if err != nil {
				log.WithField("error", err).Fatal("Could not create chain task consumer")
			}
			go consumer.Run(ctx)
		}
		scheduler = pub
	} else {
		log.Info("KAFKA_BOOTSTRAP_SERVERS not set, chaining through the in-process queue")
		queue = worker.NewLocalQueue(cfg.Chain.QueueSize)
		queue.Start(ctx, cfg.Chain.Workers, services.Ledger)
		scheduler = queue
	}
	services.Ledger.SetScheduler(scheduler)

	var lease worker.Lease
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithField("error", err).Fatal("Invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		lease = worker.NewRedisLease(rdb, sweeperLeaseKey, uuid.NewString(), cfg.Redis.LeaseTTL)
	}

	sweeper := worker.NewSweeper(services.Ledger, scheduler, lease, worker.SweeperConfig{
		Interval:  cfg.Chain.SweepInterval,
		Threshold: cfg.Chain.BacklogThreshold,
		Batch:     cfg.Chain.SweepBatch,
		Rate:      cfg.Chain.SweepRate,
	})
	go sweeper.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	server.RegisterRoutes(e, server.Handlers{
		Health: server.NewServer(db),
		Events: server.NewEventServer(services.Ledger),
		Draws:  server.NewDrawServer(services.Draws, services.Audits),
		Verify: server.NewVerifyServer(services.Verify),
	})

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("Ledger service is starting with Echo")
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Fatal("Echo server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down ledger service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("Echo server shutdown failed")
	}
	if queue != nil {
		queue.Wait()
	}
}
