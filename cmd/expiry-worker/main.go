package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-checkout/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-checkout/internal/adapters/mongo"
	"github.com/robertarktes/ticket-checkout/internal/config"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/orders"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "checkout-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	var auditor orders.Auditor
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		auditor = mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)
	}

	service := orders.NewService(repo, auditor, logger, cfg.StoreTimeout)
	sweeper := orders.NewSweeper(repo, service, logger, cfg.SweepBatchSize)

	logger.WithField("interval", cfg.SweepInterval.String()).WithField("ttl", cfg.ReservationTTL.String()).Info("expiry worker started")
	sweeper.Run(ctx, cfg.SweepInterval)
	logger.Info("Shutdown expiry worker")
}
