package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-checkout/internal/adapters/crdb"
	"github.com/robertarktes/ticket-checkout/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/ticket-checkout/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-checkout/internal/adapters/redis"
	"github.com/robertarktes/ticket-checkout/internal/checkout"
	"github.com/robertarktes/ticket-checkout/internal/config"
	httphandler "github.com/robertarktes/ticket-checkout/internal/http"
	"github.com/robertarktes/ticket-checkout/internal/idempotency"
	"github.com/robertarktes/ticket-checkout/internal/inventory"
	"github.com/robertarktes/ticket-checkout/internal/observability"
	"github.com/robertarktes/ticket-checkout/internal/orders"
	"github.com/robertarktes/ticket-checkout/internal/payment"
	"github.com/robertarktes/ticket-checkout/internal/rateLimit"
	"github.com/robertarktes/ticket-checkout/internal/webhook"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "checkout-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger(cfg.LogLevel)
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotencyStore(redisClient), cfg.IdempotencyTTL).
		WithLockTTL(cfg.IdempotencyLockTTL)

	g, gctx := errgroup.WithContext(ctx)

	var limitStore rateLimit.Store
	if cfg.RateLimitBackend == "memory" {
		logger.Warn("rate limits are process-local; do not run more than one replica")
		mem := memory.NewRateLimitStore()
		g.Go(func() error {
			mem.RunJanitor(gctx, time.Minute)
			return nil
		})
		limitStore = mem
	} else {
		limitStore = redisadapter.NewRateLimitStore(redisClient)
	}
	rl := rateLimit.NewRateLimiter(limitStore, cfg.RateLimits)

	ledger := inventory.NewLedger(repo, logger)
	orderService := orders.NewService(repo, audit, logger, cfg.StoreTimeout)
	gateway := payment.NewHTTPGateway(cfg.PaymentAPIURL, cfg.PaymentSecretKey, logger, &http.Client{Timeout: cfg.PaymentTimeout})
	orchestrator := checkout.NewOrchestrator(catalog, ledger, orderService, gateway, logger, checkout.Settings{
		ReservationTTL:     cfg.ReservationTTL,
		MaxTicketsPerOrder: cfg.MaxTicketsPerOrder,
		StoreTimeout:       cfg.StoreTimeout,
		PaymentTimeout:     cfg.PaymentTimeout,
		PaymentMaxAttempts: cfg.PaymentMaxAttempts,
		Currency:           cfg.Currency,
	})

	var verifier *webhook.Verifier
	if cfg.WebhookSecret != "" {
		verifier = webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	} else {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is not set, webhook signatures are not verified")
	}

	handlers := httphandler.NewHandlers(httphandler.Deps{
		Checkout:    orchestrator,
		Orders:      orderService,
		Guard:       webhook.NewGuard(repo, logger),
		Dispatch:    webhook.NewDispatcher(orderService, logger).Handle,
		Verifier:    verifier,
		Idempotency: idemp,
		Ready: map[string]httphandler.Pinger{
			"crdb":  repo,
			"redis": httphandler.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
			"mongo": httphandler.PingFunc(func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }),
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, logger, rl),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
