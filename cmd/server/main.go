package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kilolab/partner-payments-service/internal/api"
	"github.com/kilolab/partner-payments-service/internal/app"
	"github.com/kilolab/partner-payments-service/internal/config"
	"github.com/kilolab/partner-payments-service/internal/domain"
	"github.com/kilolab/partner-payments-service/internal/store"
	"github.com/kilolab/partner-payments-service/pkg/rabbitmq"
	"github.com/kilolab/partner-payments-service/pkg/stripeclient"
	"github.com/redis/go-redis/v9"
)

func maskURLForLog(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"cannot load config\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid config\" err=%v", err)
	}

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := store.NewPool(rootCtx, cfg.DatabaseURL, 10)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"unable to connect to database\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connection established\"")

	repo := store.NewPostgresRepository(dbpool)

	verifier, err := app.NewSignatureVerifier(cfg.WebhookSecrets(), cfg.WebhookTolerance())
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook verifier\" err=%v", err)
	}
	syncService := app.NewSyncService(repo, verifier, cfg.EventsExchange)

	var reconciler *app.Reconciler
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"stripe secret key missing; reconciliation disabled\" env=STRIPE_SECRET_KEY")
	} else {
		stripeClient, err := stripeclient.NewClient(cfg.StripeSecretKey)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"stripe client\" err=%v", err)
		}
		reconciler = app.NewReconciler(stripeClient, syncService, repo, cfg.ReconcileStaleAfter(), cfg.ReconcileBatchSize)
	}

	var redisClient *redis.Client
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; status rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; status rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancel := context.WithTimeout(rootCtx, 3*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; status rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancel()
		}
	}

	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, app.RateLimitPolicy{
			Scope:  "payment_status",
			Limit:  cfg.StatusRateLimitPerMinute,
			Window: time.Minute,
		})
	}

	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; outbox dispatch and link consumer disabled\" env=RABBITMQ_URL")
	} else {
		log.Printf("level=info component=bootstrap msg=\"rabbitmq configured\" url=%s", maskURLForLog(cfg.RabbitMQURL))

		dispatcher := app.NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
			return rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		})
		go dispatcher.Run(rootCtx)

		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; link events will queue until restart\" err=%v", err)
		} else {
			defer consumer.Close()
			var linkReconciler app.AccountReconciler
			if reconciler != nil {
				linkReconciler = reconciler
			}
			linkConsumer := app.NewPartnerLinkConsumer(repo, linkReconciler)
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PartnerLinkQueue, map[string]func([]byte) bool{
				domain.RoutingKeyStripeAccountLinked: linkConsumer.HandleMessage,
			}); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"failed to start link consumer\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"link consumer started\" queue=%s", cfg.PartnerLinkQueue)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	var sweeper app.StaleAccountSweeper = disabledSweeper{}
	if reconciler != nil {
		sweeper = reconciler
	}
	scheduler := app.NewScheduler(app.NewJobs(sweeper, repo, logger, cfg), logger, cfg)
	scheduler.Start()

	var reconcileEndpoint api.AccountReconciler = disabledSweeper{}
	if reconciler != nil {
		reconcileEndpoint = reconciler
	}
	router := api.NewRouter(
		api.NewWebhookHandler(syncService, cfg.WebhookProcessingTimeout()),
		api.NewHandler(repo, reconcileEndpoint),
		limiter,
		api.RouterConfig{
			AllowedOrigins:      cfg.Origins(),
			SupabaseJWTSecret:   cfg.SupabaseJWTSecret,
			SupabaseJWTAudience: cfg.SupabaseJWTAudience,
			InternalAPIKey:      cfg.InternalAPIKey,
		},
	)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=bootstrap msg=\"server starting\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=bootstrap msg=\"could not start server\" err=%v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("level=info component=bootstrap msg=\"shutting down\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=bootstrap msg=\"server shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=bootstrap msg=\"server gracefully stopped\"")
}

// disabledSweeper stands in for the reconciler when no Stripe key is configured.
type disabledSweeper struct{}

func (disabledSweeper) ReconcileStaleAccounts(ctx context.Context) (int, error) {
	return 0, nil
}

func (disabledSweeper) ReconcileAccount(ctx context.Context, externalAccountID string) (domain.Outcome, error) {
	return "", errors.New("reconciliation is disabled: STRIPE_SECRET_KEY is not configured")
}
