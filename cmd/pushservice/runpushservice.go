package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-webpush-service/internal/platform/web"
	"github.com/tinywideclouds/go-webpush-service/internal/push"
	"github.com/tinywideclouds/go-webpush-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-webpush-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-webpush-service/internal/storage/memory"
	"github.com/tinywideclouds/go-webpush-service/internal/storage/postgres"
	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
	"github.com/tinywideclouds/go-webpush-service/pushservice"
	"github.com/tinywideclouds/go-webpush-service/pushservice/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-webpush-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Stores ---
	subs, notifs, closeStores, err := newStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Storage initialization failed", "backend", cfg.Storage.Backend, "err", err)
		os.Exit(1)
	}
	defer closeStores()
	logger.Info("Stores initialized", "type", cfg.Storage.Backend)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		subs = cache.NewCachedSubscriptionStore(subs, redisClient, cfg.Redis.TTL, logger)
		logger.Info("SubscriptionStore upgraded", "type", "redis_cached_"+cfg.Storage.Backend)
	}

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", cfg.IdentityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("JWKS middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Engine ---
	creds, err := vapidCredentials(cfg, logger)
	if err != nil {
		logger.Error("VAPID setup failed", "err", err)
		os.Exit(1)
	}
	transport := web.NewTransport(web.Options{
		Timeout:     cfg.Delivery.Timeout,
		TTL:         cfg.Delivery.TTLSeconds,
		Urgency:     cfg.Delivery.Urgency,
		VapidExpiry: cfg.Delivery.VapidExpiry,
	}, logger)
	dispatcher := push.NewDispatcher(subs, notifs, transport, push.DispatcherConfig{
		Concurrency: cfg.Delivery.Concurrency,
		Credentials: creds,
		DefaultIcon: cfg.Payload.DefaultIcon,
		SiteURL:     cfg.Payload.SiteURL,
	}, logger)
	engine := push.NewEngine(subs, notifs, dispatcher, logger)

	// --- Consumer & Service ---
	var consumer messagepipeline.MessageConsumer
	if cfg.PipelineEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Ingestion consumer failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := pushservice.New(cfg, consumer, engine, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// newStores opens the configured backend. The returned func releases it.
func newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.SubscriptionStore, dispatch.NotificationStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			DSN:      cfg.Storage.PostgresDSN,
			MaxConns: cfg.Storage.MaxConns,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return postgres.NewSubscriptionStore(pool), postgres.NewNotificationStore(pool), pool.Close, nil

	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		closeFn := func() { _ = fsClient.Close() }
		return fsStore.NewSubscriptionStore(fsClient), fsStore.NewNotificationStore(fsClient), closeFn, nil

	default:
		store := memory.New()
		return store, store, func() {}, nil
	}
}

// vapidCredentials falls back to an ephemeral key pair for local runs.
// Subscriptions made against an ephemeral key do not survive a restart.
func vapidCredentials(cfg *config.Config, logger *slog.Logger) (notification.VapidCredentials, error) {
	creds := notification.VapidCredentials{
		PublicKey:  cfg.Vapid.PublicKey,
		PrivateKey: cfg.Vapid.PrivateKey,
		Subscriber: cfg.Vapid.SubscriberEmail,
	}
	if creds.PublicKey != "" && creds.PrivateKey != "" {
		logger.Info("Web Push enabled", "public_key", creds.PublicKey)
		return creds, nil
	}
	if cfg.Storage.Backend != config.BackendMemory {
		return creds, errors.New("vapid public_key and private_key are required outside the memory backend")
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return creds, fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	logger.Warn("VAPID keys missing in configuration. Using an ephemeral key pair.", "public_key", publicKey)
	creds.PublicKey = publicKey
	creds.PrivateKey = privateKey
	return creds, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 30,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
