package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// DeliveryConfig tunes the fan-out and the push service request.
type DeliveryConfig struct {
	Concurrency int
	Timeout     time.Duration
	TTLSeconds  int
	Urgency     string
	VapidExpiry time.Duration
}

type PayloadConfig struct {
	DefaultIcon string
	SiteURL     string
}

type StorageConfig struct {
	Backend     string
	PostgresDSN string
	MaxConns    int32
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityURL            string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Vapid      VapidConfig
	Delivery   DeliveryConfig
	Payload    PayloadConfig
	Storage    StorageConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// PipelineEnabled reports whether Pub/Sub ingestion should run.
func (c *Config) PipelineEnabled() bool {
	return c.SubscriptionID != ""
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.IdentityURL = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_ID", "source", "env")
		cfg.TopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Vapid.SubscriberEmail = val
	}

	// Delivery Overrides
	if val := os.Getenv("PUSH_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			logger.Debug("Overriding config value", "key", "PUSH_CONCURRENCY", "source", "env")
			cfg.Delivery.Concurrency = n
		}
	}
	if val := os.Getenv("PUSH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			logger.Debug("Overriding config value", "key", "PUSH_TIMEOUT", "source", "env")
			cfg.Delivery.Timeout = d
		}
	}
	if val := os.Getenv("PUSH_TTL_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			logger.Debug("Overriding config value", "key", "PUSH_TTL_SECONDS", "source", "env")
			cfg.Delivery.TTLSeconds = n
		}
	}
	if val := os.Getenv("PUSH_URGENCY"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_URGENCY", "source", "env")
		cfg.Delivery.Urgency = val
	}
	if val := os.Getenv("SITE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "SITE_URL", "source", "env")
		cfg.Payload.SiteURL = val
	}

	// Storage Overrides
	if val := os.Getenv("STORAGE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_BACKEND", "source", "env")
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "DATABASE_URL", "source", "env")
		cfg.Storage.PostgresDSN = val
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	applyDefaults(cfg)

	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("storage.postgres_dsn is required for the postgres backend (set via YAML or DATABASE_URL env var)")
		}
	case BackendFirestore:
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("project_id is required for the firestore backend (set via YAML or PROJECT_ID env var)")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.PipelineEnabled() && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required when subscription_id is set (set via YAML or PROJECT_ID env var)")
	}
	switch cfg.Delivery.Urgency {
	case "very-low", "low", "normal", "high":
	default:
		return nil, fmt.Errorf("delivery.urgency must be one of very-low, low, normal, high; got %q", cfg.Delivery.Urgency)
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = "http://localhost:3000"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.Delivery.Concurrency <= 0 {
		cfg.Delivery.Concurrency = 16
	}
	if cfg.Delivery.Timeout <= 0 {
		cfg.Delivery.Timeout = 10 * time.Second
	}
	if cfg.Delivery.TTLSeconds <= 0 {
		cfg.Delivery.TTLSeconds = 86400
	}
	if cfg.Delivery.Urgency == "" {
		cfg.Delivery.Urgency = "normal"
	}
	if cfg.Delivery.VapidExpiry <= 0 {
		cfg.Delivery.VapidExpiry = 4 * time.Hour
	}
	if cfg.Payload.SiteURL == "" {
		cfg.Payload.SiteURL = "/"
	}
}
