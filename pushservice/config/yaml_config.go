package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlDeliveryConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Timeout     string `yaml:"timeout"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
	Urgency     string `yaml:"urgency"`
	VapidExpiry string `yaml:"vapid_expiry"`
}

type YamlPayloadConfig struct {
	DefaultIcon string `yaml:"default_icon"`
	SiteURL     string `yaml:"site_url"`
}

type YamlStorageConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	IdentityURL            string             `yaml:"identity_url"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	VapidConfig            YamlVapidConfig    `yaml:"vapid"`
	DeliveryConfig         YamlDeliveryConfig `yaml:"delivery"`
	PayloadConfig          YamlPayloadConfig  `yaml:"payload"`
	StorageConfig          YamlStorageConfig  `yaml:"storage"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	redisTTL, err := parseDuration("redis.ttl", baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration("delivery.timeout", baseCfg.DeliveryConfig.Timeout)
	if err != nil {
		return nil, err
	}
	vapidExpiry, err := parseDuration("delivery.vapid_expiry", baseCfg.DeliveryConfig.VapidExpiry)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		IdentityURL:    baseCfg.IdentityURL,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		Delivery: DeliveryConfig{
			Concurrency: baseCfg.DeliveryConfig.Concurrency,
			Timeout:     timeout,
			TTLSeconds:  baseCfg.DeliveryConfig.TTLSeconds,
			Urgency:     baseCfg.DeliveryConfig.Urgency,
			VapidExpiry: vapidExpiry,
		},
		Payload: PayloadConfig{
			DefaultIcon: baseCfg.PayloadConfig.DefaultIcon,
			SiteURL:     baseCfg.PayloadConfig.SiteURL,
		},
		Storage: StorageConfig{
			Backend:     baseCfg.StorageConfig.Backend,
			PostgresDSN: baseCfg.StorageConfig.PostgresDSN,
			MaxConns:    baseCfg.StorageConfig.MaxConns,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"storage_backend", cfg.Storage.Backend,
	)

	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
