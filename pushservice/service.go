// Package pushservice assembles the HTTP surface and the ingestion pipeline
// around the push engine.
package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-webpush-service/internal/api"
	"github.com/tinywideclouds/go-webpush-service/internal/pipeline"
	"github.com/tinywideclouds/go-webpush-service/internal/push"
	"github.com/tinywideclouds/go-webpush-service/pushservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.PushEvent]
	logger          *slog.Logger
}

// New assembles the service. A nil consumer runs the HTTP surface only.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	engine *push.Engine,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Pipeline
	var streamingService *messagepipeline.StreamingService[pipeline.PushEvent]
	if consumer != nil {
		processor := pipeline.NewProcessor(engine, logger.With("component", "PushEventProcessor"))
		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.PushEventTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. API
	pushAPI := api.NewPushAPI(engine, logger.With("component", "PushAPI"))

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// Browsers fetch the key before they can subscribe, so it is public.
	mux.Handle("GET /api/v1/vapid-public-key", corsMiddleware(http.HandlerFunc(pushAPI.VapidPublicKey)))

	handle("POST /api/v1/register/web", pushAPI.Subscribe)
	handle("POST /api/v1/unregister/web", pushAPI.Unsubscribe)

	handle("GET /api/v1/notifications", pushAPI.History)
	handle("POST /api/v1/notifications/broadcast", pushAPI.Broadcast)
	handle("POST /api/v1/notifications/user", pushAPI.SendToUser)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /metrics", promhttp.Handler())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	} else {
		w.logger.Info("No subscription configured; running without the ingestion pipeline.")
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
