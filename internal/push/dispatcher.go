// Package push is the notification delivery engine: it fans one notification
// out to every targeted browser subscription, retires dead endpoints and
// records broadcast history.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-webpush-service/internal/metrics"
	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

const (
	kindBroadcast = "broadcast"
	kindUser      = "user"

	defaultConcurrency = 16
)

// DispatcherConfig holds the sender identity and payload defaults.
type DispatcherConfig struct {
	// Concurrency caps the number of in-flight transport calls per send.
	Concurrency int
	Credentials notification.VapidCredentials
	DefaultIcon string
	SiteURL     string
}

// Message is the content of one notification.
type Message struct {
	Title string
	Body  string
	Icon  string
	URL   string
	// Tag overrides the grouping key derived from ContentID.
	Tag       string
	ContentID string
}

// Result summarizes one fan-out.
type Result struct {
	NotificationID string `json:"notification_id,omitempty"`
	Audience       int    `json:"audience"`
	Delivered      int    `json:"delivered"`
	Invalidated    int    `json:"invalidated"`
	Transient      int    `json:"transient"`
	Skipped        int    `json:"skipped"`
	// Success is true when at least one endpoint accepted the message, or
	// when a broadcast had nobody to reach.
	Success bool `json:"success"`
}

// Dispatcher coordinates the stores and the transport. It holds no state of its own.
type Dispatcher struct {
	subs      dispatch.SubscriptionStore
	notifs    dispatch.NotificationStore
	transport dispatch.Transport
	cfg       DispatcherConfig
	logger    *slog.Logger
}

func NewDispatcher(
	subs dispatch.SubscriptionStore,
	notifs dispatch.NotificationStore,
	transport dispatch.Transport,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = "/"
	}
	return &Dispatcher{
		subs:      subs,
		notifs:    notifs,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "Dispatcher"),
	}
}

// Broadcast sends msg to every active subscription and historizes it.
// The record is created before any delivery and marked sent once all attempts
// have finished. A cancelled ctx leaves the record unsent.
func (d *Dispatcher) Broadcast(ctx context.Context, msg Message) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RecordSendDuration(kindBroadcast, time.Since(start)) }()

	payload, tag, err := d.buildPayload(msg)
	if err != nil {
		return nil, err
	}

	record, err := d.notifs.Create(ctx, notification.NewNotification{
		Title:     msg.Title,
		Body:      msg.Body,
		Icon:      msg.Icon,
		URL:       msg.URL,
		Tag:       tag,
		ContentID: msg.ContentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notification record: %w", err)
	}
	log := d.logger.With("notification_id", record.ID, "kind", kindBroadcast)

	subs, err := d.subs.ActiveSubscriptions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	result := &Result{NotificationID: record.ID, Audience: len(subs)}
	if len(subs) == 0 {
		if err := d.notifs.MarkSent(ctx, record.ID); err != nil {
			return nil, fmt.Errorf("failed to mark notification sent: %w", err)
		}
		log.Info("No active subscriptions; broadcast recorded as sent.")
		result.Success = true
		return result, nil
	}

	if err := d.deliver(ctx, kindBroadcast, subs, payload, result, log); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		log.Warn("Broadcast cancelled before every subscriber was attempted", "skipped", result.Skipped)
		return result, err
	}
	if err := d.notifs.MarkSent(ctx, record.ID); err != nil {
		return result, fmt.Errorf("failed to mark notification sent: %w", err)
	}

	result.Success = result.Delivered > 0
	log.Info("Broadcast dispatched",
		"audience", result.Audience,
		"delivered", result.Delivered,
		"invalidated", result.Invalidated,
		"transient", result.Transient,
	)
	return result, nil
}

// SendToUser sends msg to one user's active subscriptions. Targeted sends are
// not historized.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, msg Message) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RecordSendDuration(kindUser, time.Since(start)) }()

	payload, _, err := d.buildPayload(msg)
	if err != nil {
		return nil, err
	}
	log := d.logger.With("user_id", userID, "kind", kindUser)

	subs, err := d.subs.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions for user %s: %w", userID, err)
	}
	result := &Result{Audience: len(subs)}
	if len(subs) == 0 {
		log.Info("No devices registered for user; dropping notification.")
		return result, nil
	}

	if err := d.deliver(ctx, kindUser, subs, payload, result, log); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	result.Success = result.Delivered > 0
	log.Info("User notification dispatched",
		"audience", result.Audience,
		"delivered", result.Delivered,
		"invalidated", result.Invalidated,
	)
	return result, nil
}

// deliver runs the fan-out and then retires every endpoint reported gone in
// one batch. Invalidations collected before a cancellation are still applied.
func (d *Dispatcher) deliver(ctx context.Context, kind string, subs []notification.Subscription, payload []byte, result *Result, log *slog.Logger) error {
	deliveries := d.fanOut(ctx, kind, subs, payload, log)

	var invalid []string
	for _, dl := range deliveries {
		switch dl.Outcome {
		case notification.Delivered:
			result.Delivered++
		case notification.PermanentlyInvalid:
			result.Invalidated++
			invalid = append(invalid, dl.SubscriptionID)
		case notification.TransientFailure:
			result.Transient++
		}
	}
	result.Skipped = len(subs) - len(deliveries)

	if len(invalid) == 0 {
		return nil
	}
	if err := d.subs.MarkInvalid(context.WithoutCancel(ctx), invalid); err != nil {
		return fmt.Errorf("failed to deactivate %d invalid subscriptions: %w", len(invalid), err)
	}
	metrics.AddInvalidated(len(invalid))
	log.Info("Cleaning up invalid Web subscriptions", "count", len(invalid))
	return nil
}

// fanOut calls the transport once per subscription with at most
// cfg.Concurrency calls in flight. Once ctx is done no new call starts, while
// calls already running finish under their own timeout.
func (d *Dispatcher) fanOut(ctx context.Context, kind string, subs []notification.Subscription, payload []byte, log *slog.Logger) []notification.Delivery {
	results := make(chan notification.Delivery, len(subs))
	sendCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			dl := d.transport.Send(sendCtx, sub, payload, d.cfg.Credentials)
			dl.SubscriptionID = sub.ID
			metrics.RecordDelivery(kind, dl.Outcome.String())
			if dl.Outcome == notification.TransientFailure {
				log.Warn("WebPush delivery failed", "endpoint", sub.Endpoint, "status", dl.StatusCode, "err", dl.Err)
			}
			results <- dl
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	deliveries := make([]notification.Delivery, 0, len(subs))
	for dl := range results {
		deliveries = append(deliveries, dl)
	}
	return deliveries
}
