// Package web delivers encrypted Web Push messages to browser push relays.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

// Options tune each delivery attempt.
type Options struct {
	// Timeout bounds one POST to the relay, including reading the status.
	Timeout time.Duration
	// TTL is how long, in seconds, the relay keeps an undelivered message.
	TTL int
	// Urgency is one of "very-low", "low", "normal", "high".
	Urgency string
	// VapidExpiry is how far in the future the signed VAPID token expires.
	VapidExpiry time.Duration
}

// Transport implements dispatch.Transport on top of webpush-go, which signs
// the VAPID JWT and encrypts the payload (aes128gcm) for the subscription keys.
type Transport struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

var _ dispatch.Transport = (*Transport)(nil)

func NewTransport(opts Options, logger *slog.Logger) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.VapidExpiry <= 0 {
		opts.VapidExpiry = 4 * time.Hour
	}
	if opts.Urgency == "" {
		opts.Urgency = string(webpush.UrgencyNormal)
	}
	return &Transport{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger.With("component", "WebPushTransport"),
	}
}

// Send never fails: network errors and timeouts become TransientFailure.
func (t *Transport) Send(ctx context.Context, sub notification.Subscription, payload []byte, creds notification.VapidCredentials) notification.Delivery {
	result := notification.Delivery{SubscriptionID: sub.ID}

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
		Subscriber:      creds.Subscriber,
		VAPIDPublicKey:  creds.PublicKey,
		VAPIDPrivateKey: creds.PrivateKey,
		TTL:             t.opts.TTL,
		Urgency:         webpush.Urgency(t.opts.Urgency),
		VapidExpiration: time.Now().Add(t.opts.VapidExpiry),
		HTTPClient:      t.httpClient,
	})
	if err != nil {
		// Transport error (DNS, timeout, encryption) - never delete on these
		result.Outcome = notification.TransientFailure
		result.Err = fmt.Errorf("web push to %s: %w", sub.Endpoint, err)
		if errors.Is(err, context.DeadlineExceeded) {
			t.logger.Warn("WebPush timed out", "endpoint", sub.Endpoint, "timeout", t.opts.Timeout)
		}
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.StatusCode = resp.StatusCode
	result.Outcome = Classify(resp.StatusCode)
	if result.Outcome != notification.Delivered {
		result.Err = fmt.Errorf("web push to %s rejected with status %d", sub.Endpoint, resp.StatusCode)
	}
	return result
}

// Classify maps a relay status code to a delivery outcome.
func Classify(statusCode int) notification.Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return notification.Delivered
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		// 410 Gone / 404 Not Found -> subscription expired or unsubscribed
		return notification.PermanentlyInvalid
	default:
		return notification.TransientFailure
	}
}
