package push

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Response is what the engine hands back to the API layer. Expected failures
// (nothing delivered, nothing to unsubscribe) are reported here; errors are
// reserved for invalid input and storage failures.
type Response struct {
	Success      bool                       `json:"success"`
	Message      string                     `json:"message"`
	Subscription *notification.Subscription `json:"subscription,omitempty"`
	Result       *Result                    `json:"result,omitempty"`
	History      *History                   `json:"history,omitempty"`
}

// History is one page of broadcast records.
type History struct {
	Page          int                         `json:"page"`
	PageSize      int                         `json:"page_size"`
	Notifications []notification.Notification `json:"notifications"`
}

// Engine is the surface the API and the event pipeline call into.
type Engine struct {
	subs       dispatch.SubscriptionStore
	notifs     dispatch.NotificationStore
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewEngine(subs dispatch.SubscriptionStore, notifs dispatch.NotificationStore, dispatcher *Dispatcher, logger *slog.Logger) *Engine {
	return &Engine{
		subs:       subs,
		notifs:     notifs,
		dispatcher: dispatcher,
		logger:     logger.With("component", "PushEngine"),
	}
}

func (e *Engine) Subscribe(ctx context.Context, userID, endpoint string, keys notification.Keys) (*Response, error) {
	normalized, err := NormalizeSubscription(userID, endpoint, keys)
	if err != nil {
		return nil, err
	}
	sub, err := e.subs.Upsert(ctx, userID, endpoint, normalized)
	if err != nil {
		e.logger.Error("Failed to store subscription", "user", userID, "err", err)
		return nil, err
	}
	e.logger.Info("Subscription registered", "user", userID, "endpoint", endpoint)
	return &Response{Success: true, Message: "subscribed", Subscription: sub}, nil
}

func (e *Engine) Unsubscribe(ctx context.Context, userID, endpoint string) (*Response, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("%w: user id and endpoint are required", ErrInvalidSubscription)
	}
	changed, err := e.subs.Deactivate(ctx, userID, endpoint)
	if err != nil {
		e.logger.Error("Failed to deactivate subscription", "user", userID, "err", err)
		return nil, err
	}
	if !changed {
		return &Response{Success: false, Message: "no active subscription for this endpoint"}, nil
	}
	e.logger.Info("Subscription unregistered", "user", userID, "endpoint", endpoint)
	return &Response{Success: true, Message: "unsubscribed"}, nil
}

func (e *Engine) Broadcast(ctx context.Context, msg Message) (*Response, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	result, err := e.dispatcher.Broadcast(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		e.logger.Warn("Broadcast reached no subscriber", "notification_id", result.NotificationID, "audience", result.Audience)
		return &Response{Success: false, Message: "notification could not be delivered to any subscriber", Result: result}, nil
	}
	return &Response{Success: true, Message: "notification sent", Result: result}, nil
}

func (e *Engine) SendToUser(ctx context.Context, userID string, msg Message) (*Response, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidNotification)
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	result, err := e.dispatcher.SendToUser(ctx, userID, msg)
	if err != nil {
		return nil, err
	}
	switch {
	case result.Audience == 0:
		return &Response{Success: false, Message: "user has no active subscriptions", Result: result}, nil
	case !result.Success:
		return &Response{Success: false, Message: "notification could not be delivered to any device", Result: result}, nil
	default:
		return &Response{Success: true, Message: "notification sent", Result: result}, nil
	}
}

// GetHistory pages through broadcasts newest first. Page starts at 1; the
// page size defaults to DefaultPageSize and is capped at MaxPageSize.
func (e *Engine) GetHistory(ctx context.Context, page, pageSize int) (*Response, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if _, ok := dispatch.PageOffset(page, pageSize); !ok {
		// Past any possible end.
		return &Response{
			Success: true,
			Message: "ok",
			History: &History{Page: page, PageSize: pageSize, Notifications: []notification.Notification{}},
		}, nil
	}
	items, err := e.notifs.Page(ctx, page, pageSize)
	if err != nil {
		e.logger.Error("Failed to load notification history", "err", err)
		return nil, err
	}
	return &Response{
		Success: true,
		Message: "ok",
		History: &History{Page: page, PageSize: pageSize, Notifications: items},
	}, nil
}

// VapidPublicKey is the application server key browsers subscribe with.
func (e *Engine) VapidPublicKey() string {
	return e.dispatcher.cfg.Credentials.PublicKey
}
