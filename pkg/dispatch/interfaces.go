// Package dispatch defines the contracts between the push dispatcher and its
// collaborators: the two stores and the delivery transport.
package dispatch

import (
	"context"
	"errors"

	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

// ErrNotFound is returned when an operation addresses a record that does not exist.
var ErrNotFound = errors.New("not found")

// SubscriptionStore manages the (user, endpoint) -> keys mapping.
// Every mutating call is one atomic unit of work.
type SubscriptionStore interface {
	// Upsert inserts a new active subscription, or refreshes the keys and
	// timestamp of the existing row for (userID, endpoint) and reactivates it.
	Upsert(ctx context.Context, userID, endpoint string, keys notification.Keys) (*notification.Subscription, error)

	// Deactivate soft-deletes the active row for (userID, endpoint).
	// It reports false when no active row matched.
	Deactivate(ctx context.Context, userID, endpoint string) (bool, error)

	// ActiveSubscriptions returns all active rows, or only the rows of userID
	// when it is non-empty.
	ActiveSubscriptions(ctx context.Context, userID string) ([]notification.Subscription, error)

	// MarkInvalid deactivates the given subscription ids in one batch.
	MarkInvalid(ctx context.Context, ids []string) error
}

// NotificationStore persists broadcast history.
type NotificationStore interface {
	Create(ctx context.Context, n notification.NewNotification) (*notification.Notification, error)

	// MarkSent moves a notification to its sent state. Calling it again keeps
	// the original SentAt.
	MarkSent(ctx context.Context, id string) error

	// Page returns page (1-based) of the history, newest first.
	Page(ctx context.Context, page, pageSize int) ([]notification.Notification, error)
}

// Transport performs one delivery attempt. It never returns an error: every
// failure is folded into the Delivery outcome.
type Transport interface {
	Send(ctx context.Context, sub notification.Subscription, payload []byte, creds notification.VapidCredentials) notification.Delivery
}
