package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

// SubscriptionStore implements dispatch.SubscriptionStore on push_subscriptions.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

var _ dispatch.SubscriptionStore = (*SubscriptionStore)(nil)

func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `id, user_id, endpoint, p256dh_key, auth_secret, created_at, is_active`

// Upsert relies on the (user_id, endpoint) unique constraint, so concurrent
// registrations of one key serialize on the conflicting row.
func (s *SubscriptionStore) Upsert(ctx context.Context, userID, endpoint string, keys notification.Keys) (*notification.Subscription, error) {
	const query = `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh_key, auth_secret, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, now(), TRUE)
		ON CONFLICT (user_id, endpoint) DO UPDATE
		SET p256dh_key = EXCLUDED.p256dh_key,
		    auth_secret = EXCLUDED.auth_secret,
		    created_at = now(),
		    is_active = TRUE
		RETURNING ` + subscriptionColumns

	var sub notification.Subscription
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, uuid.NewString(), userID, endpoint, keys.P256dh, keys.Auth)
		return scanSubscription(row, &sub)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) Deactivate(ctx context.Context, userID, endpoint string) (bool, error) {
	const query = `
		UPDATE push_subscriptions SET is_active = FALSE
		WHERE user_id = $1 AND endpoint = $2 AND is_active`

	var changed bool
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, userID, endpoint)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return changed, nil
}

func (s *SubscriptionStore) ActiveSubscriptions(ctx context.Context, userID string) ([]notification.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM push_subscriptions WHERE is_active`
	var args []any
	if userID != "" {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]notification.Subscription, 0)
	for rows.Next() {
		var sub notification.Subscription
		if err := scanSubscription(rows, &sub); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionStore) MarkInvalid(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE push_subscriptions SET is_active = FALSE WHERE id = ANY($1)`
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, ids)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark subscriptions invalid: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row, sub *notification.Subscription) error {
	return row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Endpoint,
		&sub.Keys.P256dh,
		&sub.Keys.Auth,
		&sub.CreatedAt,
		&sub.IsActive,
	)
}
