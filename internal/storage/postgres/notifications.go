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

// NotificationStore implements dispatch.NotificationStore on push_notifications.
type NotificationStore struct {
	pool *pgxpool.Pool
}

var _ dispatch.NotificationStore = (*NotificationStore)(nil)

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

const notificationColumns = `id, title, body, icon, url, tag, content_id, created_at, sent_at, is_sent`

func (s *NotificationStore) Create(ctx context.Context, n notification.NewNotification) (*notification.Notification, error) {
	const query = `
		INSERT INTO push_notifications (id, title, body, icon, url, tag, content_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + notificationColumns

	var out notification.Notification
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, uuid.NewString(), n.Title, n.Body, n.Icon, n.URL, n.Tag, n.ContentID)
		return scanNotification(row, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return &out, nil
}

// MarkSent keeps the first sent_at so repeated calls leave the row untouched.
func (s *NotificationStore) MarkSent(ctx context.Context, id string) error {
	const query = `
		UPDATE push_notifications
		SET is_sent = TRUE, sent_at = COALESCE(sent_at, now())
		WHERE id = $1`

	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return dispatch.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark notification %s sent: %w", id, err)
	}
	return nil
}

func (s *NotificationStore) Page(ctx context.Context, page, pageSize int) ([]notification.Notification, error) {
	out := make([]notification.Notification, 0)
	offset, ok := dispatch.PageOffset(page, pageSize)
	if !ok {
		return out, nil
	}
	const query = `SELECT ` + notificationColumns + `
		FROM push_notifications
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("query notification page: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n notification.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func scanNotification(row pgx.Row, n *notification.Notification) error {
	return row.Scan(
		&n.ID,
		&n.Title,
		&n.Body,
		&n.Icon,
		&n.URL,
		&n.Tag,
		&n.ContentID,
		&n.CreatedAt,
		&n.SentAt,
		&n.IsSent,
	)
}
