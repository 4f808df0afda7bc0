package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

const notificationsCollection = "push_notifications"

// NotificationStore implements dispatch.NotificationStore.
type NotificationStore struct {
	client *firestore.Client
}

var _ dispatch.NotificationStore = (*NotificationStore)(nil)

func NewNotificationStore(client *firestore.Client) *NotificationStore {
	return &NotificationStore{client: client}
}

type notificationRecord struct {
	Title     string     `firestore:"title"`
	Body      string     `firestore:"body"`
	Icon      string     `firestore:"icon"`
	URL       string     `firestore:"url"`
	Tag       string     `firestore:"tag"`
	ContentID string     `firestore:"content_id"`
	CreatedAt time.Time  `firestore:"created_at"`
	SentAt    *time.Time `firestore:"sent_at"`
	IsSent    bool       `firestore:"is_sent"`
}

func (r notificationRecord) toDomain(id string) notification.Notification {
	return notification.Notification{
		ID:        id,
		Title:     r.Title,
		Body:      r.Body,
		Icon:      r.Icon,
		URL:       r.URL,
		Tag:       r.Tag,
		ContentID: r.ContentID,
		CreatedAt: r.CreatedAt,
		SentAt:    r.SentAt,
		IsSent:    r.IsSent,
	}
}

func (s *NotificationStore) Create(ctx context.Context, n notification.NewNotification) (*notification.Notification, error) {
	id := uuid.NewString()
	record := notificationRecord{
		Title:     n.Title,
		Body:      n.Body,
		Icon:      n.Icon,
		URL:       n.URL,
		Tag:       n.Tag,
		ContentID: n.ContentID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.client.Collection(notificationsCollection).Doc(id).Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	out := record.toDomain(id)
	return &out, nil
}

func (s *NotificationStore) MarkSent(ctx context.Context, id string) error {
	ref := s.client.Collection(notificationsCollection).Doc(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return dispatch.ErrNotFound
		}
		if err != nil {
			return err
		}
		var record notificationRecord
		if err := doc.DataTo(&record); err != nil {
			return err
		}
		if record.IsSent {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "is_sent", Value: true},
			{Path: "sent_at", Value: time.Now().UTC()},
		})
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
	iter := s.client.Collection(notificationsCollection).
		OrderBy("created_at", firestore.Desc).
		Offset(offset).
		Limit(pageSize).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var record notificationRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", doc.Ref.ID, err)
		}
		out = append(out, record.toDomain(doc.Ref.ID))
	}
	return out, nil
}
