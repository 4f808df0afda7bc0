// Package firestore implements the push stores on Google Cloud Firestore.
// RunTransaction is the unit of work for every mutation.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

const subscriptionsCollection = "push_subscriptions"

// SubscriptionStore implements dispatch.SubscriptionStore.
// The document id is a hash of (user, endpoint), so the key is unique by construction.
type SubscriptionStore struct {
	client *firestore.Client
}

var _ dispatch.SubscriptionStore = (*SubscriptionStore)(nil)

func NewSubscriptionStore(client *firestore.Client) *SubscriptionStore {
	return &SubscriptionStore{client: client}
}

// subscriptionRecord is the internal DB representation.
type subscriptionRecord struct {
	UserID     string    `firestore:"user_id"`
	Endpoint   string    `firestore:"endpoint"`
	P256dh     string    `firestore:"p256dh_key"`
	AuthSecret string    `firestore:"auth_secret"`
	CreatedAt  time.Time `firestore:"created_at"`
	IsActive   bool      `firestore:"is_active"`
}

func (r subscriptionRecord) toDomain(id string) notification.Subscription {
	return notification.Subscription{
		ID:        id,
		UserID:    r.UserID,
		Endpoint:  r.Endpoint,
		Keys:      notification.Keys{P256dh: r.P256dh, Auth: r.AuthSecret},
		CreatedAt: r.CreatedAt,
		IsActive:  r.IsActive,
	}
}

func (s *SubscriptionStore) Upsert(ctx context.Context, userID, endpoint string, keys notification.Keys) (*notification.Subscription, error) {
	id := subscriptionID(userID, endpoint)
	ref := s.client.Collection(subscriptionsCollection).Doc(id)
	record := subscriptionRecord{
		UserID:     userID,
		Endpoint:   endpoint,
		P256dh:     keys.P256dh,
		AuthSecret: keys.Auth,
		IsActive:   true,
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Reading first makes concurrent upserts of the same key conflict and retry.
		if _, err := tx.Get(ref); err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		record.CreatedAt = time.Now().UTC()
		return tx.Set(ref, record)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	sub := record.toDomain(id)
	return &sub, nil
}

func (s *SubscriptionStore) Deactivate(ctx context.Context, userID, endpoint string) (bool, error) {
	ref := s.client.Collection(subscriptionsCollection).Doc(subscriptionID(userID, endpoint))

	var changed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var record subscriptionRecord
		if err := doc.DataTo(&record); err != nil {
			return err
		}
		if !record.IsActive {
			return nil
		}
		changed = true
		return tx.Update(ref, []firestore.Update{{Path: "is_active", Value: false}})
	})
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return changed, nil
}

func (s *SubscriptionStore) ActiveSubscriptions(ctx context.Context, userID string) ([]notification.Subscription, error) {
	query := s.client.Collection(subscriptionsCollection).Where("is_active", "==", true)
	if userID != "" {
		query = query.Where("user_id", "==", userID)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	subs := make([]notification.Subscription, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var record subscriptionRecord
		if err := doc.DataTo(&record); err != nil {
			// Corrupt rows cannot be addressed anyway.
			continue
		}
		subs = append(subs, record.toDomain(doc.Ref.ID))
	}
	return subs, nil
}

func (s *SubscriptionStore) MarkInvalid(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col := s.client.Collection(subscriptionsCollection)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, col.Doc(id))
		}
		docs, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			// Ids that were never stored are skipped.
			if !doc.Exists() {
				continue
			}
			if err := tx.Update(doc.Ref, []firestore.Update{{Path: "is_active", Value: false}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark subscriptions invalid: %w", err)
	}
	return nil
}

func subscriptionID(userID, endpoint string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + endpoint))
	return hex.EncodeToString(sum[:])
}
