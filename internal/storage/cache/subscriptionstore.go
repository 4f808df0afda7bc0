// Package cache adds a Redis read-aside layer in front of a SubscriptionStore.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

const keyPrefix = "push:subs:active:"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the cached value into dest or returns an error on a miss.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelPrefix(ctx context.Context, prefix string) error
}

// CachedSubscriptionStore caches ActiveSubscriptions results and drops them on
// every write. A read racing a write can still cache the older set, so a
// removed endpoint may be served for at most one TTL; keep the TTL short.
// Once the real store has committed a write, cache failures are logged and
// never reported to the caller.
type CachedSubscriptionStore struct {
	realStore dispatch.SubscriptionStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

var _ dispatch.SubscriptionStore = (*CachedSubscriptionStore)(nil)

func NewCachedSubscriptionStore(realStore dispatch.SubscriptionStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedSubscriptionStore {
	return &CachedSubscriptionStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "SubscriptionCache"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedSubscriptionStore) ActiveSubscriptions(ctx context.Context, userID string) ([]notification.Subscription, error) {
	key := cacheKey(userID)

	var cached []notification.Subscription
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a Redis outage just means serving from the DB.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedSubscriptionStore) Upsert(ctx context.Context, userID, endpoint string, keys notification.Keys) (*notification.Subscription, error) {
	sub, err := s.realStore.Upsert(ctx, userID, endpoint, keys)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)
	return sub, nil
}

func (s *CachedSubscriptionStore) Deactivate(ctx context.Context, userID, endpoint string) (bool, error) {
	changed, err := s.realStore.Deactivate(ctx, userID, endpoint)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	s.invalidate(ctx, userID)
	return true, nil
}

// MarkInvalid only knows subscription ids, so every cached set is dropped.
func (s *CachedSubscriptionStore) MarkInvalid(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.realStore.MarkInvalid(ctx, ids); err != nil {
		return err
	}
	if err := s.cache.DelPrefix(ctx, keyPrefix); err != nil {
		s.logger.Error("Failed to drop cached subscription sets", "ids", len(ids), "err", err)
	}
	return nil
}

func (s *CachedSubscriptionStore) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Del(ctx, cacheKey(userID), cacheKey("")); err != nil {
		s.logger.Error("Failed to invalidate cached subscriptions", "user", userID, "err", err)
	}
}

func cacheKey(userID string) string {
	if userID == "" {
		return keyPrefix + "all"
	}
	return keyPrefix + "user:" + userID
}
