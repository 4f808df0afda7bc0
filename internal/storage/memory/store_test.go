package memory_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-webpush-service/internal/storage/memory"
	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	k1 := notification.Keys{P256dh: "p1", Auth: "a1"}
	k2 := notification.Keys{P256dh: "p2", Auth: "a2"}

	t.Run("Re-subscribe updates the existing row", func(t *testing.T) {
		store := memory.NewWithClock(steppingClock())

		first, err := store.Upsert(ctx, "u1", "https://push.example/e1", k1)
		require.NoError(t, err)
		second, err := store.Upsert(ctx, "u1", "https://push.example/e1", k2)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, store.SubscriptionCount())
		assert.Equal(t, k2, second.Keys)
		assert.True(t, second.IsActive)
		assert.True(t, second.CreatedAt.After(first.CreatedAt))
	})

	t.Run("Re-subscribe reactivates a deactivated row", func(t *testing.T) {
		store := memory.New()
		_, err := store.Upsert(ctx, "u1", "https://push.example/e1", k1)
		require.NoError(t, err)

		ok, err := store.Deactivate(ctx, "u1", "https://push.example/e1")
		require.NoError(t, err)
		require.True(t, ok)

		sub, err := store.Upsert(ctx, "u1", "https://push.example/e1", k2)
		require.NoError(t, err)
		assert.True(t, sub.IsActive)
		assert.Equal(t, 1, store.SubscriptionCount())
	})

	t.Run("Deactivate of unknown pair is a no-op", func(t *testing.T) {
		store := memory.New()
		ok, err := store.Deactivate(ctx, "nobody", "https://push.example/none")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, store.SubscriptionCount())
	})

	t.Run("Deactivate twice reports false the second time", func(t *testing.T) {
		store := memory.New()
		_, err := store.Upsert(ctx, "u1", "https://push.example/e1", k1)
		require.NoError(t, err)

		ok, err := store.Deactivate(ctx, "u1", "https://push.example/e1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.Deactivate(ctx, "u1", "https://push.example/e1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ActiveSubscriptions filters by user and state", func(t *testing.T) {
		store := memory.New()
		a, _ := store.Upsert(ctx, "u1", "https://push.example/a", k1)
		b, _ := store.Upsert(ctx, "u2", "https://push.example/b", k1)
		c, _ := store.Upsert(ctx, "u2", "https://push.example/c", k1)
		require.NoError(t, store.MarkInvalid(ctx, []string{c.ID, "unknown-id"}))

		all, err := store.ActiveSubscriptions(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(all))

		u2, err := store.ActiveSubscriptions(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID}, ids(u2))
	})

	t.Run("Concurrent upserts of one key keep a single row", func(t *testing.T) {
		store := memory.New()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = store.Upsert(ctx, "u1", "https://push.example/race", k1)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, store.SubscriptionCount())
	})
}

func TestUnitOfWorkRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	n, err := store.Create(ctx, notification.NewNotification{Title: "t", Body: "b"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx *memory.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, ok := store.Notification(n.ID)
	require.True(t, ok)
	assert.False(t, got.IsSent)
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()

	t.Run("MarkSent is idempotent", func(t *testing.T) {
		store := memory.NewWithClock(steppingClock())
		n, err := store.Create(ctx, notification.NewNotification{Title: "Title A", Body: "Body A"})
		require.NoError(t, err)
		assert.False(t, n.IsSent)
		assert.Nil(t, n.SentAt)

		require.NoError(t, store.MarkSent(ctx, n.ID))
		once, _ := store.Notification(n.ID)
		require.NoError(t, store.MarkSent(ctx, n.ID))
		twice, _ := store.Notification(n.ID)

		assert.True(t, once.IsSent)
		require.NotNil(t, once.SentAt)
		assert.Equal(t, once, twice)
	})

	t.Run("MarkSent of unknown id", func(t *testing.T) {
		store := memory.New()
		assert.ErrorIs(t, store.MarkSent(ctx, "missing"), dispatch.ErrNotFound)
	})

	t.Run("Page is newest first", func(t *testing.T) {
		store := memory.NewWithClock(steppingClock())
		for _, title := range []string{"one", "two", "three"} {
			_, err := store.Create(ctx, notification.NewNotification{Title: title, Body: "b"})
			require.NoError(t, err)
		}

		page1, err := store.Page(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, page1, 2)
		assert.Equal(t, "three", page1[0].Title)
		assert.Equal(t, "two", page1[1].Title)

		page2, err := store.Page(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page2, 1)
		assert.Equal(t, "one", page2[0].Title)

		page3, err := store.Page(ctx, 3, 2)
		require.NoError(t, err)
		assert.Empty(t, page3)
	})

	t.Run("Page with an offset past MaxInt is empty", func(t *testing.T) {
		store := memory.New()
		_, err := store.Create(ctx, notification.NewNotification{Title: "one", Body: "b"})
		require.NoError(t, err)

		for _, page := range []int{math.MaxInt / 2, math.MaxInt} {
			got, err := store.Page(ctx, page, 100)
			require.NoError(t, err)
			assert.Empty(t, got)
		}
	})
}

func ids(subs []notification.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}
