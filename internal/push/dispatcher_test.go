package push_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-webpush-service/internal/push"
	"github.com/tinywideclouds/go-webpush-service/internal/storage/memory"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTransport answers per endpoint and records what it was asked to send.
type scriptedTransport struct {
	mu       sync.Mutex
	outcomes map[string]notification.Outcome
	calls    []string
	payloads [][]byte

	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	onSend   func(sub notification.Subscription)
}

func newScriptedTransport(outcomes map[string]notification.Outcome) *scriptedTransport {
	return &scriptedTransport{outcomes: outcomes}
}

func (s *scriptedTransport) Send(_ context.Context, sub notification.Subscription, payload []byte, _ notification.VapidCredentials) notification.Delivery {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if s.onSend != nil {
		s.onSend(sub)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.calls = append(s.calls, sub.Endpoint)
	s.payloads = append(s.payloads, payload)
	outcome, ok := s.outcomes[sub.Endpoint]
	s.mu.Unlock()
	if !ok {
		outcome = notification.Delivered
	}
	return notification.Delivery{SubscriptionID: sub.ID, Outcome: outcome}
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// steppingClock makes subscription order follow insertion order.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newDispatcher(store *memory.Store, transport *scriptedTransport, concurrency int) *push.Dispatcher {
	return push.NewDispatcher(store, store, transport, push.DispatcherConfig{
		Concurrency: concurrency,
		DefaultIcon: "/static/icons/icon-192x192.png",
		SiteURL:     "https://news.example/",
	}, newTestLogger())
}

func subscribe(t *testing.T, store *memory.Store, userID, endpoint string) *notification.Subscription {
	t.Helper()
	sub, err := store.Upsert(context.Background(), userID, endpoint, notification.Keys{P256dh: "p", Auth: "a"})
	require.NoError(t, err)
	return sub
}

func TestBroadcast_EmptyAudience(t *testing.T) {
	store := memory.New()
	transport := newScriptedTransport(nil)
	d := newDispatcher(store, transport, 4)

	result, err := d.Broadcast(context.Background(), push.Message{Title: "Nobody", Body: "listens"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Zero(t, transport.callCount())
	rec, ok := store.Notification(result.NotificationID)
	require.True(t, ok)
	assert.True(t, rec.IsSent)
	assert.NotNil(t, rec.SentAt)
}

func TestBroadcast_InvalidAndDelivered(t *testing.T) {
	store := memory.New()
	s := subscribe(t, store, "u1", "https://push.example/E1")
	tt := subscribe(t, store, "u2", "https://push.example/E2")
	transport := newScriptedTransport(map[string]notification.Outcome{
		s.Endpoint:  notification.PermanentlyInvalid,
		tt.Endpoint: notification.Delivered,
	})
	d := newDispatcher(store, transport, 4)

	result, err := d.Broadcast(context.Background(), push.Message{Title: "Title A", Body: "Body A"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Invalidated)

	gotS, _ := store.Subscription("u1", s.Endpoint)
	gotT, _ := store.Subscription("u2", tt.Endpoint)
	assert.False(t, gotS.IsActive)
	assert.True(t, gotT.IsActive)

	active, err := store.ActiveSubscriptions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "u2", active[0].UserID)
	assert.Equal(t, tt.Endpoint, active[0].Endpoint)
}

func TestBroadcast_AllTransient(t *testing.T) {
	store := memory.New()
	a := subscribe(t, store, "u1", "https://push.example/a")
	b := subscribe(t, store, "u2", "https://push.example/b")
	transport := newScriptedTransport(map[string]notification.Outcome{
		a.Endpoint: notification.TransientFailure,
		b.Endpoint: notification.TransientFailure,
	})
	d := newDispatcher(store, transport, 4)

	result, err := d.Broadcast(context.Background(), push.Message{Title: "t", Body: "b"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.Transient)
	active, _ := store.ActiveSubscriptions(context.Background(), "")
	assert.Len(t, active, 2)

	// Nothing delivered is still a completed send.
	rec, _ := store.Notification(result.NotificationID)
	assert.True(t, rec.IsSent)
}

func TestBroadcast_HistoryScenario(t *testing.T) {
	store := memory.New()
	subscribe(t, store, "u1", "https://push.example/E1")
	d := newDispatcher(store, newScriptedTransport(nil), 4)

	result, err := d.Broadcast(context.Background(), push.Message{Title: "Title A", Body: "Body A"})
	require.NoError(t, err)
	require.True(t, result.Success)

	page, err := store.Page(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].IsSent)
	assert.Equal(t, "Title A", page[0].Title)
}

func TestBroadcast_Payload(t *testing.T) {
	store := memory.New()
	subscribe(t, store, "u1", "https://push.example/E1")
	transport := newScriptedTransport(nil)
	d := newDispatcher(store, transport, 4)

	result, err := d.Broadcast(context.Background(), push.Message{Title: "Breaking", Body: "News", ContentID: "42"})
	require.NoError(t, err)
	require.Len(t, transport.payloads, 1)

	var p notification.Payload
	require.NoError(t, json.Unmarshal(transport.payloads[0], &p))
	assert.Equal(t, "Breaking", p.Title)
	assert.Equal(t, "News", p.Body)
	assert.Equal(t, "/static/icons/icon-192x192.png", p.Icon)
	assert.Equal(t, "https://news.example/", p.URL)
	assert.Equal(t, "news-42", p.Tag)
	assert.Equal(t, map[string]string{"content_id": "42"}, p.Data)

	rec, _ := store.Notification(result.NotificationID)
	assert.Equal(t, "news-42", rec.Tag)
	assert.Equal(t, "42", rec.ContentID)
}

func TestBroadcast_PayloadBuiltOnce(t *testing.T) {
	store := memory.New()
	for _, e := range []string{"a", "b", "c"} {
		subscribe(t, store, "u-"+e, "https://push.example/"+e)
	}
	transport := newScriptedTransport(nil)
	d := newDispatcher(store, transport, 2)

	_, err := d.Broadcast(context.Background(), push.Message{Title: "t", Body: "b", URL: "https://news.example/a/1", Icon: "/i.png"})
	require.NoError(t, err)
	require.Len(t, transport.payloads, 3)
	assert.Equal(t, transport.payloads[0], transport.payloads[1])
	assert.Equal(t, transport.payloads[1], transport.payloads[2])
}

func TestBroadcast_BoundedConcurrency(t *testing.T) {
	store := memory.New()
	for i := 0; i < 40; i++ {
		subscribe(t, store, "user", "https://push.example/"+string(rune('A'+i)))
	}
	transport := newScriptedTransport(nil)
	transport.delay = 5 * time.Millisecond
	d := newDispatcher(store, transport, 4)

	result, err := d.Broadcast(context.Background(), push.Message{Title: "t", Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, 40, result.Delivered)
	assert.Equal(t, 40, transport.callCount())
	assert.LessOrEqual(t, transport.maxSeen.Load(), int32(4))
	assert.Greater(t, transport.maxSeen.Load(), int32(1))
}

func TestBroadcast_CancellationKeepsCollectedInvalidations(t *testing.T) {
	store := memory.NewWithClock(steppingClock())
	first := subscribe(t, store, "u1", "https://push.example/first")
	subscribe(t, store, "u2", "https://push.example/second")
	subscribe(t, store, "u3", "https://push.example/third")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newScriptedTransport(map[string]notification.Outcome{
		first.Endpoint: notification.PermanentlyInvalid,
	})
	// The caller gives up while the first attempt is in flight.
	transport.onSend = func(notification.Subscription) { cancel() }
	d := newDispatcher(store, transport, 1)

	result, err := d.Broadcast(ctx, push.Message{Title: "t", Body: "b"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, 1, result.Invalidated)
	assert.Equal(t, 2, result.Skipped)

	gotFirst, _ := store.Subscription("u1", first.Endpoint)
	assert.False(t, gotFirst.IsActive)
	active, _ := store.ActiveSubscriptions(context.Background(), "")
	assert.Len(t, active, 2)

	rec, _ := store.Notification(result.NotificationID)
	assert.False(t, rec.IsSent)
}

type failingInvalidationStore struct {
	*memory.Store
}

func (f failingInvalidationStore) MarkInvalid(context.Context, []string) error {
	return errors.New("db down")
}

func TestBroadcast_StorageFailurePropagates(t *testing.T) {
	store := memory.New()
	gone := subscribe(t, store, "u1", "https://push.example/gone")
	transport := newScriptedTransport(map[string]notification.Outcome{gone.Endpoint: notification.PermanentlyInvalid})

	d := push.NewDispatcher(failingInvalidationStore{store}, store, transport, push.DispatcherConfig{}, newTestLogger())
	_, err := d.Broadcast(context.Background(), push.Message{Title: "t", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestSendToUser(t *testing.T) {
	t.Run("No subscriptions returns failure and no record", func(t *testing.T) {
		store := memory.New()
		subscribe(t, store, "u1", "https://push.example/E1")
		transport := newScriptedTransport(nil)
		d := newDispatcher(store, transport, 4)

		result, err := d.SendToUser(context.Background(), "u3", push.Message{Title: "t", Body: "b"})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Zero(t, transport.callCount())

		page, _ := store.Page(context.Background(), 1, 20)
		assert.Empty(t, page)
	})

	t.Run("Targets only the user's subscriptions", func(t *testing.T) {
		store := memory.New()
		subscribe(t, store, "u1", "https://push.example/u1-laptop")
		subscribe(t, store, "u1", "https://push.example/u1-phone")
		subscribe(t, store, "u2", "https://push.example/u2")
		transport := newScriptedTransport(map[string]notification.Outcome{
			"https://push.example/u1-phone": notification.PermanentlyInvalid,
		})
		d := newDispatcher(store, transport, 4)

		result, err := d.SendToUser(context.Background(), "u1", push.Message{Title: "t", Body: "b"})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 2, transport.callCount())
		assert.NotContains(t, transport.calls, "https://push.example/u2")

		phone, _ := store.Subscription("u1", "https://push.example/u1-phone")
		assert.False(t, phone.IsActive)

		page, _ := store.Page(context.Background(), 1, 20)
		assert.Empty(t, page)
	})
}
