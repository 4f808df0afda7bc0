// Package memory provides in-process implementations of the subscription and
// notification stores. It backs local development and the engine's unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

type subKey struct {
	userID   string
	endpoint string
}

type state struct {
	subs   map[string]notification.Subscription // by id
	byKey  map[subKey]string
	notifs map[string]notification.Notification
	seq    map[string]int64 // insertion order of notifs
	next   int64
}

func (s *state) clone() *state {
	c := &state{
		subs:   make(map[string]notification.Subscription, len(s.subs)),
		byKey:  make(map[subKey]string, len(s.byKey)),
		notifs: make(map[string]notification.Notification, len(s.notifs)),
		seq:    make(map[string]int64, len(s.seq)),
		next:   s.next,
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.notifs {
		c.notifs[k] = v
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	return c
}

// Store implements dispatch.SubscriptionStore and dispatch.NotificationStore.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable time source.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		st: &state{
			subs:   make(map[string]notification.Subscription),
			byKey:  make(map[subKey]string),
			notifs: make(map[string]notification.Notification),
			seq:    make(map[string]int64),
		},
		now: now,
	}
}

var (
	_ dispatch.SubscriptionStore = (*Store)(nil)
	_ dispatch.NotificationStore = (*Store)(nil)
)

// WithTx runs fn against a private copy of the store and publishes the copy
// only when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&Tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Tx is the view of the store inside a unit of work.
type Tx struct {
	st  *state
	now func() time.Time
}

func (s *Store) Upsert(ctx context.Context, userID, endpoint string, keys notification.Keys) (*notification.Subscription, error) {
	var out notification.Subscription
	err := s.WithTx(ctx, func(tx *Tx) error {
		k := subKey{userID: userID, endpoint: endpoint}
		sub, ok := tx.st.subs[tx.st.byKey[k]]
		if !ok {
			sub = notification.Subscription{ID: uuid.NewString(), UserID: userID, Endpoint: endpoint}
			tx.st.byKey[k] = sub.ID
		}
		sub.Keys = keys
		sub.CreatedAt = tx.now().UTC()
		sub.IsActive = true
		tx.st.subs[sub.ID] = sub
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) Deactivate(ctx context.Context, userID, endpoint string) (bool, error) {
	var changed bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		id, ok := tx.st.byKey[subKey{userID: userID, endpoint: endpoint}]
		if !ok {
			return nil
		}
		sub := tx.st.subs[id]
		if !sub.IsActive {
			return nil
		}
		sub.IsActive = false
		tx.st.subs[id] = sub
		changed = true
		return nil
	})
	return changed, err
}

func (s *Store) ActiveSubscriptions(ctx context.Context, userID string) ([]notification.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]notification.Subscription, 0)
	for _, sub := range s.st.subs {
		if !sub.IsActive || (userID != "" && sub.UserID != userID) {
			continue
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func (s *Store) MarkInvalid(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range ids {
			sub, ok := tx.st.subs[id]
			if !ok {
				continue
			}
			sub.IsActive = false
			tx.st.subs[id] = sub
		}
		return nil
	})
}

// Subscription returns a row by (userID, endpoint) regardless of its state.
func (s *Store) Subscription(userID, endpoint string) (notification.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.st.subs[s.st.byKey[subKey{userID: userID, endpoint: endpoint}]]
	return sub, ok
}

// SubscriptionCount counts rows, active or not.
func (s *Store) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.subs)
}

func (s *Store) Create(ctx context.Context, n notification.NewNotification) (*notification.Notification, error) {
	var out notification.Notification
	err := s.WithTx(ctx, func(tx *Tx) error {
		out = notification.Notification{
			ID:        uuid.NewString(),
			Title:     n.Title,
			Body:      n.Body,
			Icon:      n.Icon,
			URL:       n.URL,
			Tag:       n.Tag,
			ContentID: n.ContentID,
			CreatedAt: tx.now().UTC(),
		}
		tx.st.notifs[out.ID] = out
		tx.st.next++
		tx.st.seq[out.ID] = tx.st.next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		n, ok := tx.st.notifs[id]
		if !ok {
			return dispatch.ErrNotFound
		}
		if n.IsSent {
			return nil
		}
		sentAt := tx.now().UTC()
		n.IsSent = true
		n.SentAt = &sentAt
		tx.st.notifs[id] = n
		return nil
	})
}

func (s *Store) Page(ctx context.Context, page, pageSize int) ([]notification.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := make([]notification.Notification, 0, len(s.st.notifs))
	for _, n := range s.st.notifs {
		all = append(all, n)
	}
	seq := s.st.seq
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return seq[all[i].ID] > seq[all[j].ID]
	})

	start, ok := dispatch.PageOffset(page, pageSize)
	if !ok || start >= len(all) {
		return []notification.Notification{}, nil
	}
	end := len(all)
	if pageSize < end-start {
		end = start + pageSize
	}
	return all[start:end], nil
}

// Notification returns one record by id.
func (s *Store) Notification(id string) (notification.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.st.notifs[id]
	return n, ok
}
