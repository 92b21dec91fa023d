// Package webhooks delivers trade events to HTTPS endpoints registered by
// the trade participants.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/p2ptrade/internal/trade"
)

// MaxPerUser caps the number of subscriptions one user may register.
const MaxPerUser = 10

var (
	ErrNotFound      = errors.New("webhooks: subscription not found")
	ErrInvalidURL    = errors.New("webhooks: invalid url")
	ErrInvalidEvents = errors.New("webhooks: unknown event type")
	ErrLimitReached  = errors.New("webhooks: subscription limit reached")
)

// Subscription is one registered endpoint. An empty Events list receives
// every trade event.
type Subscription struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"userId"`
	URL                 string            `json:"url"`
	Secret              string            `json:"-"`
	Events              []trade.EventType `json:"events"`
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"createdAt"`
	LastSuccess         *time.Time        `json:"lastSuccess,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive an event type.
func (s *Subscription) Wants(t trade.EventType) bool {
	return s.Active && (len(s.Events) == 0 || slices.Contains(s.Events, t))
}

// Delivery is the JSON body posted to an endpoint.
type Delivery struct {
	ID        string          `json:"id"`
	Type      trade.EventType `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      trade.Event     `json:"data"`
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	ListActiveByUsers(ctx context.Context, userIDs []string) ([]*Subscription, error)
	RecordResult(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

func validEvent(t trade.EventType) bool {
	return t == trade.EventStatusChanged || t == trade.EventMessage
}

// MemoryStore keeps subscriptions in process.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListActiveByUsers(_ context.Context, userIDs []string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Active && slices.Contains(userIDs, sub.UserID) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Active = sub.Active
	cur.LastSuccess = sub.LastSuccess
	cur.LastError = sub.LastError
	cur.ConsecutiveFailures = sub.ConsecutiveFailures
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
