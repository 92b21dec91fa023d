package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/trade"
)

// Manager owns subscription lifecycle for users.
type Manager struct {
	store    Store
	clock    clock.Clock
	validate func(string) error
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, clock: clock.Real{}, validate: validateURL}
}

func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// Subscribe registers url for userID and returns the subscription with its
// signing secret set. The secret is not readable afterwards.
func (m *Manager) Subscribe(ctx context.Context, userID, url string, events []string) (*Subscription, error) {
	if err := m.validate(url); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	evs, err := parseEvents(events)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= MaxPerUser {
		return nil, ErrLimitReached
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixWebhook),
		UserID:    userID,
		URL:       url,
		Secret:    secret,
		Events:    evs,
		Active:    true,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// List returns userID's subscriptions, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*Subscription, error) {
	return m.store.ListByUser(ctx, userID)
}

// Unsubscribe deletes a subscription owned by userID. Someone else's ID
// reads as not found.
func (m *Manager) Unsubscribe(ctx context.Context, userID, id string) error {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return ErrNotFound
	}
	return m.store.Delete(ctx, id)
}

func parseEvents(raw []string) ([]trade.EventType, error) {
	out := make([]trade.EventType, 0, len(raw))
	for _, r := range raw {
		t := trade.EventType(r)
		if !validEvent(t) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvents, r)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
