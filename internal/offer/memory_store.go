package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory offer store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.PaymentMethods = append([]string(nil), o.PaymentMethods...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Version = 1
	m.offers[o.ID] = copyOffer(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) Update(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Version != o.Version {
		return ErrConflict
	}
	available := cur.Amounts.Available.Add(o.Amounts.Total.Sub(cur.Amounts.Total))
	if available.IsNegative() {
		return invalid("totalAmount below amount already traded or reserved")
	}

	next := copyOffer(o)
	next.Amounts.Available = available
	next.Amounts.Filled = cur.Amounts.Filled
	next.Version = cur.Version + 1
	m.offers[o.ID] = next

	o.Amounts.Available = available
	o.Amounts.Filled = cur.Amounts.Filled
	o.Version = next.Version
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.UserID == userID && o.DeletedAt == nil {
			out = append(out, copyOffer(o))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListActive(_ context.Context, f Filter) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if !o.Tradable() || o.Settings.Visibility != VisibilityPublic || !o.Amounts.Available.IsPositive() {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		if f.Currency != "" && o.Currency != f.Currency {
			continue
		}
		if f.PriceCurrency != "" && o.PriceCurrency != f.PriceCurrency {
			continue
		}
		if f.PaymentMethod != "" && !o.AcceptsPaymentMethod(f.PaymentMethod) {
			continue
		}
		out = append(out, copyOffer(o))
	}
	sortByCreated(out)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.ExpiresAt != nil && o.ExpiresAt.Before(now) && !o.Status.IsTerminal() && o.DeletedAt == nil {
			out = append(out, copyOffer(o))
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Reserve(_ context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if !o.Tradable() || o.Amounts.Available.LessThan(amount) {
		return nil, ErrUnavailable
	}
	o.Amounts.Available = o.Amounts.Available.Sub(amount)
	o.UpdatedAt = now
	o.Version++
	return copyOffer(o), nil
}

func (m *MemoryStore) Restore(_ context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	ceiling := o.Amounts.Total.Sub(o.Amounts.Filled)
	o.Amounts.Available = decimal.Min(o.Amounts.Available.Add(amount), ceiling)
	o.UpdatedAt = now
	o.Version++
	return copyOffer(o), nil
}

func (m *MemoryStore) Fill(_ context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	o.Amounts.Filled = o.Amounts.Filled.Add(amount)
	if (o.Status == StatusActive || o.Status == StatusPaused) &&
		o.Amounts.Available.IsZero() && !o.Amounts.InFlight().IsPositive() {
		o.Status = StatusCompleted
		o.StatusReason = "fully traded"
	}
	o.UpdatedAt = now
	o.Version++
	return copyOffer(o), nil
}

func sortByCreated(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].ID < offers[j].ID
		}
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
