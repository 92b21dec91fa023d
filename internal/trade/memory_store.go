package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/p2ptrade/internal/profile"
)

// MemoryStore is an in-memory trade store for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	timeline map[string][]*TimelineEntry
	seq      int64
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		timeline: make(map[string][]*TimelineEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade, entry *TimelineEntry) error {
	if entry != nil {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Version = 1
	m.trades[t.ID] = t.clone()
	if entry != nil {
		m.appendLocked(entry)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, t *Trade, expected Status, entry *TimelineEntry) error {
	if entry != nil {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Status != expected || cur.Version != t.Version {
		return ErrConcurrentModification
	}
	t.Version = cur.Version + 1
	m.trades[t.ID] = t.clone()
	if entry != nil {
		m.appendLocked(entry)
	}
	return nil
}

func (m *MemoryStore) AppendEntry(_ context.Context, entry *TimelineEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[entry.TradeID]; !ok {
		return ErrTradeNotFound
	}
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) appendLocked(entry *TimelineEntry) {
	m.seq++
	entry.Seq = m.seq
	cp := *entry
	m.timeline[entry.TradeID] = append(m.timeline[entry.TradeID], &cp)
}

func (m *MemoryStore) Timeline(_ context.Context, tradeID string) ([]*TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.timeline[tradeID]
	out := make([]*TimelineEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, f ListFilter) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if !f.before(t) {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if t.Status == status {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if !isDueStatus(t.Status) || t.ExpiresAt == nil || !t.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TradeStats(_ context.Context, userID string) (profile.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st profile.Stats
	for _, t := range m.trades {
		if !t.IsParty(userID) {
			continue
		}
		switch {
		case t.Status == StatusCompleted:
			st.Completed++
		case t.Status == StatusCancelled && t.CancelledBy == userID:
			st.Failed++
		}
	}
	return st, nil
}

func isDueStatus(s Status) bool {
	for _, d := range dueStatuses {
		if s == d {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
