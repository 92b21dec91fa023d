package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	balances    map[BalanceKey]*Balance
	holds       map[string]*Hold
	byReference map[string]string // reference -> hold ID
	deposits    map[string]bool   // deposit references already credited
	entries     []*Transaction
}

// NewMemoryStore creates a new in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[BalanceKey]*Balance),
		holds:       make(map[string]*Hold),
		byReference: make(map[string]string),
		deposits:    make(map[string]bool),
	}
}

func (m *MemoryStore) balanceLocked(key BalanceKey) *Balance {
	bal, ok := m.balances[key]
	if !ok {
		bal = &Balance{BalanceKey: key, Available: decimal.Zero, Held: decimal.Zero}
		m.balances[key] = bal
	}
	return bal
}

func (m *MemoryStore) GetBalance(_ context.Context, key BalanceKey) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[key]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{BalanceKey: key, Available: decimal.Zero, Held: decimal.Zero}, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, userID string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for k, bal := range m.balances {
		if k.UserID == userID {
			cp := *bal
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].WalletType < out[j].WalletType
	})
	return out, nil
}

func (m *MemoryStore) Lock(_ context.Context, hold *Hold, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byReference[hold.Reference]; exists {
		return ErrReferenceUsed
	}

	bal := m.balanceLocked(hold.Key())
	if bal.Available.LessThan(hold.Amount) {
		return ErrInsufficientFunds
	}
	bal.Available = bal.Available.Sub(hold.Amount)
	bal.Held = bal.Held.Add(hold.Amount)
	bal.UpdatedAt = hold.CreatedAt

	cp := *hold
	m.holds[hold.ID] = &cp
	m.byReference[hold.Reference] = hold.ID
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, s Settlement) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[s.HoldID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if !h.IsActive() {
		cp := *h
		return &cp, ErrHoldNotActive
	}

	owner := m.balanceLocked(h.Key())
	owner.Held = owner.Held.Sub(h.Amount)
	owner.UpdatedAt = s.SettledAt

	receiver := m.balanceLocked(BalanceKey{UserID: s.ReceiverID, Currency: h.Currency, WalletType: h.WalletType})
	receiver.Available = receiver.Available.Add(h.Amount)
	receiver.UpdatedAt = s.SettledAt

	at := s.SettledAt
	h.Status = s.Status
	h.SettledAt = &at
	if s.Status == HoldReleased {
		h.ReleasedTo = s.ReceiverID
	}
	m.entries = append(m.entries, s.Entries...)

	cp := *h
	return &cp, nil
}

func (m *MemoryStore) Credit(_ context.Context, key BalanceKey, amount decimal.Decimal, entry *Transaction) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Reference != "" {
		if m.deposits[entry.Reference] {
			return nil, ErrDuplicateDeposit
		}
		m.deposits[entry.Reference] = true
	}

	bal := m.balanceLocked(key)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = entry.CreatedAt
	m.entries = append(m.entries, entry)

	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) GetHold(_ context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) HoldByReference(_ context.Context, reference string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReference[reference]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *m.holds[id]
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
