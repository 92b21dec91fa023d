package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/logging"
	"github.com/mbd888/p2ptrade/internal/money"
	"github.com/mbd888/p2ptrade/internal/syncutil"
	"github.com/mbd888/p2ptrade/internal/traces"
)

// LockRequest asks for funds to be held against a reference.
type LockRequest struct {
	OwnerID    string
	Currency   string
	WalletType WalletType
	Amount     decimal.Decimal
	Reference  string
}

// DepositRequest credits a user's available balance.
type DepositRequest struct {
	UserID     string
	Currency   string
	WalletType WalletType
	Amount     decimal.Decimal
	Reference  string
}

// Manager is the ledger hold manager. Operations on the same balance key are
// serialized in-process; the store provides cross-process atomicity.
type Manager struct {
	store  Store
	locks  *syncutil.KeyedMutex
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager creates a hold manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// WithLogger sets the logger used for settlement anomalies.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

func balanceLockKey(k BalanceKey) string {
	return syncutil.Key("bal", k.UserID, k.Currency, string(k.WalletType))
}

// Lock holds req.Amount of the owner's available funds for req.Reference.
// Calling Lock again for a reference with an ACTIVE hold returns that hold.
func (m *Manager) Lock(ctx context.Context, req LockRequest) (hold *Hold, err error) {
	done := observeOp("lock")
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger.Lock",
		traces.UserID(req.OwnerID), traces.Currency(req.Currency),
		traces.Amount(money.Format(req.Amount)), traces.Reference(req.Reference))
	defer func() { traces.End(span, err) }()

	if err := validateKey(req.OwnerID, req.Currency, req.WalletType); err != nil {
		return nil, err
	}
	if money.Validate(req.Amount) != nil || !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, fmt.Errorf("%w: reference required", ErrInvalidAmount)
	}

	key := BalanceKey{UserID: req.OwnerID, Currency: req.Currency, WalletType: req.WalletType}
	unlock, err := m.locks.Lock(ctx, balanceLockKey(key))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := m.existingHold(ctx, req.Reference); err != nil || existing != nil {
		return existing, err
	}

	now := m.clock.Now()
	hold = &Hold{
		ID:         idgen.WithPrefix(idgen.PrefixHold),
		OwnerID:    req.OwnerID,
		Currency:   req.Currency,
		WalletType: req.WalletType,
		Amount:     req.Amount,
		Reference:  req.Reference,
		Status:     HoldActive,
		CreatedAt:  now,
	}
	entry := &Transaction{
		ID:         idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:     req.OwnerID,
		Currency:   req.Currency,
		WalletType: req.WalletType,
		Type:       TxP2PTrade,
		Direction:  DirLock,
		Amount:     req.Amount,
		Reference:  req.Reference,
		HoldID:     hold.ID,
		CreatedAt:  now,
	}

	if err := m.store.Lock(ctx, hold, entry); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			InsufficientFundsTotal.Inc()
			return nil, err
		}
		if errors.Is(err, ErrReferenceUsed) {
			// Another process locked the same reference first.
			if existing, lookupErr := m.existingHold(ctx, req.Reference); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("lock funds: %w", err)
	}

	HoldsTotal.WithLabelValues("locked").Inc()
	return hold, nil
}

// existingHold returns the ACTIVE hold for reference, nil if there is none,
// or ErrReferenceUsed if the reference was already settled.
func (m *Manager) existingHold(ctx context.Context, reference string) (*Hold, error) {
	h, err := m.store.HoldByReference(ctx, reference)
	if errors.Is(err, ErrHoldNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if h.IsActive() {
		return h, nil
	}
	return nil, ErrReferenceUsed
}

// Release pays an ACTIVE hold out to toUserID. When the hold is already
// settled it returns the stored hold together with ErrHoldNotActive so the
// caller can see which way it went.
func (m *Manager) Release(ctx context.Context, holdID, toUserID string) (*Hold, error) {
	if strings.TrimSpace(toUserID) == "" {
		return nil, fmt.Errorf("%w: receiver required", ErrInvalidAmount)
	}
	return m.settle(ctx, "release", holdID, HoldReleased, toUserID)
}

// Return gives an ACTIVE hold back to its owner.
func (m *Manager) Return(ctx context.Context, holdID string) (*Hold, error) {
	return m.settle(ctx, "return", holdID, HoldReturned, "")
}

func (m *Manager) settle(ctx context.Context, op, holdID string, status HoldStatus, receiverID string) (hold *Hold, err error) {
	done := observeOp(op)
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.HoldID(holdID))
	defer func() {
		if errors.Is(err, ErrHoldNotActive) {
			traces.End(span, nil)
			return
		}
		traces.End(span, err)
	}()

	hold, err = m.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, balanceLockKey(hold.Key()))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !hold.IsActive() {
		return hold, ErrHoldNotActive
	}
	if receiverID == "" {
		receiverID = hold.OwnerID
	}

	now := m.clock.Now()
	var entries []*Transaction
	switch status {
	case HoldReleased:
		entries = []*Transaction{
			m.entry(hold, hold.OwnerID, DirReleaseOut, now),
			m.entry(hold, receiverID, DirReleaseIn, now),
		}
	default:
		entries = []*Transaction{m.entry(hold, hold.OwnerID, DirReturn, now)}
	}

	settled, err := m.store.Settle(ctx, Settlement{
		HoldID:     hold.ID,
		Status:     status,
		ReceiverID: receiverID,
		SettledAt:  now,
		Entries:    entries,
	})
	if err != nil {
		if errors.Is(err, ErrHoldNotActive) {
			return settled, err
		}
		logging.L(ctx).Error("hold settlement failed",
			"holdId", hold.ID, "reference", hold.Reference, "op", op, "error", err)
		return nil, fmt.Errorf("%s hold: %w", op, err)
	}

	HoldsTotal.WithLabelValues(string(status)).Inc()
	return settled, nil
}

func (m *Manager) entry(h *Hold, userID string, dir Direction, at time.Time) *Transaction {
	return &Transaction{
		ID:         idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:     userID,
		Currency:   h.Currency,
		WalletType: h.WalletType,
		Type:       TxP2PTrade,
		Direction:  dir,
		Amount:     h.Amount,
		Reference:  h.Reference,
		HoldID:     h.ID,
		CreatedAt:  at,
	}
}

// Deposit credits a user's available balance. A repeated non-empty reference
// returns ErrDuplicateDeposit.
func (m *Manager) Deposit(ctx context.Context, req DepositRequest) (*Balance, error) {
	done := observeOp("deposit")
	defer done()

	if err := validateKey(req.UserID, req.Currency, req.WalletType); err != nil {
		return nil, err
	}
	if money.Validate(req.Amount) != nil || !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	key := BalanceKey{UserID: req.UserID, Currency: req.Currency, WalletType: req.WalletType}
	unlock, err := m.locks.Lock(ctx, balanceLockKey(key))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.store.Credit(ctx, key, req.Amount, &Transaction{
		ID:         idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:     req.UserID,
		Currency:   req.Currency,
		WalletType: req.WalletType,
		Type:       TxDeposit,
		Direction:  DirCredit,
		Amount:     req.Amount,
		Reference:  req.Reference,
		CreatedAt:  m.clock.Now(),
	})
}

// GetHold returns a hold by ID.
func (m *Manager) GetHold(ctx context.Context, id string) (*Hold, error) {
	return m.store.GetHold(ctx, id)
}

// HoldByReference returns the hold created for reference.
func (m *Manager) HoldByReference(ctx context.Context, reference string) (*Hold, error) {
	return m.store.HoldByReference(ctx, reference)
}

// GetBalance returns a balance, zero-valued if the user never held funds.
func (m *Manager) GetBalance(ctx context.Context, key BalanceKey) (*Balance, error) {
	if err := validateKey(key.UserID, key.Currency, key.WalletType); err != nil {
		return nil, err
	}
	return m.store.GetBalance(ctx, key)
}

// ListBalances returns every balance row for a user.
func (m *Manager) ListBalances(ctx context.Context, userID string) ([]*Balance, error) {
	return m.store.ListBalances(ctx, userID)
}

// ListTransactions returns a user's most recent transactions first.
func (m *Manager) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return m.store.ListTransactions(ctx, userID, limit)
}

func validateKey(userID, currency string, wallet WalletType) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(currency) == "" {
		return fmt.Errorf("%w: user and currency required", ErrInvalidAmount)
	}
	if !wallet.Valid() {
		return ErrInvalidWallet
	}
	return nil
}
