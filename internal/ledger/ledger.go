// Package ledger holds user balances and the escrow holds that back P2P trades.
//
// A hold moves funds from an owner's available balance into held. It is
// settled exactly once: released to a receiver or returned to the owner.
// Every movement appends a Transaction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrHoldNotActive     = errors.New("hold is not active")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidWallet     = errors.New("invalid wallet type")
	ErrReferenceUsed     = errors.New("reference already settled")
	ErrDuplicateDeposit  = errors.New("deposit already processed")
)

// WalletType partitions balances of the same currency.
type WalletType string

const (
	WalletFiat    WalletType = "FIAT"
	WalletSpot    WalletType = "SPOT"
	WalletFunding WalletType = "FUNDING"
)

// Valid reports whether w is a known wallet type.
func (w WalletType) Valid() bool {
	switch w {
	case WalletFiat, WalletSpot, WalletFunding:
		return true
	}
	return false
}

// HoldStatus is the lifecycle state of a hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldReleased HoldStatus = "RELEASED"
	HoldReturned HoldStatus = "RETURNED"
)

// TxType classifies ledger transactions.
type TxType string

const (
	TxP2PTrade TxType = "P2P_TRADE"
	TxDeposit  TxType = "DEPOSIT"
)

// Direction is the balance movement a transaction records.
type Direction string

const (
	DirLock       Direction = "LOCK"
	DirReleaseOut Direction = "RELEASE_OUT"
	DirReleaseIn  Direction = "RELEASE_IN"
	DirReturn     Direction = "RETURN"
	DirCredit     Direction = "CREDIT"
)

// BalanceKey identifies one balance row.
type BalanceKey struct {
	UserID     string     `json:"userId"`
	Currency   string     `json:"currency"`
	WalletType WalletType `json:"walletType"`
}

// Balance is a user's funds in one currency and wallet.
type Balance struct {
	BalanceKey
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Hold is funds reserved for a single reference (a trade ID).
type Hold struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	Currency   string          `json:"currency"`
	WalletType WalletType      `json:"walletType"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  string          `json:"reference"`
	Status     HoldStatus      `json:"status"`
	ReleasedTo string          `json:"releasedTo,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	SettledAt  *time.Time      `json:"settledAt,omitempty"`
}

// Key returns the owner's balance key.
func (h *Hold) Key() BalanceKey {
	return BalanceKey{UserID: h.OwnerID, Currency: h.Currency, WalletType: h.WalletType}
}

// IsActive reports whether the hold still reserves funds.
func (h *Hold) IsActive() bool { return h.Status == HoldActive }

// Transaction is one append-only ledger movement.
type Transaction struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Currency   string          `json:"currency"`
	WalletType WalletType      `json:"walletType"`
	Type       TxType          `json:"type"`
	Direction  Direction       `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  string          `json:"reference,omitempty"`
	HoldID     string          `json:"holdId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Settlement describes how a hold leaves ACTIVE.
type Settlement struct {
	HoldID     string
	Status     HoldStatus // HoldReleased or HoldReturned
	ReceiverID string     // balance credited; the owner for returns
	SettledAt  time.Time
	Entries    []*Transaction
}

// Store persists balances, holds and transactions. Lock, Settle and Credit
// must each be atomic.
type Store interface {
	GetBalance(ctx context.Context, key BalanceKey) (*Balance, error)
	ListBalances(ctx context.Context, userID string) ([]*Balance, error)

	// Lock moves hold.Amount from available to held, inserts the hold and
	// appends entry. Returns ErrInsufficientFunds without side effects.
	Lock(ctx context.Context, hold *Hold, entry *Transaction) error

	// Settle moves an ACTIVE hold's funds to the receiver's available
	// balance. Returns the stored hold and ErrHoldNotActive when it is
	// already settled.
	Settle(ctx context.Context, s Settlement) (*Hold, error)

	// Credit adds to available and appends entry. A non-empty entry.Reference
	// that was already credited returns ErrDuplicateDeposit.
	Credit(ctx context.Context, key BalanceKey, amount decimal.Decimal, entry *Transaction) (*Balance, error)

	GetHold(ctx context.Context, id string) (*Hold, error)
	HoldByReference(ctx context.Context, reference string) (*Hold, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}
