// Package trade is the escrow-backed P2P trade state machine.
//
// Flow:
//  1. Taker opens a trade against an ACTIVE offer → offer amount reserved,
//     trade PENDING_ESCROW
//  2. Seller's funds locked in a ledger hold → ESCROWED
//  3. Buyer pays off-platform and marks it → PAYMENT_SENT
//  4. Seller confirms receipt → hold released to buyer, COMPLETED
//  5. Cancel or timeout → hold returned to seller, offer amount restored
//  6. Either party disputes → DISPUTED until an admin resolves it
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/pagination"
	"github.com/mbd888/p2ptrade/internal/profile"
)

var (
	ErrTradeNotFound          = errors.New("trade not found")
	ErrInvalidTransition      = errors.New("invalid trade transition")
	ErrUnauthorized           = errors.New("not authorized for this trade")
	ErrInsufficientFunds      = errors.New("insufficient funds to escrow trade")
	ErrHoldNotActive          = errors.New("escrow hold is no longer active")
	ErrOfferUnavailable       = errors.New("offer unavailable")
	ErrConcurrentModification = errors.New("trade was modified concurrently")
	ErrReasonRequired         = errors.New("reason is required")
	ErrRequirementsNotMet     = profile.ErrRequirementsNotMet
	ErrInvalidAmount          = errors.New("invalid trade amount")
	ErrPaymentMethod          = errors.New("payment method not accepted by offer")
	ErrInvalidMessage         = errors.New("invalid message")
	ErrInvalidOutcome         = errors.New("outcome must be RELEASE or RETURN")
	ErrAssigneeRequired       = errors.New("assignee is required")
	ErrInvalidCursor          = errors.New("invalid cursor")
)

// Status represents the state of a trade.
type Status string

const (
	StatusPendingEscrow Status = "PENDING_ESCROW" // Persisted, hold not yet taken
	StatusEscrowed      Status = "ESCROWED"       // Seller funds held
	StatusPaymentSent   Status = "PAYMENT_SENT"   // Buyer reports payment
	StatusCompleted     Status = "COMPLETED"      // Hold released to buyer
	StatusCancelled     Status = "CANCELLED"      // Hold returned (if any)
	StatusExpired       Status = "EXPIRED"        // Never escrowed in time
	StatusDisputed      Status = "DISPUTED"       // Awaiting admin
)

// IsTerminal returns true if no further transition is accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Party is the role an actor plays on a specific trade.
type Party string

const (
	PartyBuyer  Party = "BUYER"
	PartySeller Party = "SELLER"
	PartyAdmin  Party = "ADMIN"
	PartySystem Party = "SYSTEM"
)

// Outcome is an admin's resolution of a trade.
type Outcome string

const (
	OutcomeRelease Outcome = "RELEASE" // pay the buyer
	OutcomeReturn  Outcome = "RETURN"  // refund the seller
)

// Trade is a two-party transaction opened from an offer. Commercial terms
// are copied from the offer when the trade is created.
type Trade struct {
	ID                string            `json:"id"`
	OfferID           string            `json:"offerId"`
	MakerID           string            `json:"makerId"`
	BuyerID           string            `json:"buyerId"`
	SellerID          string            `json:"sellerId"`
	Currency          string            `json:"currency"`
	PriceCurrency     string            `json:"priceCurrency"`
	WalletType        ledger.WalletType `json:"walletType"`
	Amount            decimal.Decimal   `json:"amount"`
	Price             decimal.Decimal   `json:"price"`
	Total             decimal.Decimal   `json:"total"`
	PaymentMethod     string            `json:"paymentMethod"`
	AutoCancelMinutes int               `json:"autoCancelMinutes"`
	Status            Status            `json:"status"`
	Reason            string            `json:"reason,omitempty"`
	HoldID            string            `json:"holdId,omitempty"`
	CancelledBy       string            `json:"cancelledBy,omitempty"`
	DisputedBy        string            `json:"disputedBy,omitempty"`
	AssignedTo        string            `json:"assignedTo,omitempty"`
	Resolution        Outcome           `json:"resolution,omitempty"`
	ResolvedBy        string            `json:"resolvedBy,omitempty"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	PaymentSentAt     *time.Time        `json:"paymentSentAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	CancelledAt       *time.Time        `json:"cancelledAt,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// PartyOf returns the side userID is on.
func (t *Trade) PartyOf(userID string) (Party, bool) {
	switch userID {
	case "":
		return "", false
	case t.BuyerID:
		return PartyBuyer, true
	case t.SellerID:
		return PartySeller, true
	}
	return "", false
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Trade) IsParty(userID string) bool {
	_, ok := t.PartyOf(userID)
	return ok
}

// Due reports whether the deadline has passed at now.
func (t *Trade) Due(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

func (t *Trade) clone() *Trade {
	cp := *t
	return &cp
}

// Store persists trades and their timelines.
type Store interface {
	// Create inserts a new trade together with its first timeline entry.
	Create(ctx context.Context, t *Trade, entry *TimelineEntry) error
	Get(ctx context.Context, id string) (*Trade, error)

	// Transition writes t only if the stored trade still has status
	// expected and version t.Version, then increments the version. A
	// non-nil entry is appended in the same unit. Returns
	// ErrConcurrentModification when the guard does not match.
	Transition(ctx context.Context, t *Trade, expected Status, entry *TimelineEntry) error

	AppendEntry(ctx context.Context, entry *TimelineEntry) error
	Timeline(ctx context.Context, tradeID string) ([]*TimelineEntry, error)

	// ListByUser returns trades where userID is buyer or seller, newest
	// first.
	ListByUser(ctx context.Context, userID string, f ListFilter) ([]*Trade, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)

	// ListDue returns PENDING_ESCROW, ESCROWED and PAYMENT_SENT trades whose
	// deadline is before now, oldest deadline first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Trade, error)

	// TradeStats counts a user's completed trades and the cancellations
	// they initiated.
	TradeStats(ctx context.Context, userID string) (profile.Stats, error)
}

// ListFilter narrows ListByUser. An empty Status matches all; After, when
// set, returns only trades strictly older than the cursor position.
type ListFilter struct {
	Status Status
	After  *pagination.Cursor
	Limit  int
}

// before reports whether t sorts after the cursor in newest-first order.
func (f ListFilter) before(t *Trade) bool {
	return f.After.Precedes(t.CreatedAt, t.ID)
}

// dueStatuses are swept when their deadline passes. DISPUTED is never among
// them.
var dueStatuses = []Status{StatusPendingEscrow, StatusEscrowed, StatusPaymentSent}
