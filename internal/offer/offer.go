// Package offer is the registry of buy/sell advertisements that trades are
// opened against.
//
// An offer's available amount is a counter shared by every trade opened on
// it: Reserve decrements it atomically when a trade is created and Restore
// gives it back when that trade is cancelled or expires.
package offer

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/ledger"
)

var (
	ErrOfferNotFound     = errors.New("offer not found")
	ErrNotOwner          = errors.New("not the offer owner")
	ErrInvalidTransition = errors.New("offer status does not allow this action")
	ErrNotEditable       = errors.New("offer is not editable in its current status")
	ErrValidation        = errors.New("invalid offer")
	ErrUnavailable       = errors.New("offer amount unavailable")
	ErrTradesInFlight    = errors.New("offer has trades in flight")
	ErrConflict          = errors.New("offer was modified concurrently")
	ErrPriceUnavailable  = errors.New("market price unavailable")
)

// Type is the owner's side of the trade.
type Type string

const (
	TypeBuy  Type = "BUY"
	TypeSell Type = "SELL"
)

// PriceModel selects how FinalPrice is derived.
type PriceModel string

const (
	PriceFixed  PriceModel = "FIXED"
	PriceMargin PriceModel = "MARGIN"
)

// Visibility controls whether an offer is listed publicly.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// Status is the offer lifecycle state.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusActive          Status = "ACTIVE"
	StatusPaused          Status = "PAUSED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// IsTerminal reports whether no further status change is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusDraft:           {StatusActive, StatusPendingApproval, StatusCancelled, StatusExpired},
	StatusPendingApproval: {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:          {StatusPaused, StatusCompleted, StatusCancelled, StatusExpired},
	StatusPaused:          {StatusActive, StatusCompleted, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from → to is a legal offer status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Amounts tracks an offer's size. Available + Filled + in-flight = Total.
type Amounts struct {
	Total     decimal.Decimal `json:"total"`
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Available decimal.Decimal `json:"availableBalance"`
	Filled    decimal.Decimal `json:"filled"`
}

// InFlight is the amount reserved by trades that have not completed.
func (a Amounts) InFlight() decimal.Decimal {
	return a.Total.Sub(a.Available).Sub(a.Filled)
}

// Price is the pricing configuration and its resolved value.
type Price struct {
	Model      PriceModel      `json:"model"`
	Value      decimal.Decimal `json:"value"` // fixed price, or margin percent
	FinalPrice decimal.Decimal `json:"finalPrice"`
}

// Settings are trade-level terms copied onto every trade.
type Settings struct {
	AutoCancelMinutes int        `json:"autoCancelMinutes"`
	KYCRequired       bool       `json:"kycRequired"`
	Visibility        Visibility `json:"visibility"`
	Terms             string     `json:"termsOfTrade,omitempty"`
}

// Requirements restrict which counterparties may trade.
type Requirements struct {
	MinCompletedTrades int             `json:"minCompletedTrades"`
	MinSuccessRate     decimal.Decimal `json:"minSuccessRate"` // percent
	MinAccountAgeDays  int             `json:"minAccountAgeDays"`
	TrustedOnly        bool            `json:"trustedOnly"`
}

// Offer is an advertisement to buy or sell Currency priced in PriceCurrency.
type Offer struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	Type           Type              `json:"type"`
	Currency       string            `json:"currency"`
	PriceCurrency  string            `json:"priceCurrency"`
	WalletType     ledger.WalletType `json:"walletType"`
	Amounts        Amounts           `json:"amountConfig"`
	Price          Price             `json:"priceConfig"`
	PaymentMethods []string          `json:"paymentMethods"`
	Settings       Settings          `json:"tradeSettings"`
	Requirements   Requirements      `json:"userRequirements"`
	Status         Status            `json:"status"`
	StatusReason   string            `json:"statusReason,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	DeletedAt      *time.Time        `json:"deletedAt,omitempty"`
}

// AcceptsPaymentMethod reports whether method is one of the offer's.
func (o *Offer) AcceptsPaymentMethod(method string) bool {
	for _, m := range o.PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Tradable reports whether new trades may be opened.
func (o *Offer) Tradable() bool {
	return o.Status == StatusActive && o.DeletedAt == nil
}

// Filter narrows ListActive.
type Filter struct {
	Type          Type
	Currency      string
	PriceCurrency string
	PaymentMethod string
	Limit         int
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)

	// Update writes configuration and status when o.Version matches the
	// stored version, then increments it. A change of Total shifts Available
	// by the same delta and fails with ErrValidation if that would go
	// negative. Available and Filled are otherwise left alone.
	Update(ctx context.Context, o *Offer) error

	ListByUser(ctx context.Context, userID string) ([]*Offer, error)
	ListActive(ctx context.Context, f Filter) ([]*Offer, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error)

	// Reserve, Restore and Fill each increment the version, so an Update
	// built from an earlier read fails with ErrConflict.

	// Reserve decrements Available by amount iff the offer is ACTIVE, not
	// deleted and Available >= amount. Otherwise ErrUnavailable.
	Reserve(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error)
	// Restore increments Available by amount, capped at Total - Filled.
	Restore(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error)
	// Fill adds amount to Filled and marks an ACTIVE or PAUSED offer
	// COMPLETED once nothing is available or in flight.
	Fill(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error)
}
