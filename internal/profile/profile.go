// Package profile holds counterparty attributes and evaluates offer
// requirements against them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/offer"
)

var (
	ErrProfileNotFound    = errors.New("profile not found")
	ErrRequirementsNotMet = errors.New("counterparty requirements not met")
	ErrInvalidProfile     = errors.New("invalid profile")
)

// Attributes are the admin-managed facts about a user.
type Attributes struct {
	UserID           string    `json:"userId"`
	AccountCreatedAt time.Time `json:"accountCreatedAt"`
	KYCVerified      bool      `json:"kycVerified"`
	Trusted          bool      `json:"trusted"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Stats are derived from trade history. Failed counts cancellations the user
// was responsible for.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StatsSource reports trade statistics for a user.
type StatsSource interface {
	TradeStats(ctx context.Context, userID string) (Stats, error)
}

// Profile is the combined view used for requirement checks.
type Profile struct {
	UserID           string          `json:"userId"`
	AccountCreatedAt time.Time       `json:"accountCreatedAt,omitempty"`
	KYCVerified      bool            `json:"kycVerified"`
	Trusted          bool            `json:"trusted"`
	CompletedTrades  int             `json:"completedTrades"`
	FailedTrades     int             `json:"failedTrades"`
	SuccessRate      decimal.Decimal `json:"successRate"` // percent
}

// AccountAgeDays returns whole days since the account was opened.
func (p *Profile) AccountAgeDays(now time.Time) int {
	if p.AccountCreatedAt.IsZero() || now.Before(p.AccountCreatedAt) {
		return 0
	}
	return int(now.Sub(p.AccountCreatedAt).Hours() / 24)
}

// Store persists Attributes.
type Store interface {
	Get(ctx context.Context, userID string) (*Attributes, error)
	Upsert(ctx context.Context, a *Attributes) error
}

// Service combines stored attributes with live trade stats.
type Service struct {
	store  Store
	stats  StatsSource
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store Store) *Service {
	return &Service{store: store, clock: clock.Real{}, logger: slog.Default()}
}

// WithStats attaches the trade statistics source.
func (s *Service) WithStats(src StatsSource) *Service {
	s.stats = src
	return s
}

func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Get returns the profile for userID. Unknown users get an empty profile.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{UserID: userID, SuccessRate: decimal.Zero}

	attrs, err := s.store.Get(ctx, userID)
	switch {
	case err == nil:
		p.AccountCreatedAt = attrs.AccountCreatedAt
		p.KYCVerified = attrs.KYCVerified
		p.Trusted = attrs.Trusted
	case errors.Is(err, ErrProfileNotFound):
	default:
		return nil, fmt.Errorf("load profile: %w", err)
	}

	if s.stats != nil {
		st, err := s.stats.TradeStats(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load trade stats: %w", err)
		}
		p.CompletedTrades = st.Completed
		p.FailedTrades = st.Failed
		p.SuccessRate = successRate(st)
	}
	return p, nil
}

// UpsertRequest sets a user's attributes.
type UpsertRequest struct {
	AccountCreatedAt *time.Time `json:"accountCreatedAt"`
	KYCVerified      bool       `json:"kycVerified"`
	Trusted          bool       `json:"trusted"`
}

// Upsert creates or replaces a user's attributes. A missing account creation
// time keeps the stored one, or defaults to now for a new user.
func (s *Service) Upsert(ctx context.Context, userID string, req UpsertRequest) (*Attributes, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId required", ErrInvalidProfile)
	}
	now := s.clock.Now()
	a := &Attributes{
		UserID:      userID,
		KYCVerified: req.KYCVerified,
		Trusted:     req.Trusted,
		UpdatedAt:   now,
	}
	switch {
	case req.AccountCreatedAt != nil:
		if req.AccountCreatedAt.After(now) {
			return nil, fmt.Errorf("%w: accountCreatedAt in the future", ErrInvalidProfile)
		}
		a.AccountCreatedAt = req.AccountCreatedAt.UTC()
	default:
		existing, err := s.store.Get(ctx, userID)
		switch {
		case err == nil:
			a.AccountCreatedAt = existing.AccountCreatedAt
		case errors.Is(err, ErrProfileNotFound):
			a.AccountCreatedAt = now
		default:
			return nil, err
		}
	}
	if err := s.store.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	s.logger.Info("profile updated", "userId", userID, "kycVerified", a.KYCVerified, "trusted", a.Trusted)
	return a, nil
}

// Check loads userID's profile and evaluates it against the requirements.
func (s *Service) Check(ctx context.Context, userID string, req offer.Requirements, kycRequired bool) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	return Evaluate(p, req, kycRequired, s.clock.Now())
}

// Evaluate returns ErrRequirementsNotMet, wrapped with the first failing
// condition, when p does not satisfy req.
func Evaluate(p *Profile, req offer.Requirements, kycRequired bool, now time.Time) error {
	switch {
	case kycRequired && !p.KYCVerified:
		return fmt.Errorf("%w: KYC verification required", ErrRequirementsNotMet)
	case req.TrustedOnly && !p.Trusted:
		return fmt.Errorf("%w: trusted users only", ErrRequirementsNotMet)
	case p.CompletedTrades < req.MinCompletedTrades:
		return fmt.Errorf("%w: at least %d completed trades required", ErrRequirementsNotMet, req.MinCompletedTrades)
	case req.MinSuccessRate.IsPositive() && p.SuccessRate.LessThan(req.MinSuccessRate):
		return fmt.Errorf("%w: success rate %s%% below %s%%", ErrRequirementsNotMet,
			p.SuccessRate.StringFixed(2), req.MinSuccessRate.StringFixed(2))
	case p.AccountAgeDays(now) < req.MinAccountAgeDays:
		return fmt.Errorf("%w: account must be at least %d days old", ErrRequirementsNotMet, req.MinAccountAgeDays)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

func successRate(st Stats) decimal.Decimal {
	total := st.Completed + st.Failed
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(st.Completed)).Mul(hundred).
		Div(decimal.NewFromInt(int64(total))).Round(2)
}
