package offer

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
	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/metrics"
	"github.com/mbd888/p2ptrade/internal/money"
	"github.com/mbd888/p2ptrade/internal/retry"
	"github.com/mbd888/p2ptrade/internal/validation"
)

const (
	DefaultAutoCancelMinutes = 30
	MinAutoCancelMinutes     = 5
	MaxAutoCancelMinutes     = 1440
	maxPaymentMethods        = 10
	maxTermsLength           = 2000
)

var maxMargin = decimal.NewFromInt(100)

// RequirementsInput is the wire form of Requirements.
type RequirementsInput struct {
	MinCompletedTrades int    `json:"minCompletedTrades"`
	MinSuccessRate     string `json:"minSuccessRate"`
	MinAccountAgeDays  int    `json:"minAccountAgeDays"`
	TrustedOnly        bool   `json:"trustedOnly"`
}

// CreateRequest contains the parameters for creating an offer.
type CreateRequest struct {
	Type              string            `json:"type"`
	Currency          string            `json:"currency"`
	PriceCurrency     string            `json:"priceCurrency"`
	WalletType        string            `json:"walletType"`
	TotalAmount       string            `json:"totalAmount"`
	MinAmount         string            `json:"minAmount"`
	MaxAmount         string            `json:"maxAmount"`
	PriceModel        string            `json:"priceModel"`
	PriceValue        string            `json:"priceValue"`
	PaymentMethods    []string          `json:"paymentMethods"`
	AutoCancelMinutes int               `json:"autoCancelMinutes"`
	KYCRequired       bool              `json:"kycRequired"`
	Visibility        string            `json:"visibility"`
	Terms             string            `json:"termsOfTrade"`
	Requirements      RequirementsInput `json:"userRequirements"`
	ExpiresAt         *time.Time        `json:"expiresAt"`
	Publish           bool              `json:"publish"`
}

// UpdateRequest changes an editable offer. Nil fields are left unchanged.
type UpdateRequest struct {
	TotalAmount       *string            `json:"totalAmount"`
	MinAmount         *string            `json:"minAmount"`
	MaxAmount         *string            `json:"maxAmount"`
	PriceModel        *string            `json:"priceModel"`
	PriceValue        *string            `json:"priceValue"`
	PaymentMethods    []string           `json:"paymentMethods"`
	AutoCancelMinutes *int               `json:"autoCancelMinutes"`
	KYCRequired       *bool              `json:"kycRequired"`
	Visibility        *string            `json:"visibility"`
	Terms             *string            `json:"termsOfTrade"`
	Requirements      *RequirementsInput `json:"userRequirements"`
	ExpiresAt         *time.Time         `json:"expiresAt"`
}

// Service manages offer lifecycle and availability.
type Service struct {
	store          Store
	oracle         PriceOracle
	clock          clock.Clock
	reviewRequired bool
	logger         *slog.Logger
}

// NewService creates an offer service.
func NewService(store Store, oracle PriceOracle) *Service {
	return &Service{
		store:  store,
		oracle: oracle,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithReviewRequired routes published offers through PENDING_APPROVAL.
func (s *Service) WithReviewRequired(required bool) *Service {
	s.reviewRequired = required
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Create validates req and stores a new DRAFT offer, publishing it when
// req.Publish is set.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Offer, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotOwner
	}
	if errs := validation.Validate(
		validation.Required("currency", req.Currency),
		validation.Required("priceCurrency", req.PriceCurrency),
		validation.OneOf("type", strings.ToUpper(req.Type), string(TypeBuy), string(TypeSell)),
		validation.Required("type", req.Type),
		validation.ValidAmount("totalAmount", req.TotalAmount),
		validation.ValidAmount("minAmount", req.MinAmount),
		validation.ValidAmount("maxAmount", req.MaxAmount),
		validation.MaxLength("termsOfTrade", req.Terms, maxTermsLength),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}

	wallet := ledger.WalletType(strings.ToUpper(req.WalletType))
	if wallet == "" {
		wallet = ledger.WalletFunding
	}
	if !wallet.Valid() {
		return nil, invalid("walletType %q", req.WalletType)
	}

	now := s.clock.Now()
	o := &Offer{
		ID:            idgen.WithPrefix(idgen.PrefixOffer),
		UserID:        userID,
		Type:          Type(strings.ToUpper(req.Type)),
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		PriceCurrency: strings.ToUpper(strings.TrimSpace(req.PriceCurrency)),
		WalletType:    wallet,
		Status:        StatusDraft,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	amounts, err := parseAmounts(req.TotalAmount, req.MinAmount, req.MaxAmount)
	if err != nil {
		return nil, err
	}
	amounts.Available = amounts.Total
	amounts.Filled = decimal.Zero
	o.Amounts = amounts

	if err := s.applyPrice(ctx, o, req.PriceModel, req.PriceValue); err != nil {
		return nil, err
	}
	if o.PaymentMethods, err = normalizeMethods(req.PaymentMethods); err != nil {
		return nil, err
	}
	if o.Settings, err = buildSettings(req.AutoCancelMinutes, req.KYCRequired, req.Visibility, req.Terms); err != nil {
		return nil, err
	}
	if o.Requirements, err = buildRequirements(req.Requirements); err != nil {
		return nil, err
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return nil, invalid("expiresAt must be in the future")
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	s.logger.Info("offer created", "offerId", o.ID, "userId", userID, "type", o.Type, "currency", o.Currency)

	if req.Publish {
		return s.Publish(ctx, o.ID, userID)
	}
	return o, nil
}

// Update changes an offer's configuration. Only DRAFT, ACTIVE and PAUSED
// offers are editable.
func (s *Service) Update(ctx context.Context, id, userID string, req UpdateRequest) (*Offer, error) {
	var out *Offer
	err := s.withConflictRetry(ctx, func() error {
		o, err := s.ownedOffer(ctx, id, userID)
		if err != nil {
			return err
		}
		switch o.Status {
		case StatusDraft, StatusActive, StatusPaused:
		default:
			return ErrNotEditable
		}

		total, minAmt, maxAmt := money.Format(o.Amounts.Total), money.Format(o.Amounts.Min), money.Format(o.Amounts.Max)
		if req.TotalAmount != nil {
			total = *req.TotalAmount
		}
		if req.MinAmount != nil {
			minAmt = *req.MinAmount
		}
		if req.MaxAmount != nil {
			maxAmt = *req.MaxAmount
		}
		amounts, err := parseAmounts(total, minAmt, maxAmt)
		if err != nil {
			return err
		}
		if amounts.Total.LessThan(o.Amounts.Filled.Add(o.Amounts.InFlight())) {
			return invalid("totalAmount below amount already traded or reserved")
		}
		o.Amounts.Total, o.Amounts.Min, o.Amounts.Max = amounts.Total, amounts.Min, amounts.Max

		model, value := string(o.Price.Model), o.Price.Value.String()
		if req.PriceModel != nil {
			model = *req.PriceModel
		}
		if req.PriceValue != nil {
			value = *req.PriceValue
		}
		if err := s.applyPrice(ctx, o, model, value); err != nil {
			return err
		}

		if req.PaymentMethods != nil {
			if o.PaymentMethods, err = normalizeMethods(req.PaymentMethods); err != nil {
				return err
			}
		}

		settings := o.Settings
		autoCancel, kyc, vis, terms := settings.AutoCancelMinutes, settings.KYCRequired, string(settings.Visibility), settings.Terms
		if req.AutoCancelMinutes != nil {
			autoCancel = *req.AutoCancelMinutes
		}
		if req.KYCRequired != nil {
			kyc = *req.KYCRequired
		}
		if req.Visibility != nil {
			vis = *req.Visibility
		}
		if req.Terms != nil {
			terms = *req.Terms
		}
		if o.Settings, err = buildSettings(autoCancel, kyc, vis, terms); err != nil {
			return err
		}

		if req.Requirements != nil {
			if o.Requirements, err = buildRequirements(*req.Requirements); err != nil {
				return err
			}
		}
		if req.ExpiresAt != nil {
			if !req.ExpiresAt.After(s.clock.Now()) {
				return invalid("expiresAt must be in the future")
			}
			o.ExpiresAt = req.ExpiresAt
		}

		o.UpdatedAt = s.clock.Now()
		if err := s.store.Update(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Publish moves a DRAFT offer to ACTIVE, or PENDING_APPROVAL when review is
// required.
func (s *Service) Publish(ctx context.Context, id, userID string) (*Offer, error) {
	to := StatusActive
	if s.reviewRequired {
		to = StatusPendingApproval
	}
	return s.ownerTransition(ctx, id, userID, StatusDraft, to, "")
}

// Pause takes an ACTIVE offer off the market.
func (s *Service) Pause(ctx context.Context, id, userID string) (*Offer, error) {
	return s.ownerTransition(ctx, id, userID, StatusActive, StatusPaused, "")
}

// Activate resumes a PAUSED offer.
func (s *Service) Activate(ctx context.Context, id, userID string) (*Offer, error) {
	return s.ownerTransition(ctx, id, userID, StatusPaused, StatusActive, "")
}

// Close cancels an offer. Trades already open on it are unaffected.
func (s *Service) Close(ctx context.Context, id, userID string) (*Offer, error) {
	return s.ownerTransition(ctx, id, userID, "", StatusCancelled, "closed by owner")
}

// Approve publishes an offer awaiting review.
func (s *Service) Approve(ctx context.Context, id, adminID string) (*Offer, error) {
	return s.transition(ctx, id, StatusPendingApproval, StatusActive, "approved by "+adminID, nil)
}

// Reject cancels an offer awaiting review.
func (s *Service) Reject(ctx context.Context, id, adminID, reason string) (*Offer, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason required")
	}
	return s.transition(ctx, id, StatusPendingApproval, StatusCancelled, reason, nil)
}

// Delete soft-deletes an offer. Offers with trades in flight cannot be
// deleted.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	return s.withConflictRetry(ctx, func() error {
		o, err := s.ownedOffer(ctx, id, userID)
		if err != nil {
			return err
		}
		if o.Amounts.InFlight().IsPositive() {
			return ErrTradesInFlight
		}
		now := s.clock.Now()
		if !o.Status.IsTerminal() {
			o.Status = StatusCancelled
			o.StatusReason = "deleted by owner"
		}
		o.DeletedAt = &now
		o.UpdatedAt = now
		return s.store.Update(ctx, o)
	})
}

// ExpireDue moves offers past their expiresAt to EXPIRED and returns how many
// were expired.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListExpired(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range due {
		if _, err := s.transition(ctx, o.ID, "", StatusExpired, "expired", nil); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.logger.Warn("offer expiry failed", "offerId", o.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Get returns a non-deleted offer.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.DeletedAt != nil {
		return nil, ErrOfferNotFound
	}
	return o, nil
}

// ListByUser returns a user's non-deleted offers.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Offer, error) {
	return s.store.ListByUser(ctx, userID)
}

// ListActive returns public, tradable offers matching f, oldest first.
func (s *Service) ListActive(ctx context.Context, f Filter) ([]*Offer, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	f.Currency = strings.ToUpper(f.Currency)
	f.PriceCurrency = strings.ToUpper(f.PriceCurrency)
	f.Type = Type(strings.ToUpper(string(f.Type)))
	return s.store.ListActive(ctx, f)
}

// Reserve takes amount out of an ACTIVE offer's availability.
func (s *Service) Reserve(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error) {
	o, err := s.store.Reserve(ctx, id, amount, s.clock.Now())
	metrics.OfferReservationsTotal.WithLabelValues("reserve", resultLabel(err)).Inc()
	return o, err
}

// Restore returns amount to an offer's availability.
func (s *Service) Restore(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error) {
	o, err := s.store.Restore(ctx, id, amount, s.clock.Now())
	metrics.OfferReservationsTotal.WithLabelValues("restore", resultLabel(err)).Inc()
	return o, err
}

// RecordFill marks amount as traded, completing the offer once drained.
func (s *Service) RecordFill(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error) {
	o, err := s.store.Fill(ctx, id, amount, s.clock.Now())
	metrics.OfferReservationsTotal.WithLabelValues("fill", resultLabel(err)).Inc()
	if err == nil && o.Status == StatusCompleted {
		s.logger.Info("offer completed", "offerId", id)
	}
	return o, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (s *Service) ownedOffer(ctx context.Context, id, userID string) (*Offer, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	return o, nil
}

func (s *Service) ownerTransition(ctx context.Context, id, userID string, from, to Status, reason string) (*Offer, error) {
	return s.transition(ctx, id, from, to, reason, func(o *Offer) error {
		if o.UserID != userID {
			return ErrNotOwner
		}
		return nil
	})
}

// transition moves an offer to `to`. A non-empty from pins the required
// current status.
func (s *Service) transition(ctx context.Context, id string, from, to Status, reason string, check func(*Offer) error) (*Offer, error) {
	var out *Offer
	err := s.withConflictRetry(ctx, func() error {
		o, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(o); err != nil {
				return err
			}
		}
		if (from != "" && o.Status != from) || !CanTransition(o.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
		}
		o.Status = to
		o.StatusReason = reason
		o.UpdatedAt = s.clock.Now()
		if err := s.store.Update(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	return retry.DoIf(ctx, 3, 10*time.Millisecond,
		func(err error) bool { return errors.Is(err, ErrConflict) }, fn)
}

func (s *Service) applyPrice(ctx context.Context, o *Offer, model, value string) error {
	pm := PriceModel(strings.ToUpper(model))
	if pm == "" {
		pm = PriceFixed
	}
	var v decimal.Decimal
	switch pm {
	case PriceFixed:
		p, err := money.ParsePositive(value)
		if err != nil {
			return invalid("priceValue: %v", err)
		}
		v = p
	case PriceMargin:
		p, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return invalid("priceValue: margin must be a number")
		}
		if p.Abs().GreaterThanOrEqual(maxMargin) {
			return invalid("priceValue: margin must be within ±100%%")
		}
		v = p
	default:
		return invalid("priceModel %q", model)
	}

	price := Price{Model: pm, Value: v}
	final, err := resolvePrice(ctx, s.oracle, o.Currency, o.PriceCurrency, price)
	if err != nil {
		return err
	}
	if !final.IsPositive() {
		return invalid("final price must be positive")
	}
	price.FinalPrice = final
	o.Price = price
	return nil
}

func parseAmounts(total, minAmt, maxAmt string) (Amounts, error) {
	t, err := money.ParsePositive(total)
	if err != nil {
		return Amounts{}, invalid("totalAmount: %v", err)
	}
	lo, err := money.ParsePositive(minAmt)
	if err != nil {
		return Amounts{}, invalid("minAmount: %v", err)
	}
	hi, err := money.ParsePositive(maxAmt)
	if err != nil {
		return Amounts{}, invalid("maxAmount: %v", err)
	}
	if lo.GreaterThan(hi) {
		return Amounts{}, invalid("minAmount must not exceed maxAmount")
	}
	if hi.GreaterThan(t) {
		return Amounts{}, invalid("maxAmount must not exceed totalAmount")
	}
	return Amounts{Total: t, Min: lo, Max: hi}, nil
}

func normalizeMethods(methods []string) ([]string, error) {
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, invalid("at least one payment method required")
	}
	if len(out) > maxPaymentMethods {
		return nil, invalid("at most %d payment methods", maxPaymentMethods)
	}
	return out, nil
}

func buildSettings(autoCancel int, kyc bool, visibility, terms string) (Settings, error) {
	if autoCancel == 0 {
		autoCancel = DefaultAutoCancelMinutes
	}
	if autoCancel < MinAutoCancelMinutes || autoCancel > MaxAutoCancelMinutes {
		return Settings{}, invalid("autoCancelMinutes must be between %d and %d", MinAutoCancelMinutes, MaxAutoCancelMinutes)
	}
	vis := Visibility(strings.ToUpper(visibility))
	switch vis {
	case "":
		vis = VisibilityPublic
	case VisibilityPublic, VisibilityPrivate:
	default:
		return Settings{}, invalid("visibility %q", visibility)
	}
	return Settings{
		AutoCancelMinutes: autoCancel,
		KYCRequired:       kyc,
		Visibility:        vis,
		Terms:             validation.SanitizeString(terms, maxTermsLength),
	}, nil
}

func buildRequirements(in RequirementsInput) (Requirements, error) {
	if in.MinCompletedTrades < 0 || in.MinAccountAgeDays < 0 {
		return Requirements{}, invalid("requirements must not be negative")
	}
	rate := decimal.Zero
	if strings.TrimSpace(in.MinSuccessRate) != "" {
		r, err := money.Parse(in.MinSuccessRate)
		if err != nil || r.GreaterThan(hundred) {
			return Requirements{}, invalid("minSuccessRate must be between 0 and 100")
		}
		rate = r
	}
	return Requirements{
		MinCompletedTrades: in.MinCompletedTrades,
		MinSuccessRate:     rate,
		MinAccountAgeDays:  in.MinAccountAgeDays,
		TrustedOnly:        in.TrustedOnly,
	}, nil
}
