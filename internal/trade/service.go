package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/activity"
	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/logging"
	"github.com/mbd888/p2ptrade/internal/metrics"
	"github.com/mbd888/p2ptrade/internal/money"
	"github.com/mbd888/p2ptrade/internal/offer"
	"github.com/mbd888/p2ptrade/internal/pagination"
	"github.com/mbd888/p2ptrade/internal/profile"
	"github.com/mbd888/p2ptrade/internal/retry"
	"github.com/mbd888/p2ptrade/internal/syncutil"
	"github.com/mbd888/p2ptrade/internal/traces"
)

const (
	maxAttempts = 3
	retryDelay  = 10 * time.Millisecond

	settleAttempts = 6
	settleTimeout  = 5 * time.Second

	TimeoutCancel  = "cancel"
	TimeoutDispute = "dispute"

	DefaultPendingEscrowTTL = 2 * time.Minute
)

// LedgerService is the hold manager the trade drives.
type LedgerService interface {
	Lock(ctx context.Context, req ledger.LockRequest) (*ledger.Hold, error)
	Release(ctx context.Context, holdID, toUserID string) (*ledger.Hold, error)
	Return(ctx context.Context, holdID string) (*ledger.Hold, error)
	GetHold(ctx context.Context, id string) (*ledger.Hold, error)
	HoldByReference(ctx context.Context, reference string) (*ledger.Hold, error)
}

// OfferService supplies terms and the shared availability counter.
type OfferService interface {
	Get(ctx context.Context, id string) (*offer.Offer, error)
	Reserve(ctx context.Context, id string, amount decimal.Decimal) (*offer.Offer, error)
	Restore(ctx context.Context, id string, amount decimal.Decimal) (*offer.Offer, error)
	RecordFill(ctx context.Context, id string, amount decimal.Decimal) (*offer.Offer, error)
}

// RequirementChecker evaluates an offer's counterparty requirements.
type RequirementChecker interface {
	Check(ctx context.Context, userID string, req offer.Requirements, kycRequired bool) error
}

// ActivityLog records and reads the audit trail.
type ActivityLog interface {
	Record(ctx context.Context, r activity.Record) (*activity.Record, error)
	ListByTrade(ctx context.Context, tradeID string) ([]*activity.Record, error)
}

// Policy holds deadline configuration.
type Policy struct {
	// PaymentGrace, when positive, resets the deadline to paymentSentAt +
	// PaymentGrace on MARK_PAID.
	PaymentGrace time.Duration
	// PaymentTimeoutAction is TimeoutCancel or TimeoutDispute for trades
	// that time out in PAYMENT_SENT.
	PaymentTimeoutAction string
	// PendingEscrowTTL bounds how long a trade may wait for its hold.
	PendingEscrowTTL time.Duration
}

// CreateRequest contains the parameters for opening a trade.
type CreateRequest struct {
	OfferID       string `json:"offerId"`
	Amount        string `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
}

// Service implements the trade state machine.
type Service struct {
	store        Store
	ledger       LedgerService
	offers       OfferService
	requirements RequirementChecker
	activity     ActivityLog
	notifier     Notifier
	clock        clock.Clock
	policy       Policy
	locks        *syncutil.KeyedMutex
}

// NewService creates a trade service.
func NewService(store Store, ledger LedgerService, offers OfferService) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		offers: offers,
		clock:  clock.Real{},
		policy: Policy{PaymentTimeoutAction: TimeoutCancel, PendingEscrowTTL: DefaultPendingEscrowTTL},
		locks:  syncutil.NewKeyedMutex(),
	}
}

// WithRequirements enables counterparty requirement checks on Create.
func (s *Service) WithRequirements(c RequirementChecker) *Service {
	s.requirements = c
	return s
}

// WithActivity adds an audit log.
func (s *Service) WithActivity(a ActivityLog) *Service {
	s.activity = a
	return s
}

// WithNotifier adds an event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithPolicy sets deadline configuration. Zero fields keep defaults.
func (s *Service) WithPolicy(p Policy) *Service {
	if p.PaymentTimeoutAction == "" {
		p.PaymentTimeoutAction = TimeoutCancel
	}
	if p.PendingEscrowTTL <= 0 {
		p.PendingEscrowTTL = DefaultPendingEscrowTTL
	}
	s.policy = p
	return s
}

// Create opens a trade for taker against an offer and escrows the seller's
// funds. If the seller cannot cover the amount the trade is cancelled and
// returned together with ErrInsufficientFunds.
func (s *Service) Create(ctx context.Context, taker auth.Actor, req CreateRequest) (t *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "trade.Create", traces.OfferID(req.OfferID), traces.UserID(taker.ID))
	outcome := "rejected"
	defer func() {
		metrics.TradesCreatedTotal.WithLabelValues(outcome).Inc()
		traces.End(span, err)
	}()

	if strings.TrimSpace(taker.ID) == "" {
		return nil, ErrUnauthorized
	}
	amount, perr := money.ParsePositive(req.Amount)
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, perr)
	}

	o, err := s.offers.Get(ctx, req.OfferID)
	if err != nil {
		if errors.Is(err, offer.ErrOfferNotFound) {
			return nil, fmt.Errorf("%w: offer not found", ErrOfferUnavailable)
		}
		return nil, fmt.Errorf("load offer: %w", err)
	}
	if !o.Tradable() {
		return nil, fmt.Errorf("%w: offer is %s", ErrOfferUnavailable, o.Status)
	}
	if o.UserID == taker.ID {
		return nil, fmt.Errorf("%w: cannot trade against your own offer", ErrUnauthorized)
	}
	if amount.LessThan(o.Amounts.Min) || amount.GreaterThan(o.Amounts.Max) {
		return nil, fmt.Errorf("%w: amount must be between %s and %s", ErrInvalidAmount,
			money.Format(o.Amounts.Min), money.Format(o.Amounts.Max))
	}
	if amount.GreaterThan(o.Amounts.Available) {
		return nil, fmt.Errorf("%w: only %s remaining", ErrOfferUnavailable, money.Format(o.Amounts.Available))
	}
	method, err := pickPaymentMethod(o, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if s.requirements != nil {
		if err := s.requirements.Check(ctx, taker.ID, o.Requirements, o.Settings.KYCRequired); err != nil {
			return nil, err
		}
	}

	if _, err := s.offers.Reserve(ctx, o.ID, amount); err != nil {
		if errors.Is(err, offer.ErrUnavailable) {
			return nil, fmt.Errorf("%w: remaining amount changed", ErrOfferUnavailable)
		}
		return nil, fmt.Errorf("reserve offer: %w", err)
	}

	buyer, seller, takerParty := taker.ID, o.UserID, PartyBuyer
	if o.Type == offer.TypeBuy {
		buyer, seller, takerParty = o.UserID, taker.ID, PartySeller
	}
	now := s.clock.Now()
	pendingUntil := now.Add(s.policy.PendingEscrowTTL)
	t = &Trade{
		ID:                idgen.WithPrefix(idgen.PrefixTrade),
		OfferID:           o.ID,
		MakerID:           o.UserID,
		BuyerID:           buyer,
		SellerID:          seller,
		Currency:          o.Currency,
		PriceCurrency:     o.PriceCurrency,
		WalletType:        o.WalletType,
		Amount:            amount,
		Price:             o.Price.FinalPrice,
		Total:             amount.Mul(o.Price.FinalPrice).Round(money.Scale),
		PaymentMethod:     method,
		AutoCancelMinutes: o.Settings.AutoCancelMinutes,
		Status:            StatusPendingEscrow,
		ExpiresAt:         &pendingUntil,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(traces.TradeID(t.ID))

	unlock, err := s.locks.Lock(ctx, t.ID)
	if err != nil {
		s.restoreOffer(ctx, t)
		return nil, err
	}
	defer unlock()

	entry := newSystemEvent(t.ID, taker.ID, takerParty, SystemEvent{Action: ActionCreate, ToStatus: StatusPendingEscrow}, now)
	if err := s.store.Create(ctx, t, entry); err != nil {
		s.restoreOffer(ctx, t)
		return nil, fmt.Errorf("create trade: %w", err)
	}
	s.afterTransition(ctx, "", t, entry)

	t, err = s.escrow(ctx, t)
	switch {
	case err == nil:
		outcome = "escrowed"
	case errors.Is(err, ErrInsufficientFunds):
		outcome = "insufficient_funds"
	default:
		outcome = "failed"
	}
	return t, err
}

// escrow locks the seller's funds for a PENDING_ESCROW trade. Caller holds
// the trade lock.
func (s *Service) escrow(ctx context.Context, t *Trade) (*Trade, error) {
	hold, lockErr := s.ledger.Lock(ctx, ledger.LockRequest{
		OwnerID:    t.SellerID,
		Currency:   t.Currency,
		WalletType: t.WalletType,
		Amount:     t.Amount,
		Reference:  t.ID,
	})

	now := s.clock.Now()
	switch {
	case errors.Is(lockErr, ledger.ErrInsufficientFunds):
		next := build(t, change{to: StatusCancelled, mutate: func(n *Trade, _ time.Time) {
			n.Reason = "insufficient funds"
			n.CancelledBy = auth.System.ID
		}}, now)
		entry := newSystemEvent(t.ID, auth.System.ID, PartySystem, SystemEvent{
			Action: ActionLockFailed, FromStatus: StatusPendingEscrow, ToStatus: StatusCancelled, Note: "insufficient funds",
		}, now)
		if err := s.store.Transition(ctx, next, StatusPendingEscrow, entry); err != nil {
			// Left PENDING_ESCROW; the sweeper expires it and restores the offer.
			logging.L(ctx).Error("failed to cancel unfunded trade", "tradeId", t.ID, "error", err)
			return t, ErrInsufficientFunds
		}
		s.afterTransition(ctx, StatusPendingEscrow, next, entry)
		return next, ErrInsufficientFunds

	case lockErr != nil:
		logging.L(ctx).Warn("escrow lock failed, trade left pending",
			"tradeId", t.ID, "seller", t.SellerID, "error", lockErr)
		return t, fmt.Errorf("lock escrow: %w", lockErr)
	}

	next := build(t, change{to: StatusEscrowed, mutate: func(n *Trade, _ time.Time) {
		n.HoldID = hold.ID
		deadline := n.CreatedAt.Add(time.Duration(n.AutoCancelMinutes) * time.Minute)
		n.ExpiresAt = &deadline
	}}, now)
	entry := newSystemEvent(t.ID, auth.System.ID, PartySystem, SystemEvent{
		Action: ActionLockSucceeded, FromStatus: StatusPendingEscrow, ToStatus: StatusEscrowed,
	}, now)
	if err := s.store.Transition(ctx, next, StatusPendingEscrow, entry); err != nil {
		// The trade moved on without us (expired by a sweep on another
		// instance) or the write failed; either way the hold must go back.
		if _, rerr := s.ledger.Return(ctx, hold.ID); rerr != nil && !errors.Is(rerr, ledger.ErrHoldNotActive) {
			logging.L(ctx).Error("CRITICAL: escrow hold left active for unescrowed trade",
				"tradeId", t.ID, "holdId", hold.ID, "error", rerr)
		}
		if errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		return nil, fmt.Errorf("record escrow: %w", err)
	}
	s.afterTransition(ctx, StatusPendingEscrow, next, entry)
	return next, nil
}

func pickPaymentMethod(o *offer.Offer, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		if len(o.PaymentMethods) == 0 {
			return "", ErrPaymentMethod
		}
		return o.PaymentMethods[0], nil
	}
	if !o.AcceptsPaymentMethod(requested) {
		return "", fmt.Errorf("%w: %s", ErrPaymentMethod, requested)
	}
	return requested, nil
}

// MarkPaid records that the buyer has sent payment.
func (s *Service) MarkPaid(ctx context.Context, tradeID string, actor auth.Actor) (*Trade, error) {
	return s.transition(ctx, "mark_paid", tradeID, actor, func(t *Trade) (change, error) {
		party, ok := t.PartyOf(actor.ID)
		if !ok {
			return change{}, ErrUnauthorized
		}
		if t.Status == StatusEscrowed {
			if err := s.requireActiveHold(ctx, t); err != nil {
				return change{}, err
			}
		}
		return change{
			action: ActionMarkPaid, party: party, actorID: actor.ID, to: StatusPaymentSent,
			mutate: func(n *Trade, now time.Time) {
				n.PaymentSentAt = &now
				if s.policy.PaymentGrace > 0 {
					deadline := now.Add(s.policy.PaymentGrace)
					n.ExpiresAt = &deadline
				}
			},
		}, nil
	})
}

// Confirm is the seller acknowledging payment. The hold is released to the
// buyer.
func (s *Service) Confirm(ctx context.Context, tradeID string, actor auth.Actor) (*Trade, error) {
	return s.transition(ctx, "confirm", tradeID, actor, func(t *Trade) (change, error) {
		party, ok := t.PartyOf(actor.ID)
		if !ok {
			return change{}, ErrUnauthorized
		}
		return change{action: ActionConfirm, party: party, actorID: actor.ID, to: StatusCompleted}, nil
	})
}

// Cancel is either party backing out before payment is marked.
func (s *Service) Cancel(ctx context.Context, tradeID string, actor auth.Actor, reason string) (*Trade, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, "cancel", tradeID, actor, func(t *Trade) (change, error) {
		party, ok := t.PartyOf(actor.ID)
		if !ok {
			return change{}, ErrUnauthorized
		}
		if reason == "" {
			reason = "cancelled by " + strings.ToLower(string(party))
		}
		return change{
			action: ActionCancel, party: party, actorID: actor.ID, to: StatusCancelled, note: reason,
			mutate: func(n *Trade, _ time.Time) {
				n.Reason = reason
				n.CancelledBy = actor.ID
			},
		}, nil
	})
}

// Dispute escalates the trade to an admin and suspends its deadline.
func (s *Service) Dispute(ctx context.Context, tradeID string, actor auth.Actor, reason string) (*Trade, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.transition(ctx, "dispute", tradeID, actor, func(t *Trade) (change, error) {
		party, ok := t.PartyOf(actor.ID)
		if !ok {
			return change{}, ErrUnauthorized
		}
		return change{
			action: ActionDispute, party: party, actorID: actor.ID, to: StatusDisputed, note: reason,
			mutate: func(n *Trade, _ time.Time) {
				n.Reason = reason
				n.DisputedBy = actor.ID
			},
		}, nil
	})
}

// errNoop marks a sweep that found nothing to do.
var errNoop = errors.New("trade: nothing to do")

// Timeout applies the deadline transition for a due trade. It reports false
// without error when the trade is not due, is DISPUTED, is already terminal,
// or lost a race to another transition.
func (s *Service) Timeout(ctx context.Context, tradeID string) (bool, error) {
	_, err := s.transition(ctx, "timeout", tradeID, auth.System, func(t *Trade) (change, error) {
		if t.Status.IsTerminal() || t.Status == StatusDisputed || !t.Due(s.clock.Now()) {
			return change{}, errNoop
		}
		ch := change{action: ActionTimeout, party: PartySystem, actorID: auth.System.ID}
		switch t.Status {
		case StatusPendingEscrow:
			ch.to, ch.note = StatusExpired, "escrow not established in time"
		case StatusEscrowed:
			ch.to, ch.note = StatusCancelled, "payment not sent before deadline"
		case StatusPaymentSent:
			if s.policy.PaymentTimeoutAction == TimeoutDispute {
				ch.to, ch.note = StatusDisputed, "payment not confirmed before deadline"
			} else {
				ch.to, ch.note = StatusCancelled, "payment not confirmed before deadline"
			}
		default:
			return change{}, errNoop
		}
		note := ch.note
		ch.mutate = func(n *Trade, _ time.Time) {
			n.Reason = "timeout: " + note
			switch n.Status {
			case StatusDisputed:
				n.DisputedBy = auth.System.ID
			default:
				n.CancelledBy = auth.System.ID
			}
		}
		return ch, nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoop), errors.Is(err, ErrHoldNotActive):
		return false, nil
	}
	return false, err
}

// PostMessage appends a chat message. Parties and admins may post in any
// status.
func (s *Service) PostMessage(ctx context.Context, tradeID string, actor auth.Actor, msg Message) (*TimelineEntry, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	role, err := viewerRole(t, actor)
	if err != nil {
		return nil, err
	}
	msg, err = normalizeMessage(msg)
	if err != nil {
		return nil, err
	}
	entry := newMessage(t.ID, actor.ID, role, msg, s.clock.Now())
	if err := s.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.notify(Event{
		Type:      EventMessage,
		TradeID:   t.ID,
		BuyerID:   t.BuyerID,
		SellerID:  t.SellerID,
		NewStatus: t.Status,
		ActorID:   actor.ID,
		Timestamp: entry.CreatedAt,
		Entry:     entry,
	})
	return entry, nil
}

// Get returns a trade visible to actor.
func (s *Service) Get(ctx context.Context, tradeID string, actor auth.Actor) (*Trade, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if _, err := viewerRole(t, actor); err != nil {
		return nil, err
	}
	return t, nil
}

// Timeline returns a trade's entries in insertion order.
func (s *Service) Timeline(ctx context.Context, tradeID string, actor auth.Actor) ([]*TimelineEntry, error) {
	if _, err := s.Get(ctx, tradeID, actor); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, tradeID)
}

// ListByUser returns a page of userID's trades, newest first, and the
// cursor for the next page ("" on the last page).
func (s *Service) ListByUser(ctx context.Context, userID string, status Status, cursor string, limit int) ([]*Trade, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	trades, err := s.store.ListByUser(ctx, userID, ListFilter{Status: status, After: after, Limit: limit + 1})
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// TradeStats implements profile.StatsSource.
func (s *Service) TradeStats(ctx context.Context, userID string) (profile.Stats, error) {
	return s.store.TradeStats(ctx, userID)
}

func viewerRole(t *Trade, actor auth.Actor) (Party, error) {
	if party, ok := t.PartyOf(actor.ID); ok {
		return party, nil
	}
	if actor.IsAdmin() {
		return PartyAdmin, nil
	}
	return "", ErrUnauthorized
}

// change is a decided transition, validated against the table before it is
// applied.
type change struct {
	action  Action
	party   Party
	actorID string
	to      Status
	note    string
	mutate  func(n *Trade, now time.Time)
}

func build(t *Trade, ch change, now time.Time) *Trade {
	next := t.clone()
	next.Status = ch.to
	next.UpdatedAt = now
	switch ch.to {
	case StatusCompleted:
		next.CompletedAt = &now
	case StatusCancelled, StatusExpired:
		next.CancelledAt = &now
	}
	if ch.mutate != nil {
		ch.mutate(next, now)
	}
	return next
}

// transition runs one read-validate-settle-write cycle under the trade lock,
// retrying when the store's version guard reports a concurrent write.
func (s *Service) transition(ctx context.Context, op, tradeID string, actor auth.Actor, decide func(*Trade) (change, error)) (out *Trade, err error) {
	ctx, span := traces.StartSpan(ctx, "trade."+op, traces.TradeID(tradeID), traces.UserID(actor.ID))
	defer func() {
		if errors.Is(err, errNoop) {
			traces.End(span, nil)
			return
		}
		traces.End(span, err)
	}()

	err = retry.DoIf(ctx, maxAttempts, retryDelay, func(err error) bool {
		if errors.Is(err, ErrConcurrentModification) {
			metrics.TradeConflictsTotal.WithLabelValues(op).Inc()
			return true
		}
		return false
	}, func() error {
		t, err := s.transitionOnce(ctx, tradeID, decide)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) transitionOnce(ctx context.Context, tradeID string, decide func(*Trade) (change, error)) (*Trade, error) {
	unlock, err := s.locks.Lock(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	ch, err := decide(t)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(ch.action, ch.party, t.Status, ch.to); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next := build(t, ch, now)
	settled, err := s.settleHold(ctx, next)
	if err != nil {
		return nil, err
	}

	entry := newSystemEvent(t.ID, ch.actorID, ch.party, SystemEvent{
		Action: ch.action, FromStatus: t.Status, ToStatus: ch.to, Note: ch.note,
	}, now)
	if err := s.store.Transition(ctx, next, t.Status, entry); err != nil {
		if settled {
			if !errors.Is(err, ErrConcurrentModification) {
				logging.L(ctx).Warn("status write failed after hold settled",
					"tradeId", t.ID, "to", ch.to, "error", err)
			}
			return s.persistSettled(ctx, t.Status, next, ch, entry, now)
		}
		return nil, err
	}
	s.afterTransition(ctx, t.Status, next, entry)
	return next, nil
}

// persistSettled records a transition whose hold settlement already
// happened. Money has moved, so the settlement wins over whatever
// non-terminal change raced it, and a failed write is retried until it
// lands or settleTimeout passes.
func (s *Service) persistSettled(ctx context.Context, from Status, settled *Trade, ch change, entry *TimelineEntry, now time.Time) (*Trade, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	// last is the most recent write attempt, which may have committed even
	// though it reported an error.
	var out *Trade
	lastFrom, last := from, entry
	err := retry.Do(ctx, settleAttempts, retryDelay, func() error {
		cur, err := s.store.Get(ctx, settled.ID)
		if err != nil {
			return err
		}
		if cur.Status == settled.Status {
			// Either another writer recorded the same settlement or our
			// previous write committed before reporting an error.
			if s.hasEntry(ctx, cur.ID, last.ID) {
				s.afterTransition(ctx, lastFrom, cur, last)
			}
			out = cur
			return nil
		}
		if cur.Status.IsTerminal() {
			logging.L(ctx).Error("CRITICAL: hold settled but trade closed differently",
				"tradeId", cur.ID, "holdId", settled.HoldID, "status", cur.Status, "settledAs", settled.Status)
			return retry.Permanent(fmt.Errorf("%w: trade is %s", ErrConcurrentModification, cur.Status))
		}

		rec := ch
		if cur.Status != from {
			logging.L(ctx).Warn("hold settled during concurrent update, reconciling",
				"tradeId", cur.ID, "status", cur.Status, "to", settled.Status)
			rec = reconciled(ch)
		}
		if err := checkTransition(rec.action, rec.party, cur.Status, rec.to); err != nil {
			return retry.Permanent(err)
		}
		next := build(cur, rec, now)
		next.HoldID = settled.HoldID
		attempt := newSystemEvent(cur.ID, rec.actorID, rec.party, SystemEvent{
			Action: rec.action, FromStatus: cur.Status, ToStatus: rec.to, Note: rec.note,
		}, now)
		if err := s.store.Transition(ctx, next, cur.Status, attempt); err != nil {
			lastFrom, last = cur.Status, attempt
			return err
		}
		s.afterTransition(ctx, cur.Status, next, attempt)
		out = next
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("CRITICAL: hold settled but trade status could not be recorded",
			"tradeId", settled.ID, "holdId", settled.HoldID, "settledAs", settled.Status, "error", err)
		return nil, err
	}
	return out, nil
}

// reconciled re-attributes a settled change to the system when the trade
// moved on between the settlement and its status write.
func reconciled(ch change) change {
	note := fmt.Sprintf("%s by %s settled during a concurrent update", ch.action, ch.actorID)
	if ch.note != "" {
		note += ": " + ch.note
	}
	return change{
		action:  ActionSettlementReconciled,
		party:   PartySystem,
		actorID: auth.System.ID,
		to:      ch.to,
		note:    note,
		mutate:  ch.mutate,
	}
}

func (s *Service) hasEntry(ctx context.Context, tradeID, entryID string) bool {
	entries, err := s.store.Timeline(ctx, tradeID)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.ID == entryID {
			return true
		}
	}
	return false
}

// requireActiveHold refuses to build on an escrow whose hold has already
// been settled.
func (s *Service) requireActiveHold(ctx context.Context, t *Trade) error {
	if t.HoldID == "" {
		return nil
	}
	hold, err := s.ledger.GetHold(ctx, t.HoldID)
	if err != nil {
		return fmt.Errorf("get hold: %w", err)
	}
	if !hold.IsActive() {
		return fmt.Errorf("%w: hold already %s", ErrHoldNotActive, hold.Status)
	}
	return nil
}

// settleHold performs the ledger side of entering next.Status. It reports
// whether a hold was settled by this call or had already been settled the
// same way.
func (s *Service) settleHold(ctx context.Context, next *Trade) (bool, error) {
	switch next.Status {
	case StatusCompleted:
		if next.HoldID == "" {
			return false, fmt.Errorf("%w: trade has no escrow hold", ErrInvalidTransition)
		}
		hold, err := s.ledger.Release(ctx, next.HoldID, next.BuyerID)
		return checkSettlement(hold, err, ledger.HoldReleased, next.BuyerID)

	case StatusCancelled, StatusExpired:
		if next.HoldID == "" {
			// A lock may have landed without ESCROWED being recorded.
			hold, err := s.ledger.HoldByReference(ctx, next.ID)
			if errors.Is(err, ledger.ErrHoldNotFound) {
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("find hold: %w", err)
			}
			next.HoldID = hold.ID
		}
		hold, err := s.ledger.Return(ctx, next.HoldID)
		return checkSettlement(hold, err, ledger.HoldReturned, "")
	}
	return false, nil
}

func checkSettlement(hold *ledger.Hold, err error, want ledger.HoldStatus, receiver string) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ledger.ErrHoldNotActive) && hold != nil {
		if hold.Status == want && (receiver == "" || hold.ReleasedTo == receiver) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %w: hold already %s", ErrConcurrentModification, ErrHoldNotActive, hold.Status)
	}
	return false, fmt.Errorf("settle hold: %w", err)
}

// afterTransition runs the side effects of a committed transition. None of
// them can undo it.
func (s *Service) afterTransition(ctx context.Context, from Status, t *Trade, entry *TimelineEntry) {
	switch t.Status {
	case StatusCancelled, StatusExpired:
		s.restoreOffer(ctx, t)
	case StatusCompleted:
		if _, err := s.offers.RecordFill(ctx, t.OfferID, t.Amount); err != nil {
			logging.L(ctx).Error("failed to record offer fill", "tradeId", t.ID, "offerId", t.OfferID, "error", err)
		}
	}

	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "NONE"
	}
	metrics.TradeTransitionsTotal.WithLabelValues(fromLabel, string(t.Status)).Inc()
	if t.Status.IsTerminal() {
		metrics.TradeDuration.WithLabelValues(string(t.Status)).Observe(t.UpdatedAt.Sub(t.CreatedAt).Seconds())
	}

	if s.activity != nil {
		_, err := s.activity.Record(ctx, activity.Record{
			TradeID:    t.ID,
			ActorID:    entry.ActorID,
			ActorRole:  string(entry.ActorRole),
			Action:     string(entry.Event.Action),
			FromStatus: string(from),
			ToStatus:   string(t.Status),
			Detail:     entry.Event.Note,
		})
		if err != nil {
			logging.L(ctx).Warn("failed to record trade activity", "tradeId", t.ID, "error", err)
		}
	}

	logging.L(ctx).Info("trade transition",
		"tradeId", t.ID, "from", from, "to", t.Status, "actor", entry.ActorID, "action", entry.Event.Action)

	s.notify(Event{
		Type:      EventStatusChanged,
		TradeID:   t.ID,
		BuyerID:   t.BuyerID,
		SellerID:  t.SellerID,
		OldStatus: from,
		NewStatus: t.Status,
		ActorID:   entry.ActorID,
		Timestamp: entry.CreatedAt,
	})
}

// restoreOffer gives the trade's amount back to its offer. Called once per
// trade, after the transition into CANCELLED or EXPIRED commits.
func (s *Service) restoreOffer(ctx context.Context, t *Trade) {
	if _, err := s.offers.Restore(ctx, t.OfferID, t.Amount); err != nil {
		logging.L(ctx).Error("failed to restore offer amount",
			"tradeId", t.ID, "offerId", t.OfferID, "amount", money.Format(t.Amount), "error", err)
	}
}

func (s *Service) notify(ev Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ev)
}
