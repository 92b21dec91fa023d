package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/p2ptrade/internal/activity"
	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/logging"
	"github.com/mbd888/p2ptrade/internal/retry"
)

// AdminCancel force-cancels any non-terminal trade, returning the hold if
// one is active.
func (s *Service) AdminCancel(ctx context.Context, tradeID, reason string, admin auth.Actor) (*Trade, error) {
	if !admin.IsAdmin() {
		return nil, ErrUnauthorized
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.transition(ctx, "admin_cancel", tradeID, admin, func(*Trade) (change, error) {
		return change{
			action: ActionAdminCancel, party: PartyAdmin, actorID: admin.ID, to: StatusCancelled, note: reason,
			mutate: func(n *Trade, _ time.Time) {
				n.Reason = reason
				n.CancelledBy = admin.ID
				n.Resolution = OutcomeReturn
				n.ResolvedBy = admin.ID
			},
		}, nil
	})
}

// AdminResolve settles a trade by admin decision. RELEASE pays the buyer and
// completes the trade; RETURN refunds the seller and cancels it.
func (s *Service) AdminResolve(ctx context.Context, tradeID string, outcome Outcome, reason string, admin auth.Actor) (*Trade, error) {
	if !admin.IsAdmin() {
		return nil, ErrUnauthorized
	}
	var to Status
	switch Outcome(strings.ToUpper(string(outcome))) {
	case OutcomeRelease:
		outcome, to = OutcomeRelease, StatusCompleted
	case OutcomeReturn:
		outcome, to = OutcomeReturn, StatusCancelled
	default:
		return nil, ErrInvalidOutcome
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.transition(ctx, "admin_resolve", tradeID, admin, func(*Trade) (change, error) {
		return change{
			action: ActionAdminResolve, party: PartyAdmin, actorID: admin.ID, to: to,
			note: string(outcome) + ": " + reason,
			mutate: func(n *Trade, _ time.Time) {
				n.Reason = reason
				n.Resolution = outcome
				n.ResolvedBy = admin.ID
				if to == StatusCancelled {
					n.CancelledBy = admin.ID
				}
			},
		}, nil
	})
}

// Assign hands a disputed trade to an admin. It does not change status.
func (s *Service) Assign(ctx context.Context, tradeID, assigneeID string, admin auth.Actor) (*Trade, error) {
	if !admin.IsAdmin() {
		return nil, ErrUnauthorized
	}
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return nil, ErrAssigneeRequired
	}

	var out *Trade
	err := retry.DoIf(ctx, maxAttempts, retryDelay, func(err error) bool {
		return errors.Is(err, ErrConcurrentModification)
	}, func() error {
		unlock, err := s.locks.Lock(ctx, tradeID)
		if err != nil {
			return err
		}
		defer unlock()

		t, err := s.store.Get(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: only disputed trades can be assigned", ErrInvalidTransition)
		}
		next := t.clone()
		next.AssignedTo = assigneeID
		next.UpdatedAt = s.clock.Now()
		if err := s.store.Transition(ctx, next, t.Status, nil); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.activity != nil {
		if _, err := s.activity.Record(ctx, activity.Record{
			TradeID:    out.ID,
			ActorID:    admin.ID,
			ActorRole:  string(PartyAdmin),
			Action:     string(ActionAssign),
			FromStatus: string(out.Status),
			ToStatus:   string(out.Status),
			Detail:     "assigned to " + assigneeID,
		}); err != nil {
			logging.L(ctx).Warn("failed to record assignment", "tradeId", out.ID, "error", err)
		}
	}
	return out, nil
}

// Detail is the admin read model for a trade. It carries the trade's own
// hold but no other balances.
type Detail struct {
	Trade    *Trade             `json:"trade"`
	BuyerID  string             `json:"buyerId"`
	SellerID string             `json:"sellerId"`
	Hold     *ledger.Hold       `json:"hold,omitempty"`
	Timeline []*TimelineEntry   `json:"timeline"`
	Activity []*activity.Record `json:"activity,omitempty"`
}

// GetDetail assembles the arbitration view of a trade.
func (s *Service) GetDetail(ctx context.Context, tradeID string) (*Detail, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	timeline, err := s.store.Timeline(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	d := &Detail{Trade: t, BuyerID: t.BuyerID, SellerID: t.SellerID, Timeline: timeline}

	if t.HoldID != "" {
		hold, err := s.ledger.GetHold(ctx, t.HoldID)
		if err != nil && !errors.Is(err, ledger.ErrHoldNotFound) {
			return nil, fmt.Errorf("load hold: %w", err)
		}
		d.Hold = hold
	}
	if s.activity != nil {
		if d.Activity, err = s.activity.ListByTrade(ctx, tradeID); err != nil {
			return nil, fmt.Errorf("load activity: %w", err)
		}
	}
	return d, nil
}

// ListDisputes returns DISPUTED trades, oldest first.
func (s *Service) ListDisputes(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusDisputed, limit)
}
