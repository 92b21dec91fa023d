// Package reconciliation cross-checks trades against their escrow holds.
//
// Every trade that reached ESCROWED owns exactly one hold, referenced by the
// trade ID. An open trade must have an ACTIVE hold for the trade amount; a
// completed trade must have released its hold to the buyer; a cancelled or
// expired trade must not leave an ACTIVE hold behind.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/trade"
)

// Mismatch kinds.
const (
	KindMissingHold    = "missing_hold"
	KindSettledEarly   = "settled_while_open"
	KindAmountMismatch = "amount_mismatch"
	KindOrphanedHold   = "orphaned_hold"
	KindWrongRecipient = "wrong_recipient"
)

// TradeSource lists trades by status.
type TradeSource interface {
	ListByStatus(ctx context.Context, status trade.Status, limit int) ([]*trade.Trade, error)
}

// HoldSource looks up the hold owned by a trade.
type HoldSource interface {
	HoldByReference(ctx context.Context, reference string) (*ledger.Hold, error)
}

// Mismatch is one inconsistency between a trade and its hold.
type Mismatch struct {
	TradeID string       `json:"tradeId"`
	Status  trade.Status `json:"status"`
	HoldID  string       `json:"holdId,omitempty"`
	Kind    string       `json:"kind"`
	Detail  string       `json:"detail"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedTrades int           `json:"checkedTrades"`
	Mismatches    []Mismatch    `json:"mismatches"`
	Duration      time.Duration `json:"durationNs"`
	RanAt         time.Time     `json:"ranAt"`
}

// Clean reports whether no mismatches were found.
func (r *Report) Clean() bool { return len(r.Mismatches) == 0 }

var openStatuses = []trade.Status{trade.StatusEscrowed, trade.StatusPaymentSent, trade.StatusDisputed}

var closedStatuses = []trade.Status{trade.StatusCompleted, trade.StatusCancelled, trade.StatusExpired}

// Service performs escrow reconciliation.
type Service struct {
	trades TradeSource
	holds  HoldSource
	limit  int
}

// NewService creates a reconciliation service that inspects up to 500
// trades per status.
func NewService(trades TradeSource, holds HoldSource) *Service {
	return &Service{trades: trades, holds: holds, limit: 500}
}

// WithLimit sets how many trades per status one run inspects.
func (s *Service) WithLimit(n int) *Service {
	if n > 0 {
		s.limit = n
	}
	return s
}

// Run checks every open trade and the most recent closed ones.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Mismatches: []Mismatch{}, RanAt: start.UTC()}

	for _, status := range append(append([]trade.Status{}, openStatuses...), closedStatuses...) {
		trades, err := s.trades.ListByStatus(ctx, status, s.limit)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list %s trades: %w", status, err)
		}
		for _, t := range trades {
			report.CheckedTrades++
			m, err := s.check(ctx, t)
			if err != nil {
				reconcileErrors.Inc()
				return nil, fmt.Errorf("check trade %s: %w", t.ID, err)
			}
			if m != nil {
				report.Mismatches = append(report.Mismatches, *m)
			}
		}
	}

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileMismatches.Set(float64(len(report.Mismatches)))
	return report, nil
}

func (s *Service) check(ctx context.Context, t *trade.Trade) (*Mismatch, error) {
	hold, err := s.holds.HoldByReference(ctx, t.ID)
	if errors.Is(err, ledger.ErrHoldNotFound) {
		hold, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	mismatch := func(kind, format string, args ...any) *Mismatch {
		m := &Mismatch{TradeID: t.ID, Status: t.Status, Kind: kind, Detail: fmt.Sprintf(format, args...)}
		if hold != nil {
			m.HoldID = hold.ID
		}
		return m
	}

	switch t.Status {
	case trade.StatusEscrowed, trade.StatusPaymentSent, trade.StatusDisputed:
		if hold == nil {
			return mismatch(KindMissingHold, "open trade has no hold"), nil
		}
		if hold.Status != ledger.HoldActive {
			return mismatch(KindSettledEarly, "hold is %s", hold.Status), nil
		}
		if !hold.Amount.Equal(t.Amount) {
			return mismatch(KindAmountMismatch, "hold %s, trade %s", hold.Amount, t.Amount), nil
		}
	case trade.StatusCompleted:
		if hold == nil {
			return mismatch(KindMissingHold, "completed trade has no hold"), nil
		}
		if hold.Status != ledger.HoldReleased || hold.ReleasedTo != t.BuyerID {
			return mismatch(KindWrongRecipient, "hold is %s to %q, buyer is %q", hold.Status, hold.ReleasedTo, t.BuyerID), nil
		}
	case trade.StatusCancelled, trade.StatusExpired:
		if hold != nil && hold.Status == ledger.HoldActive {
			return mismatch(KindOrphanedHold, "closed trade still holds %s %s", hold.Amount, hold.Currency), nil
		}
		if hold != nil && hold.Status == ledger.HoldReleased {
			return mismatch(KindWrongRecipient, "hold released to %q on a %s trade", hold.ReleasedTo, t.Status), nil
		}
	}
	return nil, nil
}
