package trade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/activity"
	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/offer"
	"github.com/mbd888/p2ptrade/internal/profile"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	seller = auth.Actor{ID: "seller", Role: auth.RoleUser}
	buyer  = auth.Actor{ID: "buyer", Role: auth.RoleUser}
	other  = auth.Actor{ID: "mallory", Role: auth.RoleUser}
	admin  = auth.Actor{ID: "admin", Role: auth.RoleAdmin}
)

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	ledger   *ledger.Manager
	offers   *offer.Service
	activity *activity.Log
	clk      *clock.Fake
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewFake(testNow)
	oracle := offer.NewStaticOracle()
	oracle.Set("BTC", "USD", dec("60000"))
	e := &testEnv{
		store:    NewMemoryStore(),
		ledger:   ledger.NewManager(ledger.NewMemoryStore()).WithClock(clk),
		offers:   offer.NewService(offer.NewMemoryStore(), oracle).WithClock(clk),
		activity: activity.NewLog(activity.NewMemoryStore()).WithClock(clk),
		clk:      clk,
	}
	e.svc = NewService(e.store, e.ledger, e.offers).
		WithActivity(e.activity).
		WithClock(clk)
	return e
}

func (e *testEnv) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := e.ledger.Deposit(context.Background(), ledger.DepositRequest{
		UserID: userID, Currency: "USDT", WalletType: ledger.WalletFunding, Amount: dec(amount),
	})
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, userID string) *ledger.Balance {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), ledger.BalanceKey{
		UserID: userID, Currency: "USDT", WalletType: ledger.WalletFunding,
	})
	require.NoError(t, err)
	return b
}

func (e *testEnv) offer(t *testing.T, typ, maker string, mutate ...func(*offer.CreateRequest)) *offer.Offer {
	t.Helper()
	req := offer.CreateRequest{
		Type:           typ,
		Currency:       "USDT",
		PriceCurrency:  "USD",
		TotalAmount:    "1000",
		MinAmount:      "10",
		MaxAmount:      "500",
		PriceValue:     "1.01",
		PaymentMethods: []string{"bank_transfer", "wise"},
		Publish:        true,
	}
	for _, m := range mutate {
		m(&req)
	}
	o, err := e.offers.Create(context.Background(), maker, req)
	require.NoError(t, err)
	require.Equal(t, offer.StatusActive, o.Status)
	return o
}

func (e *testEnv) available(t *testing.T, offerID string) decimal.Decimal {
	t.Helper()
	o, err := e.offers.Get(context.Background(), offerID)
	require.NoError(t, err)
	return o.Amounts.Available
}

// escrowed opens a 100 USDT trade from buyer against a funded sell offer.
func (e *testEnv) escrowed(t *testing.T) (*Trade, *offer.Offer) {
	t.Helper()
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	tr, err := e.svc.Create(context.Background(), buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	require.NoError(t, err)
	require.Equal(t, StatusEscrowed, tr.Status)
	return tr, o
}

func actions(t *testing.T, e *testEnv, tradeID string) []Action {
	t.Helper()
	entries, err := e.store.Timeline(context.Background(), tradeID)
	require.NoError(t, err)
	var out []Action
	for _, en := range entries {
		if en.Event != nil {
			out = append(out, en.Event.Action)
		}
	}
	return out
}

func TestCreate_SellOfferHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, o := e.escrowed(t)

	assert.Equal(t, buyer.ID, tr.BuyerID)
	assert.Equal(t, seller.ID, tr.SellerID)
	assert.Equal(t, seller.ID, tr.MakerID)
	assert.True(t, tr.Total.Equal(dec("101")))
	assert.Equal(t, "bank_transfer", tr.PaymentMethod)
	assert.Equal(t, offer.DefaultAutoCancelMinutes, tr.AutoCancelMinutes)
	require.NotNil(t, tr.ExpiresAt)
	assert.Equal(t, testNow.Add(30*time.Minute), *tr.ExpiresAt)
	assert.NotEmpty(t, tr.HoldID)
	assert.True(t, e.available(t, o.ID).Equal(dec("900")))

	b := e.balance(t, seller.ID)
	assert.True(t, b.Available.Equal(dec("900")))
	assert.True(t, b.Held.Equal(dec("100")))

	e.clk.Advance(5 * time.Minute)
	tr, err := e.svc.MarkPaid(ctx, tr.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentSent, tr.Status)
	require.NotNil(t, tr.PaymentSentAt)

	tr, err = e.svc.Confirm(ctx, tr.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	require.NotNil(t, tr.CompletedAt)

	assert.True(t, e.balance(t, buyer.ID).Available.Equal(dec("100")))
	b = e.balance(t, seller.ID)
	assert.True(t, b.Available.Equal(dec("900")))
	assert.True(t, b.Held.IsZero())

	got, err := e.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Amounts.Filled.Equal(dec("100")))
	assert.True(t, got.Amounts.Available.Equal(dec("900")))

	assert.Equal(t, []Action{ActionCreate, ActionLockSucceeded, ActionMarkPaid, ActionConfirm}, actions(t, e, tr.ID))

	recs, err := e.activity.ListByTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	hold, err := e.ledger.GetHold(ctx, tr.HoldID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldReleased, hold.Status)
	assert.Equal(t, buyer.ID, hold.ReleasedTo)
}

func TestCreate_BuyOfferMakesMakerTheBuyer(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "buy", buyer.ID)

	tr, err := e.svc.Create(context.Background(), seller, CreateRequest{OfferID: o.ID, Amount: "50", PaymentMethod: "wise"})
	require.NoError(t, err)
	assert.Equal(t, buyer.ID, tr.BuyerID)
	assert.Equal(t, seller.ID, tr.SellerID)
	assert.Equal(t, buyer.ID, tr.MakerID)
	assert.Equal(t, "wise", tr.PaymentMethod)
	assert.True(t, e.balance(t, seller.ID).Held.Equal(dec("50")))
}

func TestCreate_InsufficientFundsCancelsAndRestores(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "50")
	o := e.offer(t, "sell", seller.ID)

	tr, err := e.svc.Create(context.Background(), buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NotNil(t, tr)
	assert.Equal(t, StatusCancelled, tr.Status)
	assert.Equal(t, auth.System.ID, tr.CancelledBy)
	assert.Empty(t, tr.HoldID)

	assert.True(t, e.available(t, o.ID).Equal(dec("1000")))
	assert.True(t, e.balance(t, seller.ID).Available.Equal(dec("50")))
	assert.Equal(t, []Action{ActionCreate, ActionLockFailed}, actions(t, e, tr.ID))

	stats, err := e.svc.TradeStats(context.Background(), seller.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
}

func TestCreate_Rejections(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	ctx := context.Background()

	tests := []struct {
		name  string
		taker auth.Actor
		req   CreateRequest
		want  error
	}{
		{"own offer", seller, CreateRequest{OfferID: o.ID, Amount: "100"}, ErrUnauthorized},
		{"anonymous", auth.Actor{}, CreateRequest{OfferID: o.ID, Amount: "100"}, ErrUnauthorized},
		{"below min", buyer, CreateRequest{OfferID: o.ID, Amount: "5"}, ErrInvalidAmount},
		{"above max", buyer, CreateRequest{OfferID: o.ID, Amount: "501"}, ErrInvalidAmount},
		{"not a number", buyer, CreateRequest{OfferID: o.ID, Amount: "lots"}, ErrInvalidAmount},
		{"zero", buyer, CreateRequest{OfferID: o.ID, Amount: "0"}, ErrInvalidAmount},
		{"unknown method", buyer, CreateRequest{OfferID: o.ID, Amount: "100", PaymentMethod: "cash"}, ErrPaymentMethod},
		{"missing offer", buyer, CreateRequest{OfferID: "ofr_missing", Amount: "100"}, ErrOfferUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Create(ctx, tt.taker, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.True(t, e.available(t, o.ID).Equal(dec("1000")), "rejected creates must not reserve")
}

func TestCreate_PausedOfferUnavailable(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	_, err := e.offers.Pause(context.Background(), o.ID, seller.ID)
	require.NoError(t, err)

	_, err = e.svc.Create(context.Background(), buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	assert.ErrorIs(t, err, ErrOfferUnavailable)
}

func TestCreate_RequirementsChecked(t *testing.T) {
	e := newEnv(t)
	profiles := profile.NewService(profile.NewMemoryStore()).WithStats(e.svc).WithClock(e.clk)
	e.svc.WithRequirements(profiles)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID, func(r *offer.CreateRequest) {
		r.Requirements = offer.RequirementsInput{MinCompletedTrades: 1}
	})

	_, err := e.svc.Create(context.Background(), buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	assert.ErrorIs(t, err, ErrRequirementsNotMet)
	assert.True(t, e.available(t, o.ID).Equal(dec("1000")))
}

func TestMarkPaid_Authorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)

	_, err := e.svc.MarkPaid(ctx, tr.ID, other)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.svc.MarkPaid(ctx, tr.ID, seller)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.svc.Confirm(ctx, tr.ID, seller)
	assert.ErrorIs(t, err, ErrInvalidTransition, "confirm before payment")
	_, err = e.svc.MarkPaid(ctx, "trd_missing", buyer)
	assert.ErrorIs(t, err, ErrTradeNotFound)

	_, err = e.svc.MarkPaid(ctx, tr.ID, buyer)
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, tr.ID, buyer)
	assert.ErrorIs(t, err, ErrInvalidTransition, "buyer cannot confirm")
	_, err = e.svc.Cancel(ctx, tr.ID, buyer, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "no cancel after payment")
}

func TestMarkPaid_GraceResetsDeadline(t *testing.T) {
	e := newEnv(t)
	e.svc.WithPolicy(Policy{PaymentGrace: time.Hour})
	tr, _ := e.escrowed(t)

	e.clk.Advance(10 * time.Minute)
	tr, err := e.svc.MarkPaid(context.Background(), tr.ID, buyer)
	require.NoError(t, err)
	require.NotNil(t, tr.ExpiresAt)
	assert.Equal(t, testNow.Add(70*time.Minute), *tr.ExpiresAt)
}

func TestCancel_ReturnsHoldAndRestoresOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, o := e.escrowed(t)

	tr, err := e.svc.Cancel(ctx, tr.ID, seller, "  changed my mind ")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tr.Status)
	assert.Equal(t, "changed my mind", tr.Reason)
	assert.Equal(t, seller.ID, tr.CancelledBy)

	b := e.balance(t, seller.ID)
	assert.True(t, b.Available.Equal(dec("1000")))
	assert.True(t, b.Held.IsZero())
	assert.True(t, e.available(t, o.ID).Equal(dec("1000")))

	// A second close attempt is rejected and moves no money.
	_, err = e.svc.AdminCancel(ctx, tr.ID, "again", admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.svc.Cancel(ctx, tr.ID, buyer, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, e.balance(t, seller.ID).Available.Equal(dec("1000")))
	assert.True(t, e.available(t, o.ID).Equal(dec("1000")))

	stats, err := e.svc.TradeStats(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, profile.Stats{Completed: 0, Failed: 1}, stats)
	stats, err = e.svc.TradeStats(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
}

func TestDispute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)

	_, err := e.svc.Dispute(ctx, tr.ID, buyer, " ")
	assert.ErrorIs(t, err, ErrReasonRequired)
	_, err = e.svc.Dispute(ctx, tr.ID, other, "scam")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.svc.MarkPaid(ctx, tr.ID, buyer)
	require.NoError(t, err)
	tr, err = e.svc.Dispute(ctx, tr.ID, buyer, "seller ignores me")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, tr.Status)
	assert.Equal(t, buyer.ID, tr.DisputedBy)

	// Disputed trades never time out.
	e.clk.Advance(48 * time.Hour)
	ok, err := e.svc.Timeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.svc.Dispute(ctx, tr.ID, seller, "me too")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.svc.Confirm(ctx, tr.ID, seller)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := e.svc.Get(ctx, tr.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.True(t, e.balance(t, seller.ID).Held.Equal(dec("100")))
}

func TestAdminResolve(t *testing.T) {
	for _, tt := range []struct {
		outcome      Outcome
		want         Status
		buyerGets    string
		sellerHas    string
		offerRemains string
	}{
		{OutcomeRelease, StatusCompleted, "100", "900", "900"},
		{"return", StatusCancelled, "0", "1000", "1000"},
	} {
		t.Run(string(tt.outcome), func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			tr, o := e.escrowed(t)
			_, err := e.svc.Dispute(ctx, tr.ID, seller, "no payment seen")
			require.NoError(t, err)

			_, err = e.svc.AdminResolve(ctx, tr.ID, tt.outcome, "decided", buyer)
			assert.ErrorIs(t, err, ErrUnauthorized)
			_, err = e.svc.AdminResolve(ctx, tr.ID, "SPLIT", "decided", admin)
			assert.ErrorIs(t, err, ErrInvalidOutcome)
			_, err = e.svc.AdminResolve(ctx, tr.ID, tt.outcome, "", admin)
			assert.ErrorIs(t, err, ErrReasonRequired)

			tr, err = e.svc.AdminResolve(ctx, tr.ID, tt.outcome, "bank statement checked", admin)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Status)
			assert.Equal(t, admin.ID, tr.ResolvedBy)

			assert.True(t, e.balance(t, buyer.ID).Available.Equal(dec(tt.buyerGets)))
			assert.True(t, e.balance(t, seller.ID).Available.Equal(dec(tt.sellerHas)))
			assert.True(t, e.balance(t, seller.ID).Held.IsZero())
			assert.True(t, e.available(t, o.ID).Equal(dec(tt.offerRemains)))

			_, err = e.svc.AdminResolve(ctx, tr.ID, tt.outcome, "twice", admin)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestAdminResolve_ReleaseNeedsEscrow(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	flaky := &flakyLedger{Manager: e.ledger}
	flaky.failLock.Store(true)
	e.svc.ledger = flaky

	tr, err := e.svc.Create(context.Background(), buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	require.Error(t, err)
	require.Equal(t, StatusPendingEscrow, tr.Status)

	_, err = e.svc.AdminResolve(context.Background(), tr.ID, OutcomeRelease, "pay out", admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAssign(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)

	_, err := e.svc.Assign(ctx, tr.ID, "admin-2", admin)
	assert.ErrorIs(t, err, ErrInvalidTransition, "only disputed trades")

	_, err = e.svc.Dispute(ctx, tr.ID, buyer, "help")
	require.NoError(t, err)
	_, err = e.svc.Assign(ctx, tr.ID, "", admin)
	assert.ErrorIs(t, err, ErrAssigneeRequired)
	_, err = e.svc.Assign(ctx, tr.ID, "admin-2", seller)
	assert.ErrorIs(t, err, ErrUnauthorized)

	tr, err = e.svc.Assign(ctx, tr.ID, "admin-2", admin)
	require.NoError(t, err)
	assert.Equal(t, "admin-2", tr.AssignedTo)
	assert.Equal(t, StatusDisputed, tr.Status)

	disputes, err := e.svc.ListDisputes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, tr.ID, disputes[0].ID)

	d, err := e.svc.GetDetail(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, d.Hold)
	assert.Equal(t, ledger.HoldActive, d.Hold.Status)
	assert.Equal(t, buyer.ID, d.BuyerID)
	assert.Len(t, d.Timeline, 3)
	require.NotEmpty(t, d.Activity)
	assert.Equal(t, string(ActionAssign), d.Activity[len(d.Activity)-1].Action)
}

func TestTimeout(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		paid   bool
		want   Status
	}{
		{"escrowed cancels", Policy{}, false, StatusCancelled},
		{"payment sent cancels", Policy{}, true, StatusCancelled},
		{"payment sent disputes", Policy{PaymentTimeoutAction: TimeoutDispute}, true, StatusDisputed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.svc.WithPolicy(tt.policy)
			ctx := context.Background()
			tr, _ := e.escrowed(t)
			if tt.paid {
				_, err := e.svc.MarkPaid(ctx, tr.ID, buyer)
				require.NoError(t, err)
			}

			ok, err := e.svc.Timeout(ctx, tr.ID)
			require.NoError(t, err)
			assert.False(t, ok, "not due yet")

			e.clk.Advance(31 * time.Minute)
			ok, err = e.svc.Timeout(ctx, tr.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := e.store.Get(ctx, tr.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Contains(t, got.Reason, "timeout")

			ok, err = e.svc.Timeout(ctx, tr.ID)
			require.NoError(t, err)
			assert.False(t, ok, "second timeout is a no-op")

			stats, err := e.svc.TradeStats(ctx, seller.ID)
			require.NoError(t, err)
			assert.Zero(t, stats.Failed, "system timeouts are not charged to users")
		})
	}
}

type flakyLedger struct {
	*ledger.Manager
	failLock atomic.Bool
}

func (f *flakyLedger) Lock(ctx context.Context, req ledger.LockRequest) (*ledger.Hold, error) {
	if f.failLock.Load() {
		return nil, errors.New("ledger unavailable")
	}
	return f.Manager.Lock(ctx, req)
}

func TestTimeout_PendingEscrowExpires(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	flaky := &flakyLedger{Manager: e.ledger}
	flaky.failLock.Store(true)
	e.svc.ledger = flaky
	ctx := context.Background()

	tr, err := e.svc.Create(ctx, buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	require.Error(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, StatusPendingEscrow, tr.Status)
	assert.True(t, e.available(t, o.ID).Equal(dec("900")))

	e.clk.Advance(DefaultPendingEscrowTTL + time.Second)
	ok, err := e.svc.Timeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.True(t, e.available(t, o.ID).Equal(dec("1000")))
}

func TestTimeout_PendingEscrowReturnsOrphanHold(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	flaky := &flakyLedger{Manager: e.ledger}
	flaky.failLock.Store(true)
	e.svc.ledger = flaky
	ctx := context.Background()

	tr, err := e.svc.Create(ctx, buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	require.Error(t, err)

	// The hold lands but ESCROWED is never recorded.
	_, err = e.ledger.Lock(ctx, ledger.LockRequest{
		OwnerID: seller.ID, Currency: "USDT", WalletType: ledger.WalletFunding, Amount: dec("100"), Reference: tr.ID,
	})
	require.NoError(t, err)
	require.True(t, e.balance(t, seller.ID).Held.Equal(dec("100")))

	e.clk.Advance(DefaultPendingEscrowTTL + time.Second)
	ok, err := e.svc.Timeout(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	b := e.balance(t, seller.ID)
	assert.True(t, b.Held.IsZero())
	assert.True(t, b.Available.Equal(dec("1000")))
}

func TestConcurrentCreates_NeverOversell(t *testing.T) {
	e := newEnv(t)
	e.fund(t, seller.ID, "5000")
	o := e.offer(t, "sell", seller.ID)

	var wg sync.WaitGroup
	var ok, unavailable atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taker := auth.Actor{ID: "buyer-" + string(rune('a'+i)), Role: auth.RoleUser}
			_, err := e.svc.Create(context.Background(), taker, CreateRequest{OfferID: o.ID, Amount: "100"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrOfferUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), unavailable.Load())
	assert.True(t, e.available(t, o.ID).IsZero())
	assert.True(t, e.balance(t, seller.ID).Held.Equal(dec("1000")))
}

// Two service instances share the stores but not their in-process locks,
// as two replicas would.
func TestConcurrentCancelAndTimeout_SettleOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t)
		tr, o := e.escrowed(t)
		replica := NewService(e.store, e.ledger, e.offers).WithClock(e.clk)
		e.clk.Advance(31 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.svc.Cancel(context.Background(), tr.ID, buyer, "")
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("cancel: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := replica.Timeout(context.Background(), tr.ID); err != nil {
				t.Errorf("timeout: %v", err)
			}
		}()
		wg.Wait()

		got, err := e.store.Get(context.Background(), tr.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)

		b := e.balance(t, seller.ID)
		assert.True(t, b.Available.Equal(dec("1000")), "seller available %s", b.Available)
		assert.True(t, b.Held.IsZero())
		assert.True(t, e.available(t, o.ID).Equal(dec("1000")), "offer restored once")

		closes := 0
		for _, a := range actions(t, e, tr.ID) {
			if a == ActionCancel || a == ActionTimeout {
				closes++
			}
		}
		assert.Equal(t, 1, closes)
	}
}

func TestConcurrentConfirmAndAdminCancel_OneWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)
	_, err := e.svc.MarkPaid(ctx, tr.ID, buyer)
	require.NoError(t, err)
	replica := NewService(e.store, e.ledger, e.offers).WithClock(e.clk)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.svc.Confirm(ctx, tr.ID, seller)
	}()
	go func() {
		defer wg.Done()
		_, _ = replica.AdminCancel(ctx, tr.ID, "fraud report", admin)
	}()
	wg.Wait()

	got, err := e.store.Get(ctx, tr.ID)
	require.NoError(t, err)
	hold, err := e.ledger.GetHold(ctx, got.HoldID)
	require.NoError(t, err)

	switch got.Status {
	case StatusCompleted:
		assert.Equal(t, ledger.HoldReleased, hold.Status)
		assert.True(t, e.balance(t, buyer.ID).Available.Equal(dec("100")))
	case StatusCancelled:
		assert.Equal(t, ledger.HoldReturned, hold.Status)
		assert.True(t, e.balance(t, seller.ID).Available.Equal(dec("1000")))
	default:
		t.Fatalf("unexpected status %s", got.Status)
	}
	assert.True(t, e.balance(t, seller.ID).Held.IsZero())
}

func TestPostMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)

	entry, err := e.svc.PostMessage(ctx, tr.ID, buyer, Message{Text: "  sent via wise  "})
	require.NoError(t, err)
	assert.Equal(t, KindMessage, entry.Kind)
	assert.Equal(t, PartyBuyer, entry.ActorRole)
	assert.Equal(t, "sent via wise", entry.Message.Text)

	_, err = e.svc.PostMessage(ctx, tr.ID, seller, Message{Attachment: &Attachment{URL: "https://cdn.example.com/receipt.png"}})
	require.NoError(t, err)
	adminEntry, err := e.svc.PostMessage(ctx, tr.ID, admin, Message{Text: "looking into it"})
	require.NoError(t, err)
	assert.Equal(t, PartyAdmin, adminEntry.ActorRole)

	_, err = e.svc.PostMessage(ctx, tr.ID, other, Message{Text: "hi"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.svc.PostMessage(ctx, tr.ID, buyer, Message{Text: "  "})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = e.svc.PostMessage(ctx, tr.ID, buyer, Message{Attachment: &Attachment{URL: "file:///etc/passwd"}})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = e.svc.PostMessage(ctx, tr.ID, buyer, Message{Attachment: &Attachment{URL: "http://169.254.169.254/latest"}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	// Messages are accepted after the trade closes.
	_, err = e.svc.Cancel(ctx, tr.ID, buyer, "")
	require.NoError(t, err)
	_, err = e.svc.PostMessage(ctx, tr.ID, seller, Message{Text: "ok, bye"})
	require.NoError(t, err)

	timeline, err := e.svc.Timeline(ctx, tr.ID, seller)
	require.NoError(t, err)
	require.Len(t, timeline, 7)
	for i := 1; i < len(timeline); i++ {
		assert.Greater(t, timeline[i].Seq, timeline[i-1].Seq)
	}
	assert.Equal(t, KindSystemEvent, timeline[5].Kind)
	assert.Equal(t, KindMessage, timeline[6].Kind)

	_, err = e.svc.Timeline(ctx, tr.ID, other)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNotifier(t *testing.T) {
	e := newEnv(t)
	var mu sync.Mutex
	var events []Event
	e.svc.WithNotifier(NotifierFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	tr, _ := e.escrowed(t)
	_, err := e.svc.PostMessage(context.Background(), tr.ID, buyer, Message{Text: "hello"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, StatusPendingEscrow, events[0].NewStatus)
	assert.Equal(t, StatusPendingEscrow, events[1].OldStatus)
	assert.Equal(t, StatusEscrowed, events[1].NewStatus)
	assert.Equal(t, EventMessage, events[2].Type)
	require.NotNil(t, events[2].Entry)
	assert.Equal(t, seller.ID, events[2].SellerID)
}

func TestListByUser_Paginates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	for i := 0; i < 5; i++ {
		_, err := e.svc.Create(ctx, buyer, CreateRequest{OfferID: o.ID, Amount: "10"})
		require.NoError(t, err)
		e.clk.Advance(time.Second)
	}

	page, next, err := e.svc.ListByUser(ctx, buyer.ID, "", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	seen := map[string]bool{page[0].ID: true, page[1].ID: true}
	for next != "" {
		page, next, err = e.svc.ListByUser(ctx, buyer.ID, "", next, 2)
		require.NoError(t, err)
		for _, tr := range page {
			assert.False(t, seen[tr.ID], "duplicate across pages")
			seen[tr.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	mine, _, err := e.svc.ListByUser(ctx, seller.ID, StatusCompleted, "", 10)
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, _, err = e.svc.ListByUser(ctx, buyer.ID, "", "%%%", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(ActionConfirm, PartySeller, StatusPaymentSent, StatusCompleted))
	assert.False(t, CanTransition(ActionConfirm, PartyBuyer, StatusPaymentSent, StatusCompleted))
	assert.False(t, CanTransition(ActionTimeout, PartySystem, StatusDisputed, StatusCancelled))
	assert.False(t, CanTransition(ActionAdminResolve, PartyAdmin, StatusPendingEscrow, StatusCompleted))
	for _, terminal := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		for e := range transitions {
			assert.NotEqual(t, terminal, e.from, "no edge leaves %s", terminal)
		}
	}
}

// unreliableStore fails Transition into failOn. With commit set the write
// lands before the error is reported.
type unreliableStore struct {
	*MemoryStore
	failOn   Status
	failures atomic.Int32
	commit   bool
}

func (u *unreliableStore) Transition(ctx context.Context, t *Trade, expected Status, entry *TimelineEntry) error {
	if t.Status == u.failOn && u.failures.Load() > 0 {
		u.failures.Add(-1)
		if u.commit {
			if err := u.MemoryStore.Transition(ctx, t, expected, entry); err != nil {
				return err
			}
		}
		return errors.New("driver: bad connection")
	}
	return u.MemoryStore.Transition(ctx, t, expected, entry)
}

func TestCancel_StatusWriteFailureAfterSettlementRetried(t *testing.T) {
	for _, commit := range []bool{false, true} {
		e := newEnv(t)
		ctx := context.Background()
		tr, o := e.escrowed(t)
		store := &unreliableStore{MemoryStore: e.store, failOn: StatusCancelled, commit: commit}
		store.failures.Store(1)
		e.svc.store = store

		got, err := e.svc.Cancel(ctx, tr.ID, buyer, "")
		require.NoError(t, err, "commit=%v", commit)
		assert.Equal(t, StatusCancelled, got.Status)

		hold, err := e.ledger.GetHold(ctx, tr.HoldID)
		require.NoError(t, err)
		assert.Equal(t, ledger.HoldReturned, hold.Status)
		assert.True(t, e.balance(t, seller.ID).Held.IsZero())
		assert.True(t, e.available(t, o.ID).Equal(dec("1000")), "offer restored once, commit=%v", commit)
		assert.Equal(t, []Action{ActionCreate, ActionLockSucceeded, ActionCancel}, actions(t, e, tr.ID))
	}
}

func TestMarkPaid_RefusedOnceHoldSettled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)
	store := &unreliableStore{MemoryStore: e.store, failOn: StatusCancelled}
	store.failures.Store(100)
	e.svc.store = store

	_, err := e.svc.Cancel(ctx, tr.ID, buyer, "")
	require.Error(t, err)
	got, err := e.store.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEscrowed, got.Status)

	_, err = e.svc.MarkPaid(ctx, tr.ID, buyer)
	assert.ErrorIs(t, err, ErrHoldNotActive)

	// Once the store recovers the cancel goes through without moving money
	// twice.
	store.failures.Store(0)
	got, err = e.svc.Cancel(ctx, tr.ID, buyer, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, e.balance(t, seller.ID).Available.Equal(dec("1000")))
}

// racingStore moves the trade to PAYMENT_SENT just before the first
// CANCELLED write, as another replica would.
type racingStore struct {
	*MemoryStore
	once sync.Once
}

func (r *racingStore) Transition(ctx context.Context, t *Trade, expected Status, entry *TimelineEntry) error {
	if t.Status == StatusCancelled {
		r.once.Do(func() {
			cur, _ := r.MemoryStore.Get(ctx, t.ID)
			paid := cur.clone()
			paid.Status = StatusPaymentSent
			_ = r.MemoryStore.Transition(ctx, paid, cur.Status, nil)
		})
	}
	return r.MemoryStore.Transition(ctx, t, expected, entry)
}

func TestCancel_SettlementRacingMarkPaidIsReconciled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)
	e.svc.store = &racingStore{MemoryStore: e.store}

	got, err := e.svc.Cancel(ctx, tr.ID, buyer, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	entries, err := e.store.Timeline(ctx, tr.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ActionSettlementReconciled, last.Event.Action)
	assert.Equal(t, StatusPaymentSent, last.Event.FromStatus)
	assert.Equal(t, PartySystem, last.ActorRole)
	assert.True(t, CanTransition(last.Event.Action, last.ActorRole, last.Event.FromStatus, last.Event.ToStatus))
	assert.False(t, CanTransition(ActionCancel, PartyBuyer, StatusPaymentSent, StatusCancelled))
}
