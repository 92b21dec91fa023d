//go:build integration

package trade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2ptrade/internal/activity"
	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/offer"
	"github.com/mbd888/p2ptrade/internal/testutil"
)

func newPGEnv(t *testing.T) (*testEnv, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	clk := clock.NewFake(testNow)
	store := NewPostgresStore(db)
	e := &testEnv{
		ledger:   ledger.NewManager(ledger.NewPostgresStore(db)).WithClock(clk),
		offers:   offer.NewService(offer.NewPostgresStore(db), offer.NewStaticOracle()).WithClock(clk),
		activity: activity.NewLog(activity.NewPostgresStore(db)).WithClock(clk),
		clk:      clk,
	}
	e.svc = NewService(store, e.ledger, e.offers).WithActivity(e.activity).WithClock(clk)
	return e, store
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	e, store := newPGEnv(t)
	ctx := context.Background()
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)

	tr, err := e.svc.Create(ctx, buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), tr.Version)

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowed, got.Status)
	assert.True(t, got.Total.Equal(dec("101")))
	assert.Equal(t, tr.HoldID, got.HoldID)
	require.NotNil(t, got.ExpiresAt)

	_, err = e.svc.PostMessage(ctx, tr.ID, seller, Message{Text: "ready", Attachment: &Attachment{URL: "https://x.example/a.pdf", Name: "a.pdf"}})
	require.NoError(t, err)
	_, err = e.svc.MarkPaid(ctx, tr.ID, buyer)
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, tr.ID, seller)
	require.NoError(t, err)

	timeline, err := store.Timeline(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 5)
	assert.Equal(t, ActionCreate, timeline[0].Event.Action)
	assert.Equal(t, "a.pdf", timeline[2].Message.Attachment.Name)
	assert.Equal(t, StatusCompleted, timeline[4].Event.ToStatus)

	stats, err := store.TradeStats(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	err = store.AppendEntry(ctx, newMessage("trd_missing", "x", PartyBuyer, Message{Text: "hi"}, testNow))
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestPostgresStore_TransitionGuard(t *testing.T) {
	e, store := newPGEnv(t)
	ctx := context.Background()
	tr, _ := e.escrowed(t)

	stale := tr.clone()
	next := build(tr, change{to: StatusPaymentSent}, testNow)
	require.NoError(t, store.Transition(ctx, next, StatusEscrowed, nil))
	assert.Equal(t, tr.Version+1, next.Version)

	again := build(stale, change{to: StatusCancelled}, testNow)
	assert.ErrorIs(t, store.Transition(ctx, again, StatusEscrowed, nil), ErrConcurrentModification)

	missing := build(stale, change{to: StatusCancelled}, testNow)
	missing.ID = "trd_missing"
	assert.ErrorIs(t, store.Transition(ctx, missing, StatusEscrowed, nil), ErrTradeNotFound)
}

func TestPostgresStore_ListDueAndPaging(t *testing.T) {
	e, store := newPGEnv(t)
	ctx := context.Background()
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)
	for i := 0; i < 3; i++ {
		_, err := e.svc.Create(ctx, buyer, CreateRequest{OfferID: o.ID, Amount: "10"})
		require.NoError(t, err)
		e.clk.Advance(time.Minute)
	}

	due, err := store.ListDue(ctx, testNow.Add(31*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	page, next, err := e.svc.ListByUser(ctx, buyer.ID, "", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, next, err := e.svc.ListByUser(ctx, buyer.ID, "", next, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Empty(t, next)
}

func TestPostgresStore_ConcurrentCancelAndTimeout(t *testing.T) {
	e, store := newPGEnv(t)
	ctx := context.Background()
	tr, o := e.escrowed(t)
	replica := NewService(store, e.ledger, e.offers).WithClock(e.clk)
	e.clk.Advance(31 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = e.svc.Cancel(ctx, tr.ID, buyer, "") }()
	go func() { defer wg.Done(); _, _ = replica.Timeout(ctx, tr.ID) }()
	wg.Wait()

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, e.balance(t, seller.ID).Available.Equal(dec("1000")))
	assert.True(t, e.available(t, o.ID).Equal(dec("1000")))
}
