package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, seller.ID, "1000")
	o := e.offer(t, "sell", seller.ID)

	var ids []string
	for i := 0; i < 3; i++ {
		tr, err := e.svc.Create(ctx, buyer, CreateRequest{OfferID: o.ID, Amount: "100"})
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}
	_, err := e.svc.Dispute(ctx, ids[2], buyer, "wrong account")
	require.NoError(t, err)

	w := NewSweeper(e.svc, e.store, nil).WithBatch(10, 2)

	res, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "nothing due yet")

	e.clk.Advance(31 * time.Minute)
	res, err = w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned, "disputed trades are never due")
	assert.Equal(t, 2, res.Succeeded)

	for _, id := range ids[:2] {
		got, err := e.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	}
	assert.True(t, e.available(t, o.ID).Equal(dec("900")))
	assert.True(t, e.balance(t, seller.ID).Held.Equal(dec("100")))

	res, err = w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestSweepOnce_ExpiresOffers(t *testing.T) {
	e := newEnv(t)
	calls := 0
	w := NewSweeper(e.svc, e.store, nil).WithBatch(5, 1).WithOfferExpiry(func(_ context.Context, limit int) (int, error) {
		calls++
		assert.Equal(t, 5, limit)
		return 2, nil
	})
	res, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, res.Offers)

	w.WithOfferExpiry(func(context.Context, int) (int, error) { return 0, errors.New("db down") })
	_, err = w.SweepOnce(context.Background())
	assert.NoError(t, err, "offer expiry failure does not fail the pass")
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) ListDue(context.Context, time.Time, int) ([]*Trade, error) {
	return nil, errors.New("connection refused")
}

func TestSweepOnce_ListError(t *testing.T) {
	e := newEnv(t)
	w := NewSweeper(e.svc, failingStore{e.store}, nil)
	_, err := w.SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	e := newEnv(t)
	tr, _ := e.escrowed(t)
	e.clk.Advance(31 * time.Minute)

	w := NewSweeper(e.svc, e.store, nil).WithInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := e.store.Get(context.Background(), tr.ID)
		return err == nil && got.Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.Running())

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, w.Running())
}

// blockingStore parks ListDue until release is closed.
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	close(b.entered)
	<-b.release
	return b.MemoryStore.ListDue(ctx, now, limit)
}

func TestSweepOnce_OverlappingCallReturnsEmpty(t *testing.T) {
	e := newEnv(t)
	e.escrowed(t)
	e.clk.Advance(31 * time.Minute)

	store := &blockingStore{MemoryStore: e.store, entered: make(chan struct{}), release: make(chan struct{})}
	w := NewSweeper(e.svc, store, nil)

	first := make(chan SweepResult, 1)
	go func() {
		res, _ := w.SweepOnce(context.Background())
		first <- res
	}()
	<-store.entered

	done := make(chan SweepResult, 1)
	go func() {
		res, _ := w.SweepOnce(context.Background())
		done <- res
	}()
	select {
	case res := <-done:
		assert.Equal(t, SweepResult{}, res)
	case <-time.After(2 * time.Second):
		t.Fatal("second pass waited for the first")
	}

	close(store.release)
	res := <-first
	assert.Equal(t, 1, res.Succeeded)
}
