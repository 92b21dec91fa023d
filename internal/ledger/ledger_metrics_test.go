package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestObserveOp_IncrementsCounterAndHistogram(t *testing.T) {
	LedgerOpsTotal.Reset()
	LedgerOpDuration.Reset()

	done := observeOp("test_op")
	done()

	assert.Equal(t, 1.0, counterValue(t, LedgerOpsTotal.WithLabelValues("test_op")))

	ch := make(chan prometheus.Metric, 10)
	LedgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	assert.True(t, found, "expected histogram with 1 sample")
}

func TestHoldMetrics_TrackLifecycle(t *testing.T) {
	HoldsTotal.Reset()
	before := counterValue(t, InsufficientFundsTotal)

	m, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, m, "seller", "10")

	hold, err := m.Lock(ctx, lockReq("seller", "4", "trd_1"))
	require.NoError(t, err)
	_, err = m.Release(ctx, hold.ID, "buyer")
	require.NoError(t, err)
	_, err = m.Lock(ctx, lockReq("seller", "50", "trd_2"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, 1.0, counterValue(t, HoldsTotal.WithLabelValues("locked")))
	assert.Equal(t, 1.0, counterValue(t, HoldsTotal.WithLabelValues(string(HoldReleased))))
	assert.Equal(t, before+1, counterValue(t, InsufficientFundsTotal))
}
