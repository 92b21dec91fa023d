package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/p2ptrade/internal/metrics"
)

// ExpireFunc retires offers past their expiry. It returns how many it
// closed.
type ExpireFunc func(ctx context.Context, limit int) (int, error)

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Offers    int `json:"offersExpired"`
}

// Sweeper periodically applies deadline transitions to due trades.
type Sweeper struct {
	service      *Service
	store        Store
	interval     time.Duration
	tradeTimeout time.Duration
	batchSize    int
	concurrency  int
	expireOffers ExpireFunc
	logger       *slog.Logger
	stop         chan struct{}
	stopOnce     sync.Once
	running      atomic.Bool
	sweeping     sync.Mutex
}

// NewSweeper creates a timeout sweeper for service.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:      service,
		store:        store,
		interval:     5 * time.Minute,
		tradeTimeout: 10 * time.Second,
		batchSize:    100,
		concurrency:  4,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// WithInterval sets the time between passes.
func (w *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithTradeTimeout bounds the time spent on a single trade.
func (w *Sweeper) WithTradeTimeout(d time.Duration) *Sweeper {
	if d > 0 {
		w.tradeTimeout = d
	}
	return w
}

// WithBatch sets how many due trades one pass picks up and how many are
// processed at once.
func (w *Sweeper) WithBatch(size, concurrency int) *Sweeper {
	if size > 0 {
		w.batchSize = size
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	return w
}

// WithOfferExpiry also retires expired offers on every pass.
func (w *Sweeper) WithOfferExpiry(fn ExpireFunc) *Sweeper {
	w.expireOffers = fn
	return w
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in timeout sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.SweepOnce(ctx); err != nil {
		w.logger.Warn("timeout sweep failed", "error", err)
	}
}

// SweepOnce runs a single pass. Passes never overlap: a call made while one
// is in progress returns an empty result at once. A failure on one trade
// does not stop the others.
func (w *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if !w.sweeping.TryLock() {
		w.logger.Debug("timeout sweep already running, skipping")
		return SweepResult{}, nil
	}
	defer w.sweeping.Unlock()

	start := time.Now()
	metrics.SweepRunsTotal.Inc()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	due, err := w.store.ListDue(ctx, w.service.clock.Now(), w.batchSize)
	if err != nil {
		return res, fmt.Errorf("list due trades: %w", err)
	}
	res.Scanned = len(due)

	var succeeded, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, t := range due {
		id := t.ID
		g.Go(func() error {
			switch ok, err := w.sweepTrade(gctx, id); {
			case err != nil:
				failed.Add(1)
				metrics.SweepTradesTotal.WithLabelValues("failed").Inc()
				w.logger.Warn("failed to time out trade", "tradeId", id, "error", err)
			case ok:
				succeeded.Add(1)
				metrics.SweepTradesTotal.WithLabelValues("succeeded").Inc()
			default:
				skipped.Add(1)
				metrics.SweepTradesTotal.WithLabelValues("skipped").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Succeeded = int(succeeded.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())

	if w.expireOffers != nil {
		n, err := w.expireOffers(ctx, w.batchSize)
		if err != nil {
			w.logger.Warn("failed to expire offers", "error", err)
		}
		res.Offers = n
	}

	if res.Scanned > 0 || res.Offers > 0 {
		w.logger.Info("timeout sweep finished",
			"scanned", res.Scanned, "succeeded", res.Succeeded,
			"skipped", res.Skipped, "failed", res.Failed, "offersExpired", res.Offers)
	}
	return res, nil
}

func (w *Sweeper) sweepTrade(ctx context.Context, tradeID string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, w.tradeTimeout)
	defer cancel()
	return w.service.Timeout(ctx, tradeID)
}
