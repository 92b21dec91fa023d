package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/trade"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2ptrade",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2ptrade",
		Subsystem: "webhook",
		Name:      "dropped_total",
		Help:      "Trade events dropped because the webhook queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal)
}

// QueueSize bounds the events waiting for delivery.
const QueueSize = 512

// Notifier is a trade.Notifier that queues events and delivers them to the
// buyer's and seller's subscriptions from Run.
type Notifier struct {
	dispatcher *Dispatcher
	store      Store
	queue      chan trade.Event
	logger     *slog.Logger
	timeout    time.Duration
}

var _ trade.Notifier = (*Notifier)(nil)

func NewNotifier(d *Dispatcher, store Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		dispatcher: d,
		store:      store,
		queue:      make(chan trade.Event, QueueSize),
		logger:     logger,
		timeout:    30 * time.Second,
	}
}

// Notify enqueues ev without blocking; a full queue drops it.
func (n *Notifier) Notify(ev trade.Event) {
	select {
	case n.queue <- ev:
	default:
		droppedTotal.Inc()
		n.logger.Warn("webhook queue full, dropping event", "tradeId", ev.TradeID, "type", ev.Type)
	}
}

// Pending returns the number of queued events.
func (n *Notifier) Pending() int { return len(n.queue) }

// Run delivers queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("webhook notifier started")
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("webhook notifier stopped", "pending", len(n.queue))
			return
		case ev := <-n.queue:
			n.dispatch(ctx, ev)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, ev trade.Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic in webhook dispatch", "panic", r, "tradeId", ev.TradeID)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	subs, err := n.store.ListActiveByUsers(ctx, []string{ev.BuyerID, ev.SellerID})
	if err != nil {
		n.logger.Error("failed to load webhook subscriptions", "tradeId", ev.TradeID, "error", err)
		return
	}

	dl := Delivery{
		ID:        idgen.WithPrefix(idgen.PrefixDelivery),
		Type:      ev.Type,
		CreatedAt: ev.Timestamp,
		Data:      ev,
	}
	for _, sub := range subs {
		if !sub.Wants(ev.Type) {
			continue
		}
		result := "ok"
		if err := n.dispatcher.Deliver(ctx, sub, dl); err != nil {
			result = "error"
			if errors.Is(err, ErrCircuitOpen) {
				result = "skipped"
			}
			n.logger.Warn("webhook delivery failed",
				"webhookId", sub.ID, "tradeId", ev.TradeID, "type", ev.Type, "error", err)
		}
		deliveriesTotal.WithLabelValues(string(ev.Type), result).Inc()
	}
}
