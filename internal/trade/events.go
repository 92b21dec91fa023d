package trade

import "time"

// EventType identifies a trade notification.
type EventType string

const (
	EventStatusChanged EventType = "trade.status_changed"
	EventMessage       EventType = "trade.message"
)

// Event is pushed to connected clients after a trade changes.
type Event struct {
	Type      EventType      `json:"type"`
	TradeID   string         `json:"tradeId"`
	BuyerID   string         `json:"buyerId"`
	SellerID  string         `json:"sellerId"`
	OldStatus Status         `json:"oldStatus,omitempty"`
	NewStatus Status         `json:"newStatus"`
	ActorID   string         `json:"actorId"`
	Timestamp time.Time      `json:"timestamp"`
	Entry     *TimelineEntry `json:"entry,omitempty"`
}

// Notifier delivers events on a best-effort basis. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Notifiers fans an event out to several sinks in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ev)
		}
	}
}
