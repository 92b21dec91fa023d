// Package activity is the append-only audit log of trade actions.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/p2ptrade/internal/clock"
	"github.com/mbd888/p2ptrade/internal/idgen"
)

var ErrInvalidRecord = errors.New("activity record requires tradeId and action")

// Record is one audited action.
type Record struct {
	ID         string    `json:"id"`
	TradeID    string    `json:"tradeId"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists records. Implementations never update or delete.
type Store interface {
	Append(ctx context.Context, r *Record) error
	ListByTrade(ctx context.Context, tradeID string) ([]*Record, error)
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Record, error)
}

// Log writes and reads audit records.
type Log struct {
	store Store
	clock clock.Clock
}

// NewLog creates an audit log backed by store.
func NewLog(store Store) *Log {
	return &Log{store: store, clock: clock.Real{}}
}

// WithClock overrides the time source.
func (l *Log) WithClock(c clock.Clock) *Log {
	l.clock = c
	return l
}

// Record appends r, assigning its ID and timestamp.
func (l *Log) Record(ctx context.Context, r Record) (*Record, error) {
	if r.TradeID == "" || r.Action == "" {
		return nil, ErrInvalidRecord
	}
	r.ID = idgen.WithPrefix(idgen.PrefixActivity)
	r.CreatedAt = l.clock.Now()
	if err := l.store.Append(ctx, &r); err != nil {
		return nil, fmt.Errorf("append activity: %w", err)
	}
	return &r, nil
}

// ListByTrade returns a trade's records oldest first.
func (l *Log) ListByTrade(ctx context.Context, tradeID string) ([]*Record, error) {
	return l.store.ListByTrade(ctx, tradeID)
}

// ListByActor returns an actor's most recent records first.
func (l *Log) ListByActor(ctx context.Context, actorID string, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListByActor(ctx, actorID, limit)
}
