package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/p2ptrade/internal/ledger"
	"github.com/mbd888/p2ptrade/internal/profile"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, offer_id, maker_id, buyer_id, seller_id, currency, price_currency, wallet_type,
	amount, price, total, payment_method, auto_cancel_minutes, status, reason, hold_id,
	cancelled_by, disputed_by, assigned_to, resolution, resolved_by,
	expires_at, payment_sent_at, completed_at, cancelled_at, version, created_at, updated_at`

const entryColumns = `seq, id, trade_id, kind, actor_id, actor_role, action, from_status, to_status,
	note, text, attachment_url, attachment_name, attachment_type, created_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade, entry *TimelineEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t.Version = 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`, t.ID, t.OfferID, t.MakerID, t.BuyerID, t.SellerID, t.Currency, t.PriceCurrency, string(t.WalletType),
		t.Amount, t.Price, t.Total, t.PaymentMethod, t.AutoCancelMinutes, string(t.Status),
		nullString(t.Reason), nullString(t.HoldID),
		nullString(t.CancelledBy), nullString(t.DisputedBy), nullString(t.AssignedTo),
		nullString(string(t.Resolution)), nullString(t.ResolvedBy),
		nullTime(t.ExpiresAt), nullTime(t.PaymentSentAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if entry != nil {
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	t, err := scanTrade(p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Transition(ctx context.Context, t *Trade, expected Status, entry *TimelineEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `
		UPDATE trades SET
			status = $4, reason = $5, hold_id = $6,
			cancelled_by = $7, disputed_by = $8, assigned_to = $9, resolution = $10, resolved_by = $11,
			expires_at = $12, payment_sent_at = $13, completed_at = $14, cancelled_at = $15,
			updated_at = $16, version = version + 1
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING version
	`, t.ID, string(expected), t.Version,
		string(t.Status), nullString(t.Reason), nullString(t.HoldID),
		nullString(t.CancelledBy), nullString(t.DisputedBy), nullString(t.AssignedTo),
		nullString(string(t.Resolution)), nullString(t.ResolvedBy),
		nullTime(t.ExpiresAt), nullTime(t.PaymentSentAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		t.UpdatedAt,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); qerr == nil && !exists {
			return ErrTradeNotFound
		}
		return ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if entry != nil {
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version = version
	return nil
}

func (p *PostgresStore) AppendEntry(ctx context.Context, entry *TimelineEntry) error {
	err := insertEntry(ctx, p.db, entry)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrTradeNotFound
	}
	return err
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertEntry(ctx context.Context, q execQuerier, e *TimelineEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	var (
		action, from, to, note         string
		text, attURL, attName, attType string
	)
	if e.Event != nil {
		action, from, to, note = string(e.Event.Action), string(e.Event.FromStatus), string(e.Event.ToStatus), e.Event.Note
	}
	if e.Message != nil {
		text = e.Message.Text
		if a := e.Message.Attachment; a != nil {
			attURL, attName, attType = a.URL, a.Name, a.ContentType
		}
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO trade_timeline (id, trade_id, kind, actor_id, actor_role, action, from_status, to_status,
			note, text, attachment_url, attachment_name, attachment_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq
	`, e.ID, e.TradeID, string(e.Kind), e.ActorID, string(e.ActorRole),
		nullString(action), nullString(from), nullString(to), nullString(note),
		nullString(text), nullString(attURL), nullString(attName), nullString(attType), e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Timeline(ctx context.Context, tradeID string) ([]*TimelineEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM trade_timeline WHERE trade_id = $1 ORDER BY seq`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*TimelineEntry{}
	for rows.Next() {
		e := &TimelineEntry{}
		var (
			kind, role                                             string
			action, from, to, note, text, attURL, attName, attType sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TradeID, &kind, &e.ActorID, &role,
			&action, &from, &to, &note, &text, &attURL, &attName, &attType, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		e.ActorRole = Party(role)
		switch e.Kind {
		case KindSystemEvent:
			e.Event = &SystemEvent{
				Action:     Action(action.String),
				FromStatus: Status(from.String),
				ToStatus:   Status(to.String),
				Note:       note.String,
			}
		case KindMessage:
			e.Message = &Message{Text: text.String}
			if attURL.Valid {
				e.Message.Attachment = &Attachment{URL: attURL.String, Name: attName.String, ContentType: attType.String}
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, f ListFilter) ([]*Trade, error) {
	var afterAt sql.NullTime
	var afterID string
	if f.After != nil {
		afterAt = sql.NullTime{Time: f.After.CreatedAt, Valid: true}
		afterID = f.After.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) < ($3::TIMESTAMPTZ, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, userID, string(f.Status), afterAt, afterID, f.Limit)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	statuses := make([]string, len(dueStatuses))
	for i, s := range dueStatuses {
		statuses[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, pq.Array(statuses), now, limit)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (p *PostgresStore) TradeStats(ctx context.Context, userID string) (profile.Stats, error) {
	var st profile.Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED' AND cancelled_by = $1)
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
	`, userID).Scan(&st.Completed, &st.Failed)
	return st, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var (
		wallet, status                                      string
		reason, holdID, cancelledBy, disputedBy, assignedTo sql.NullString
		resolution, resolvedBy                              sql.NullString
		expiresAt, paymentSentAt, completedAt, cancelledAt  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.OfferID, &t.MakerID, &t.BuyerID, &t.SellerID, &t.Currency, &t.PriceCurrency, &wallet,
		&t.Amount, &t.Price, &t.Total, &t.PaymentMethod, &t.AutoCancelMinutes, &status, &reason, &holdID,
		&cancelledBy, &disputedBy, &assignedTo, &resolution, &resolvedBy,
		&expiresAt, &paymentSentAt, &completedAt, &cancelledAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.WalletType = ledger.WalletType(wallet)
	t.Status = Status(status)
	t.Reason = reason.String
	t.HoldID = holdID.String
	t.CancelledBy = cancelledBy.String
	t.DisputedBy = disputedBy.String
	t.AssignedTo = assignedTo.String
	t.Resolution = Outcome(resolution.String)
	t.ResolvedBy = resolvedBy.String
	t.ExpiresAt = timePtr(expiresAt)
	t.PaymentSentAt = timePtr(paymentSentAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	defer func() { _ = rows.Close() }()
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

var _ Store = (*PostgresStore)(nil)
