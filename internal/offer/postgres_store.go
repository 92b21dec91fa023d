package offer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/ledger"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, user_id, type, currency, price_currency, wallet_type,
	total, min_amount, max_amount, available, filled,
	price_model, price_value, final_price, payment_methods,
	auto_cancel_minutes, kyc_required, visibility, terms, requirements,
	status, status_reason, expires_at, version, created_at, updated_at, deleted_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	reqs, err := json.Marshal(o.Requirements)
	if err != nil {
		return err
	}
	o.Version = 1
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, NULL)
	`, o.ID, o.UserID, string(o.Type), o.Currency, o.PriceCurrency, string(o.WalletType),
		o.Amounts.Total, o.Amounts.Min, o.Amounts.Max, o.Amounts.Available, o.Amounts.Filled,
		string(o.Price.Model), o.Price.Value, o.Price.FinalPrice, pq.Array(o.PaymentMethods),
		o.Settings.AutoCancelMinutes, o.Settings.KYCRequired, string(o.Settings.Visibility),
		nullString(o.Settings.Terms), reqs,
		string(o.Status), nullString(o.StatusReason), nullTime(o.ExpiresAt), o.Version,
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	reqs, err := json.Marshal(o.Requirements)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		UPDATE offers SET
			available = available + ($3::NUMERIC - total),
			total = $3, min_amount = $4, max_amount = $5,
			price_model = $6, price_value = $7, final_price = $8, payment_methods = $9,
			auto_cancel_minutes = $10, kyc_required = $11, visibility = $12, terms = $13,
			requirements = $14, status = $15, status_reason = $16, expires_at = $17,
			updated_at = $18, deleted_at = $19, version = version + 1
		WHERE id = $1 AND version = $2
		  AND available + ($3::NUMERIC - total) >= 0
		RETURNING available, filled, version
	`, o.ID, o.Version, o.Amounts.Total, o.Amounts.Min, o.Amounts.Max,
		string(o.Price.Model), o.Price.Value, o.Price.FinalPrice, pq.Array(o.PaymentMethods),
		o.Settings.AutoCancelMinutes, o.Settings.KYCRequired, string(o.Settings.Visibility),
		nullString(o.Settings.Terms), reqs, string(o.Status), nullString(o.StatusReason),
		nullTime(o.ExpiresAt), o.UpdatedAt, nullTime(o.DeletedAt),
	).Scan(&o.Amounts.Available, &o.Amounts.Filled, &o.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return p.classifyMiss(ctx, o)
	}
	return err
}

// classifyMiss explains why a guarded UPDATE matched no row.
func (p *PostgresStore) classifyMiss(ctx context.Context, o *Offer) error {
	cur, err := p.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if cur.Version != o.Version {
		return ErrConflict
	}
	return invalid("totalAmount below amount already traded or reserved")
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, f Filter) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'ACTIVE' AND deleted_at IS NULL AND visibility = 'PUBLIC' AND available > 0
		  AND ($1 = '' OR type = $1)
		  AND ($2 = '' OR currency = $2)
		  AND ($3 = '' OR price_currency = $3)
		  AND ($4 = '' OR $4 = ANY(payment_methods))
		ORDER BY created_at, id
		LIMIT $5
	`, string(f.Type), f.Currency, f.PriceCurrency, f.PaymentMethod, f.Limit)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE expires_at < $1 AND deleted_at IS NULL
		  AND status IN ('DRAFT', 'PENDING_APPROVAL', 'ACTIVE', 'PAUSED')
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (p *PostgresStore) Reserve(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `
		UPDATE offers SET available = available - $2, updated_at = $3, version = version + 1
		WHERE id = $1 AND status = 'ACTIVE' AND deleted_at IS NULL AND available >= $2
		RETURNING `+offerColumns, id, amount, now))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrUnavailable
	}
	return o, err
}

func (p *PostgresStore) Restore(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `
		UPDATE offers SET available = LEAST(available + $2, total - filled),
			updated_at = $3, version = version + 1
		WHERE id = $1
		RETURNING `+offerColumns, id, amount, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Fill(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `
		UPDATE offers SET
			filled = filled + $2,
			status = CASE
				WHEN status IN ('ACTIVE', 'PAUSED') AND available = 0 AND total - filled - $2 <= 0
				THEN 'COMPLETED' ELSE status END,
			status_reason = CASE
				WHEN status IN ('ACTIVE', 'PAUSED') AND available = 0 AND total - filled - $2 <= 0
				THEN 'fully traded' ELSE status_reason END,
			updated_at = $3, version = version + 1
		WHERE id = $1
		RETURNING `+offerColumns, id, amount, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row scanner) (*Offer, error) {
	o := &Offer{}
	var (
		typ, wallet, model, vis, status string
		terms, reason                   sql.NullString
		reqs                            []byte
		expiresAt, deletedAt            sql.NullTime
	)
	err := row.Scan(&o.ID, &o.UserID, &typ, &o.Currency, &o.PriceCurrency, &wallet,
		&o.Amounts.Total, &o.Amounts.Min, &o.Amounts.Max, &o.Amounts.Available, &o.Amounts.Filled,
		&model, &o.Price.Value, &o.Price.FinalPrice, pq.Array(&o.PaymentMethods),
		&o.Settings.AutoCancelMinutes, &o.Settings.KYCRequired, &vis, &terms, &reqs,
		&status, &reason, &expiresAt, &o.Version, &o.CreatedAt, &o.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	o.Type = Type(typ)
	o.WalletType = ledger.WalletType(wallet)
	o.Price.Model = PriceModel(model)
	o.Settings.Visibility = Visibility(vis)
	o.Settings.Terms = terms.String
	o.Status = Status(status)
	o.StatusReason = reason.String
	if len(reqs) > 0 {
		if err := json.Unmarshal(reqs, &o.Requirements); err != nil {
			return nil, fmt.Errorf("decode requirements: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		o.ExpiresAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		o.DeletedAt = &t
	}
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	defer func() { _ = rows.Close() }()
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
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

var _ Store = (*PostgresStore)(nil)
