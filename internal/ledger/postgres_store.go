package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Balance rows are locked
// with SELECT ... FOR UPDATE inside each transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, owner_id, currency, wallet_type, amount, reference, status,
	released_to, created_at, settled_at`

func (p *PostgresStore) GetBalance(ctx context.Context, key BalanceKey) (*Balance, error) {
	bal := &Balance{BalanceKey: key}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, updated_at FROM ledger_balances
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
	`, key.UserID, key.Currency, string(key.WalletType)).Scan(&bal.Available, &bal.Held, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{BalanceKey: key, Available: decimal.Zero, Held: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) ListBalances(ctx context.Context, userID string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, currency, wallet_type, available, held, updated_at
		FROM ledger_balances WHERE user_id = $1
		ORDER BY currency, wallet_type
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		b := &Balance{}
		var wallet string
		if err := rows.Scan(&b.UserID, &b.Currency, &wallet, &b.Available, &b.Held, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.WalletType = WalletType(wallet)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ensureBalance creates a zero balance row so it can be row-locked.
func ensureBalance(ctx context.Context, tx *sql.Tx, key BalanceKey, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, currency, wallet_type, available, held, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (user_id, currency, wallet_type) DO NOTHING
	`, key.UserID, key.Currency, string(key.WalletType), at)
	return err
}

func lockBalance(ctx context.Context, tx *sql.Tx, key BalanceKey) (available, held decimal.Decimal, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT available, held FROM ledger_balances
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
		FOR UPDATE
	`, key.UserID, key.Currency, string(key.WalletType)).Scan(&available, &held)
	return available, held, err
}

func (p *PostgresStore) Lock(ctx context.Context, hold *Hold, entry *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := hold.Key()
	if err := ensureBalance(ctx, tx, key, hold.CreatedAt); err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	available, _, err := lockBalance(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("lock balance: %w", err)
	}
	if available.LessThan(hold.Amount) {
		return ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $4,
			held       = held + $4,
			updated_at = $5
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
	`, key.UserID, key.Currency, string(key.WalletType), hold.Amount, hold.CreatedAt); err != nil {
		return fmt.Errorf("debit available: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, NULL)
	`, hold.ID, hold.OwnerID, hold.Currency, string(hold.WalletType), hold.Amount,
		hold.Reference, string(hold.Status), hold.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrReferenceUsed
		}
		return fmt.Errorf("insert hold: %w", err)
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Settle(ctx context.Context, s Settlement) (*Hold, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	h, err := scanHold(tx.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM ledger_holds WHERE id = $1 FOR UPDATE`, s.HoldID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	if !h.IsActive() {
		return h, ErrHoldNotActive
	}

	owner := h.Key()
	receiver := BalanceKey{UserID: s.ReceiverID, Currency: h.Currency, WalletType: h.WalletType}

	// Lock balance rows in a stable order to avoid deadlocks between
	// concurrent settlements touching the same pair of users.
	keys := []BalanceKey{owner}
	if receiver != owner {
		if receiver.UserID < owner.UserID {
			keys = []BalanceKey{receiver, owner}
		} else {
			keys = append(keys, receiver)
		}
	}
	for _, k := range keys {
		if err := ensureBalance(ctx, tx, k, s.SettledAt); err != nil {
			return nil, fmt.Errorf("ensure balance: %w", err)
		}
		if _, _, err := lockBalance(ctx, tx, k); err != nil {
			return nil, fmt.Errorf("lock balance: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET held = held - $4, updated_at = $5
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
	`, owner.UserID, owner.Currency, string(owner.WalletType), h.Amount, s.SettledAt); err != nil {
		return nil, fmt.Errorf("debit held: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET available = available + $4, updated_at = $5
		WHERE user_id = $1 AND currency = $2 AND wallet_type = $3
	`, receiver.UserID, receiver.Currency, string(receiver.WalletType), h.Amount, s.SettledAt); err != nil {
		return nil, fmt.Errorf("credit receiver: %w", err)
	}

	releasedTo := ""
	if s.Status == HoldReleased {
		releasedTo = s.ReceiverID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_holds SET status = $2, released_to = $3, settled_at = $4
		WHERE id = $1
	`, h.ID, string(s.Status), nullString(releasedTo), s.SettledAt); err != nil {
		return nil, fmt.Errorf("update hold: %w", err)
	}

	for _, e := range s.Entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	at := s.SettledAt
	h.Status = s.Status
	h.ReleasedTo = releasedTo
	h.SettledAt = &at
	return h, nil
}

func (p *PostgresStore) Credit(ctx context.Context, key BalanceKey, amount decimal.Decimal, entry *Transaction) (*Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateDeposit
		}
		return nil, err
	}

	bal := &Balance{BalanceKey: key}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_balances (user_id, currency, wallet_type, available, held, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (user_id, currency, wallet_type) DO UPDATE SET
			available  = ledger_balances.available + EXCLUDED.available,
			updated_at = EXCLUDED.updated_at
		RETURNING available, held, updated_at
	`, key.UserID, key.Currency, string(key.WalletType), amount, entry.CreatedAt).
		Scan(&bal.Available, &bal.Held, &bal.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM ledger_holds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) HoldByReference(ctx context.Context, reference string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM ledger_holds WHERE reference = $1`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, currency, wallet_type, type, direction, amount,
		       reference, hold_id, created_at
		FROM ledger_transactions WHERE user_id = $1
		ORDER BY seq DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var wallet, typ, dir string
		var ref, holdID sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Currency, &wallet, &typ, &dir, &t.Amount,
			&ref, &holdID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.WalletType = WalletType(wallet)
		t.Type = TxType(typ)
		t.Direction = Direction(dir)
		t.Reference = ref.String
		t.HoldID = holdID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, user_id, currency, wallet_type, type, direction, amount, reference, hold_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, e.Currency, string(e.WalletType), string(e.Type), string(e.Direction),
		e.Amount, nullString(e.Reference), nullString(e.HoldID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(row scanner) (*Hold, error) {
	h := &Hold{}
	var wallet, status string
	var releasedTo sql.NullString
	var settledAt sql.NullTime
	if err := row.Scan(&h.ID, &h.OwnerID, &h.Currency, &wallet, &h.Amount, &h.Reference,
		&status, &releasedTo, &h.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	h.WalletType = WalletType(wallet)
	h.Status = HoldStatus(status)
	h.ReleasedTo = releasedTo.String
	if settledAt.Valid {
		t := settledAt.Time
		h.SettledAt = &t
	}
	return h, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
