package profile

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists attributes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Attributes, error) {
	a := &Attributes{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, account_created_at, kyc_verified, trusted, updated_at
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.AccountCreatedAt, &a.KYCVerified, &a.Trusted, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, a *Attributes) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, account_created_at, kyc_verified, trusted, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			account_created_at = EXCLUDED.account_created_at,
			kyc_verified = EXCLUDED.kyc_verified,
			trusted = EXCLUDED.trusted,
			updated_at = EXCLUDED.updated_at
	`, a.UserID, a.AccountCreatedAt, a.KYCVerified, a.Trusted, a.UpdatedAt)
	return err
}

var _ Store = (*PostgresStore)(nil)
