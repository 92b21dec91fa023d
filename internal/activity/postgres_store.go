package activity

import (
	"context"
	"database/sql"
)

// PostgresStore persists activity in the trade_activity table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const columns = `id, trade_id, actor_id, actor_role, action, from_status, to_status, detail, created_at`

func (p *PostgresStore) Append(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_activity (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.TradeID, r.ActorID, r.ActorRole, r.Action,
		nullString(r.FromStatus), nullString(r.ToStatus), nullString(r.Detail), r.CreatedAt)
	return err
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+columns+` FROM trade_activity WHERE trade_id = $1 ORDER BY seq`, tradeID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+columns+` FROM trade_activity WHERE actor_id = $1 ORDER BY seq DESC LIMIT $2`,
		actorID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		var from, to, detail sql.NullString
		if err := rows.Scan(&r.ID, &r.TradeID, &r.ActorID, &r.ActorRole, &r.Action,
			&from, &to, &detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.FromStatus = from.String
		r.ToStatus = to.String
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
