package txlog

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists transaction records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, escrow_id, action, status, tx_hash, from_account, to_account,
		       amount, block_number, gas_used, reason, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	// ON CONFLICT DO NOTHING keeps Insert idempotent on tx_hash; a
	// duplicate insert hands back the existing row instead.
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions (
			escrow_id, action, status, tx_hash, from_account, to_account,
			amount, block_number, gas_used, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING id`,
		tx.EscrowID, string(tx.Action), string(tx.Status), tx.TxHash, nullString(tx.From), nullString(tx.To),
		nullString(tx.Amount), tx.BlockNumber, tx.GasUsed, nullString(tx.Reason),
		tx.CreatedAt, tx.UpdatedAt,
	).Scan(&tx.ID)

	if err == sql.ErrNoRows {
		existing, getErr := p.GetByHash(ctx, tx.TxHash)
		if getErr != nil {
			return getErr
		}
		*tx = *existing
		return nil
	}
	return err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, txHash string, status Status, blockNumber, gasUsed uint64, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ledger_transactions SET
			status = $1,
			block_number = CASE WHEN $2 > 0 THEN $2 ELSE block_number END,
			gas_used = CASE WHEN $3 > 0 THEN $3 ELSE gas_used END,
			reason = $4, updated_at = $5
		WHERE tx_hash = $6`,
		string(status), blockNumber, gasUsed, nullString(reason), time.Now().UTC(), txHash,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetByHash(ctx context.Context, txHash string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE tx_hash = $1`, txHash)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID uint64) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE escrow_id = $1 ORDER BY id DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE status = $1 ORDER BY id ASC`,
		string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var action, status string
	var from, to, amount, reason sql.NullString

	err := row.Scan(
		&tx.ID, &tx.EscrowID, &action, &status, &tx.TxHash, &from, &to,
		&amount, &tx.BlockNumber, &tx.GasUsed, &reason, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Action = Action(action)
	tx.Status = Status(status)
	tx.From = from.String
	tx.To = to.String
	tx.Amount = amount.String
	tx.Reason = reason.String
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
