package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `escrow_id, buyer_id, seller_id, arbiter_id,
		       buyer_addr, seller_addr, arbiter_addr, token, amount,
		       status, create_tx_hash, release_tx_hash, refund_tx_hash,
		       disputed_by, dispute_reason,
		       resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			escrow_id, buyer_id, seller_id, arbiter_id,
			buyer_addr, seller_addr, arbiter_addr, token, amount,
			status, create_tx_hash, release_tx_hash, refund_tx_hash,
			disputed_by, dispute_reason,
			resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15,
			$16, $17, $18
		)`,
		e.EscrowID, e.BuyerID, e.SellerID, e.ArbiterID,
		e.BuyerAddr, e.SellerAddr, e.ArbiterAddr, e.Token, e.Amount,
		string(e.Status), e.CreateTxHash, nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		nullString(e.DisputedBy), nullString(e.DisputeReason),
		nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrStateConflict
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, escrowID uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE escrow_id = $1`, escrowID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// UpdateStatus is the decisive write: the WHERE clause on the current
// status makes the first writer win and every racer see ErrStateConflict.
func (p *PostgresStore) UpdateStatus(ctx context.Context, escrowID uint64, from, to Status, settleTxHash string) error {
	now := time.Now().UTC()
	var resolvedAt interface{}
	if to == StatusCompleted || to == StatusRefunded || to == StatusCancelled {
		resolvedAt = now
	}
	var releaseHash, refundHash sql.NullString
	if settleTxHash != "" {
		switch to {
		case StatusCompleted:
			releaseHash = nullString(settleTxHash)
		case StatusRefunded:
			refundHash = nullString(settleTxHash)
		}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, resolved_at = COALESCE($2, resolved_at),
		       release_tx_hash = COALESCE($3, release_tx_hash),
		       refund_tx_hash = COALESCE($4, refund_tx_hash),
		       updated_at = $5
		WHERE escrow_id = $6 AND status = $7`,
		string(to), resolvedAt, releaseHash, refundHash, now, escrowID, string(from),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing record from a lost race.
		if _, getErr := p.Get(ctx, escrowID); getErr != nil {
			return getErr
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) SetDispute(ctx context.Context, escrowID uint64, disputedBy, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET disputed_by = $1, dispute_reason = $2, updated_at = $3
		WHERE escrow_id = $4`,
		disputedBy, reason, time.Now().UTC(), escrowID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1 OR arbiter_id = $1
		ORDER BY escrow_id DESC
		LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var status string
	var releaseHash, refundHash, disputedBy, disputeReason sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&e.EscrowID, &e.BuyerID, &e.SellerID, &e.ArbiterID,
		&e.BuyerAddr, &e.SellerAddr, &e.ArbiterAddr, &e.Token, &e.Amount,
		&status, &e.CreateTxHash, &releaseHash, &refundHash,
		&disputedBy, &disputeReason,
		&resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ReleaseTxHash = releaseHash.String
	e.RefundTxHash = refundHash.String
	e.DisputedBy = disputedBy.String
	e.DisputeReason = disputeReason.String
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
