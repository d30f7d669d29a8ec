// Package txlog keeps the append-only record of every ledger
// submission the service makes, keyed by transaction hash. Rows start
// PENDING at broadcast time and are confirmed or failed as their
// outcome is learned, either from a receipt or from the reconciler.
package txlog

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Action is the escrow operation a transaction carries out.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRelease Action = "RELEASE"
	ActionRefund  Action = "REFUND"

	// ActionDispute is reserved. Disputes are record-level state and
	// submit nothing to the ledger today, so no writer emits this.
	ActionDispute Action = "DISPUTE"
)

// Status of a recorded transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

var (
	ErrNotFound = errors.New("txlog: transaction not found")
)

// Transaction is one recorded ledger submission.
type Transaction struct {
	ID          int64     `json:"id"`
	EscrowID    uint64    `json:"escrowId"`
	Action      Action    `json:"action"`
	Status      Status    `json:"status"`
	TxHash      string    `json:"txHash"`
	From        string    `json:"from,omitempty"` // account ID of the initiator; empty for reconciler rows
	To          string    `json:"to,omitempty"`   // account ID of the receiving party
	Amount      string    `json:"amount,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	GasUsed     uint64    `json:"gasUsed,omitempty"`
	Reason      string    `json:"reason,omitempty"` // failure reason
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists transactions. Insert must be idempotent on TxHash:
// inserting a hash that already exists is a no-op, not an error.
type Store interface {
	Insert(ctx context.Context, tx *Transaction) error
	UpdateStatus(ctx context.Context, txHash string, status Status, blockNumber, gasUsed uint64, reason string) error
	GetByHash(ctx context.Context, txHash string) (*Transaction, error)
	ListByEscrow(ctx context.Context, escrowID uint64) ([]*Transaction, error)
	ListPending(ctx context.Context) ([]*Transaction, error)
}

// Log records and resolves ledger submissions.
type Log struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Log {
	return &Log{store: store, logger: logger}
}

// Entry describes a submission to record.
type Entry struct {
	EscrowID uint64
	Action   Action
	TxHash   string
	From     string
	To       string
	Amount   string
	Status   Status // defaults to PENDING
}

// Record appends a submission row. Recording the same hash twice is a
// no-op; this keeps the handler path and the reconciler path from
// duplicating each other's rows.
func (l *Log) Record(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := time.Now().UTC()
	tx := &Transaction{
		EscrowID:  e.EscrowID,
		Action:    e.Action,
		Status:    e.Status,
		TxHash:    e.TxHash,
		From:      e.From,
		To:        e.To,
		Amount:    e.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Insert(ctx, tx); err != nil {
		return nil, err
	}
	l.logger.Info("transaction recorded",
		"escrow_id", e.EscrowID, "action", string(e.Action), "tx", e.TxHash, "status", string(tx.Status))
	return tx, nil
}

// Confirm marks a pending row as mined with its receipt coordinates.
// Confirming an already-confirmed row is harmless.
func (l *Log) Confirm(ctx context.Context, txHash string, blockNumber, gasUsed uint64) error {
	if err := l.store.UpdateStatus(ctx, txHash, StatusConfirmed, blockNumber, gasUsed, ""); err != nil {
		return err
	}
	l.logger.Info("transaction confirmed", "tx", txHash, "block", blockNumber)
	return nil
}

// Fail marks a row as failed with the classified reason.
func (l *Log) Fail(ctx context.Context, txHash, reason string) error {
	if err := l.store.UpdateStatus(ctx, txHash, StatusFailed, 0, 0, reason); err != nil {
		return err
	}
	l.logger.Warn("transaction failed", "tx", txHash, "reason", reason)
	return nil
}

// ByHash looks up a single recorded transaction.
func (l *Log) ByHash(ctx context.Context, txHash string) (*Transaction, error) {
	return l.store.GetByHash(ctx, txHash)
}

// ListByEscrow returns an escrow's transactions, newest first.
func (l *Log) ListByEscrow(ctx context.Context, escrowID uint64) ([]*Transaction, error) {
	return l.store.ListByEscrow(ctx, escrowID)
}

// Pending returns all unresolved rows, oldest first, for the
// reconciler to settle against the event stream.
func (l *Log) Pending(ctx context.Context) ([]*Transaction, error) {
	return l.store.ListPending(ctx)
}
