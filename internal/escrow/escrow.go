// Package escrow implements the three-party escrow lifecycle.
//
// Flow:
//  1. Buyer creates an escrow → funds locked in the contract, record PENDING
//  2. Reconciler observes EscrowCreated on chain → record FUNDED
//  3. Buyer (or arbiter) releases → funds to seller, record COMPLETED
//  4. Seller (or arbiter) refunds → funds to buyer, record REFUNDED
//  5. Any party disputes → record DISPUTED, only the arbiter can settle
//
// The contract is authoritative: local status never advances to a
// settled state except on a submission outcome or an observed event.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/accounts"
	"github.com/clearhold/clearhold/internal/amount"
	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/txlog"
	"github.com/clearhold/clearhold/internal/validation"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrAlreadyResolved = errors.New("escrow already resolved")
	ErrStateConflict   = errors.New("escrow status changed concurrently")
	ErrSameParty       = errors.New("buyer, seller, and arbiter must be distinct")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "PENDING"   // Submitted to the contract, funding not yet observed
	StatusFunded    Status = "FUNDED"    // EscrowCreated observed on chain
	StatusCompleted Status = "COMPLETED" // Funds released to seller
	StatusRefunded  Status = "REFUNDED"  // Funds returned to buyer
	StatusDisputed  Status = "DISPUTED"  // A party raised a dispute, arbiter must settle
	StatusCancelled Status = "CANCELLED" // Abandoned before funding
)

// Escrow is the local record of a contract escrow.
type Escrow struct {
	EscrowID      uint64     `json:"escrowId"` // Assigned by the contract, never locally
	BuyerID       string     `json:"buyerId"`
	SellerID      string     `json:"sellerId"`
	ArbiterID     string     `json:"arbiterId"`
	BuyerAddr     string     `json:"buyerAddr"`
	SellerAddr    string     `json:"sellerAddr"`
	ArbiterAddr   string     `json:"arbiterAddr"`
	Token         string     `json:"token"`
	Amount        string     `json:"amount"`
	Status        Status     `json:"status"`
	CreateTxHash  string     `json:"createTxHash"`
	ReleaseTxHash string     `json:"releaseTxHash,omitempty"`
	RefundTxHash  string     `json:"refundTxHash,omitempty"`
	DisputedBy    string     `json:"disputedBy,omitempty"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Store persists escrow records. UpdateStatus is conditional: it moves
// the record from exactly the given status and reports ErrStateConflict
// when another writer got there first. settleTxHash, when non-empty,
// lands in the release or refund hash field matching the target status.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, escrowID uint64) (*Escrow, error)
	UpdateStatus(ctx context.Context, escrowID uint64, from, to Status, settleTxHash string) error
	SetDispute(ctx context.Context, escrowID uint64, disputedBy, reason string) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Escrow, error)
}

// Gateway abstracts the contract so escrow doesn't import the RPC client.
type Gateway interface {
	CreateEscrow(ctx context.Context, seller, arbiter, token string, amt *big.Int) (*chain.CreateResult, error)
	ReleaseFunds(ctx context.Context, escrowID uint64) (*chain.SubmitResult, error)
	RefundBuyer(ctx context.Context, escrowID uint64) (*chain.SubmitResult, error)
}

// AccountResolver resolves party account IDs and addresses.
type AccountResolver interface {
	Get(ctx context.Context, id string) (*accounts.Account, error)
	ByAddress(ctx context.Context, address string) (*accounts.Account, error)
}

// Notifier pushes record changes to subscribed clients.
type Notifier interface {
	EscrowUpdated(e *Escrow)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	SellerID  string `json:"sellerId" binding:"required"`
	ArbiterID string `json:"arbiterId" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ActionResult is what a release or refund hands back to the caller.
type ActionResult struct {
	Escrow  *Escrow `json:"escrow"`
	TxHash  string  `json:"txHash"`
	Pending bool    `json:"pending,omitempty"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	gateway  Gateway
	accounts AccountResolver
	log      *txlog.Log
	notifier Notifier
	logger   *slog.Logger
	locks    sync.Map // per-escrow ID locks to serialize state transitions
}

// NewService creates a new escrow service.
func NewService(store Store, gateway Gateway, resolver AccountResolver, log *txlog.Log, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		accounts: resolver,
		log:      log,
		logger:   logger,
	}
}

// WithNotifier adds a realtime notifier for record changes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This serializes in-process transitions (e.g. two release calls racing).
func (s *Service) escrowLock(escrowID uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(escrowID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) notify(e *Escrow) {
	metrics.EscrowsByStatus.WithLabelValues(string(e.Status)).Inc()
	if s.notifier != nil {
		s.notifier.EscrowUpdated(e)
	}
}

// Create submits a new escrow to the contract and records it locally.
// All-or-nothing: if the submission fails or times out, no record is
// written; the reconciler back-fills records for escrows that made it
// on chain without one.
func (s *Service) Create(ctx context.Context, buyerAccountID string, req CreateRequest) (*Escrow, error) {
	buyer, err := s.accounts.Get(ctx, buyerAccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve buyer: %w", err)
	}
	seller, err := s.accounts.Get(ctx, req.SellerID)
	if err != nil {
		return nil, fmt.Errorf("resolve seller: %w", err)
	}
	arbiter, err := s.accounts.Get(ctx, req.ArbiterID)
	if err != nil {
		return nil, fmt.Errorf("resolve arbiter: %w", err)
	}

	if strings.EqualFold(buyer.WalletAddress, seller.WalletAddress) ||
		strings.EqualFold(buyer.WalletAddress, arbiter.WalletAddress) ||
		strings.EqualFold(seller.WalletAddress, arbiter.WalletAddress) {
		return nil, ErrSameParty
	}

	if !validation.IsValidEthAddress(req.Token) {
		return nil, &validation.ValidationError{Field: "token", Message: "invalid token address"}
	}

	amt, ok := amount.ParsePositive(req.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}

	res, err := s.gateway.CreateEscrow(ctx, seller.WalletAddress, arbiter.WalletAddress, req.Token, amt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &Escrow{
		EscrowID:     res.EscrowID,
		BuyerID:      buyer.ID,
		SellerID:     seller.ID,
		ArbiterID:    arbiter.ID,
		BuyerAddr:    buyer.WalletAddress,
		SellerAddr:   seller.WalletAddress,
		ArbiterAddr:  arbiter.WalletAddress,
		Token:        validation.SanitizeAddress(req.Token),
		Amount:       amount.Format(amt),
		Status:       StatusPending,
		CreateTxHash: res.TxHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		// The escrow exists on chain; the reconciler will back-fill the
		// record from the EscrowCreated event.
		s.logger.Error("escrow mined but record write failed",
			"escrow_id", res.EscrowID, "tx", res.TxHash, "error", err)
		return nil, fmt.Errorf("persist escrow record: %w", err)
	}

	if _, err := s.log.Record(ctx, txlog.Entry{
		EscrowID: e.EscrowID,
		Action:   txlog.ActionCreate,
		TxHash:   res.TxHash,
		From:     buyer.ID,
		To:       seller.ID,
		Amount:   e.Amount,
	}); err != nil {
		s.logger.Error("record create transaction", "escrow_id", e.EscrowID, "error", err)
	} else if err := s.log.Confirm(ctx, res.TxHash, res.BlockNumber, res.GasUsed); err != nil {
		s.logger.Error("confirm create transaction", "escrow_id", e.EscrowID, "error", err)
	}

	s.logger.Info("escrow created",
		"escrow_id", e.EscrowID, "buyer", buyer.ID, "seller", seller.ID, "amount", e.Amount)
	s.notify(e)
	return e, nil
}

// Release sends the escrowed funds to the seller.
func (s *Service) Release(ctx context.Context, escrowID uint64, callerAccountID string) (*ActionResult, error) {
	return s.settle(ctx, escrowID, callerAccountID, ActionRelease)
}

// Refund returns the escrowed funds to the buyer.
func (s *Service) Refund(ctx context.Context, escrowID uint64, callerAccountID string) (*ActionResult, error) {
	return s.settle(ctx, escrowID, callerAccountID, ActionRefund)
}

func (s *Service) settle(ctx context.Context, escrowID uint64, callerAccountID string, action Action) (*ActionResult, error) {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	role := e.RoleOf(callerAccountID)
	if role == RoleNone {
		// Uninvolved callers cannot learn the escrow exists.
		return nil, ErrEscrowNotFound
	}
	if err := CanPerform(e, role, action); err != nil {
		return nil, err
	}

	var (
		res       *chain.SubmitResult
		txAction  txlog.Action
		target    Status
		recipient string
	)
	switch action {
	case ActionRelease:
		txAction, target, recipient = txlog.ActionRelease, StatusCompleted, e.SellerID
		res, err = s.gateway.ReleaseFunds(ctx, escrowID)
	case ActionRefund:
		txAction, target, recipient = txlog.ActionRefund, StatusRefunded, e.BuyerID
		res, err = s.gateway.RefundBuyer(ctx, escrowID)
	default:
		return nil, ErrInvalidStatus
	}
	if err != nil {
		var ce *chain.CallError
		if errors.As(err, &ce) && ce.TxHash != "" {
			if _, recErr := s.log.Record(ctx, txlog.Entry{
				EscrowID: escrowID, Action: txAction, TxHash: ce.TxHash,
				From: callerAccountID, To: recipient, Amount: e.Amount, Status: txlog.StatusFailed,
			}); recErr != nil {
				s.logger.Error("record failed transaction", "escrow_id", escrowID, "error", recErr)
			}
		}
		return nil, err
	}

	if _, err := s.log.Record(ctx, txlog.Entry{
		EscrowID: escrowID,
		Action:   txAction,
		TxHash:   res.TxHash,
		From:     callerAccountID,
		To:       recipient,
		Amount:   e.Amount,
	}); err != nil {
		s.logger.Error("record settlement transaction", "escrow_id", escrowID, "error", err)
	}

	if res.Pending {
		// Broadcast but unconfirmed: the record keeps its current status
		// until the reconciler sees the settlement event.
		s.logger.Info("settlement pending confirmation",
			"escrow_id", escrowID, "action", string(action), "tx", res.TxHash)
		return &ActionResult{Escrow: e, TxHash: res.TxHash, Pending: true}, nil
	}

	if err := s.store.UpdateStatus(ctx, escrowID, e.Status, target, res.TxHash); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// Another writer (usually the reconciler) settled the record
			// first. The funds moved exactly once; report success.
			s.logger.Info("settlement already recorded", "escrow_id", escrowID)
		} else {
			s.logger.Error("update escrow status", "escrow_id", escrowID, "error", err)
		}
	}
	if err := s.log.Confirm(ctx, res.TxHash, res.BlockNumber, res.GasUsed); err != nil {
		s.logger.Error("confirm settlement transaction", "tx", res.TxHash, "error", err)
	}

	updated, err := s.store.Get(ctx, escrowID)
	if err != nil {
		updated = e
	}

	s.logger.Info("escrow settled",
		"escrow_id", escrowID, "action", string(action), "status", string(updated.Status), "tx", res.TxHash)
	s.notify(updated)
	return &ActionResult{Escrow: updated, TxHash: res.TxHash}, nil
}

// Dispute freezes the escrow until the arbiter settles it. Disputes are
// a record-level state; nothing is submitted to the contract.
func (s *Service) Dispute(ctx context.Context, escrowID uint64, callerAccountID, reason string) (*Escrow, error) {
	if reason == "" {
		return nil, &validation.ValidationError{Field: "reason", Message: "dispute reason required"}
	}
	if len(reason) > validation.MaxReasonLength {
		return nil, &validation.ValidationError{Field: "reason", Message: "reason exceeds maximum length"}
	}

	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	role := e.RoleOf(callerAccountID)
	if role == RoleNone {
		return nil, ErrEscrowNotFound
	}
	if err := CanPerform(e, role, ActionDispute); err != nil {
		return nil, err
	}

	if err := s.store.UpdateStatus(ctx, escrowID, e.Status, StatusDisputed, ""); err != nil {
		return nil, err
	}
	if err := s.store.SetDispute(ctx, escrowID, callerAccountID, reason); err != nil {
		return nil, err
	}

	updated, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow disputed", "escrow_id", escrowID, "by", callerAccountID)
	s.notify(updated)
	return updated, nil
}

// Get returns an escrow visible to the caller. Uninvolved accounts get
// not-found, never forbidden, so escrow IDs cannot be probed.
func (s *Service) Get(ctx context.Context, escrowID uint64, callerAccountID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.RoleOf(callerAccountID) == RoleNone {
		return nil, ErrEscrowNotFound
	}
	return e, nil
}

// ListForAccount returns the escrows the account participates in.
func (s *Service) ListForAccount(ctx context.Context, accountID string) ([]*Escrow, error) {
	return s.store.ListByAccount(ctx, accountID, 100)
}

// Transactions returns the escrow's ledger submissions, newest first.
func (s *Service) Transactions(ctx context.Context, escrowID uint64, callerAccountID string) ([]*txlog.Transaction, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.RoleOf(callerAccountID) == RoleNone {
		return nil, ErrEscrowNotFound
	}
	return s.log.ListByEscrow(ctx, escrowID)
}
