package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clearhold/clearhold/internal/amount"
	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/txlog"
)

// ApplyEvent folds an observed contract event into the record store.
// Events are authoritative and idempotent: applying the same event
// twice, or applying one whose outcome is already recorded, changes
// nothing. Handler writes and reconciler writes may race; the
// conditional status update makes the first writer win.
func (s *Service) ApplyEvent(ctx context.Context, ev *chain.Event) error {
	mu := s.escrowLock(ev.EscrowID)
	mu.Lock()
	defer mu.Unlock()

	switch ev.Name {
	case chain.EventEscrowCreated:
		return s.applyCreated(ctx, ev)
	case chain.EventFundsReleased:
		return s.applySettled(ctx, ev, txlog.ActionRelease, StatusCompleted)
	case chain.EventFundsRefunded:
		return s.applySettled(ctx, ev, txlog.ActionRefund, StatusRefunded)
	}
	return nil
}

// applyCreated promotes a PENDING record to FUNDED, or back-fills a
// record for an escrow that made it on chain without one (a create
// whose record write failed, or one submitted by another instance).
func (s *Service) applyCreated(ctx context.Context, ev *chain.Event) error {
	e, err := s.store.Get(ctx, ev.EscrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		return s.backfill(ctx, ev)
	}
	if err != nil {
		return err
	}

	if e.Status == StatusPending {
		if err := s.store.UpdateStatus(ctx, ev.EscrowID, StatusPending, StatusFunded, ""); err != nil &&
			!errors.Is(err, ErrStateConflict) {
			return err
		}
		if updated, err := s.store.Get(ctx, ev.EscrowID); err == nil {
			s.logger.Info("escrow funded", "escrow_id", ev.EscrowID, "block", ev.BlockNumber)
			s.notify(updated)
		}
	}

	return s.recordObserved(ctx, ev, txlog.ActionCreate)
}

// backfill creates a FUNDED record from the event alone. All three
// parties must be registered accounts; an escrow created outside the
// platform for unknown addresses is logged and skipped.
func (s *Service) backfill(ctx context.Context, ev *chain.Event) error {
	buyer, err := s.accounts.ByAddress(ctx, ev.Buyer.Hex())
	if err != nil {
		s.logger.Warn("skipping unattributable escrow", "escrow_id", ev.EscrowID, "buyer", ev.Buyer.Hex())
		return nil
	}
	seller, err := s.accounts.ByAddress(ctx, ev.Seller.Hex())
	if err != nil {
		s.logger.Warn("skipping unattributable escrow", "escrow_id", ev.EscrowID, "seller", ev.Seller.Hex())
		return nil
	}
	arbiter, err := s.accounts.ByAddress(ctx, ev.Arbiter.Hex())
	if err != nil {
		s.logger.Warn("skipping unattributable escrow", "escrow_id", ev.EscrowID, "arbiter", ev.Arbiter.Hex())
		return nil
	}

	now := time.Now().UTC()
	e := &Escrow{
		EscrowID:     ev.EscrowID,
		BuyerID:      buyer.ID,
		SellerID:     seller.ID,
		ArbiterID:    arbiter.ID,
		BuyerAddr:    buyer.WalletAddress,
		SellerAddr:   seller.WalletAddress,
		ArbiterAddr:  arbiter.WalletAddress,
		Token:        ev.Token.Hex(),
		Amount:       amount.Format(ev.Amount),
		Status:       StatusFunded,
		CreateTxHash: ev.TxHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return fmt.Errorf("backfill escrow %d: %w", ev.EscrowID, err)
	}

	s.logger.Info("escrow record backfilled from chain", "escrow_id", ev.EscrowID, "tx", ev.TxHash)
	s.notify(e)
	return s.recordObserved(ctx, ev, txlog.ActionCreate)
}

// applySettled moves a record to its settled state on an observed
// release or refund event, whatever state the record is in.
func (s *Service) applySettled(ctx context.Context, ev *chain.Event, action txlog.Action, target Status) error {
	e, err := s.store.Get(ctx, ev.EscrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		// Settlement for an escrow we never recorded; nothing to update.
		s.logger.Warn("settlement event for unknown escrow", "escrow_id", ev.EscrowID, "tx", ev.TxHash)
		return nil
	}
	if err != nil {
		return err
	}

	if e.Status != target {
		for _, from := range []Status{StatusFunded, StatusDisputed, StatusPending} {
			err := s.store.UpdateStatus(ctx, ev.EscrowID, from, target, ev.TxHash)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrStateConflict) {
				return err
			}
		}
		if updated, err := s.store.Get(ctx, ev.EscrowID); err == nil && updated.Status == target {
			s.logger.Info("escrow settled from chain event",
				"escrow_id", ev.EscrowID, "status", string(target), "tx", ev.TxHash)
			s.notify(updated)
		}
	}

	return s.recordObserved(ctx, ev, action)
}

// recordObserved makes sure the ledger has a confirmed row for the
// event's transaction. Record is idempotent on hash, so a row written
// at submission time is simply confirmed in place.
func (s *Service) recordObserved(ctx context.Context, ev *chain.Event, action txlog.Action) error {
	if _, err := s.log.Record(ctx, txlog.Entry{
		EscrowID: ev.EscrowID,
		Action:   action,
		TxHash:   ev.TxHash,
		Amount:   amount.Format(ev.Amount),
	}); err != nil {
		return err
	}
	return s.log.Confirm(ctx, ev.TxHash, ev.BlockNumber, 0)
}
