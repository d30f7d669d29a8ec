package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[uint64]*Escrow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[uint64]*Escrow)}
}

func (s *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[e.EscrowID]; exists {
		return ErrStateConflict
	}
	cp := *e
	s.escrows[e.EscrowID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, escrowID uint64) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, escrowID uint64, from, to Status, settleTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != from {
		return ErrStateConflict
	}

	now := time.Now().UTC()
	e.Status = to
	e.UpdatedAt = now
	if to == StatusCompleted || to == StatusRefunded || to == StatusCancelled {
		e.ResolvedAt = &now
	}
	if settleTxHash != "" {
		switch to {
		case StatusCompleted:
			e.ReleaseTxHash = settleTxHash
		case StatusRefunded:
			e.RefundTxHash = settleTxHash
		}
	}
	return nil
}

func (s *MemoryStore) SetDispute(ctx context.Context, escrowID uint64, disputedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	e.DisputedBy = disputedBy
	e.DisputeReason = reason
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if e.BuyerID == accountID || e.SellerID == accountID || e.ArbiterID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscrowID > out[j].EscrowID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
