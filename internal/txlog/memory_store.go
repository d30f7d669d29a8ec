package txlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*Transaction
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*Transaction)}
}

func (s *MemoryStore) Insert(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[tx.TxHash]; ok {
		// Idempotent on hash: hand back the stored row.
		*tx = *existing
		return nil
	}

	s.nextID++
	tx.ID = s.nextID
	stored := *tx
	s.byHash[tx.TxHash] = &stored
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, txHash string, status Status, blockNumber, gasUsed uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byHash[txHash]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	if blockNumber > 0 {
		tx.BlockNumber = blockNumber
	}
	if gasUsed > 0 {
		tx.GasUsed = gasUsed
	}
	tx.Reason = reason
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, txHash string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byHash[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) ListByEscrow(ctx context.Context, escrowID uint64) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, tx := range s.byHash {
		if tx.EscrowID == escrowID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, tx := range s.byHash {
		if tx.Status == StatusPending {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
