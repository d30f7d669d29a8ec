// Package reconciler keeps the record store aligned with the contract.
//
// It polls the chain for escrow lifecycle events and folds each one
// into the local records. The contract is the source of truth: whatever
// the records say, an observed event wins. This is how pending
// settlements resolve, missed funding is noticed, and records lost to
// write failures are rebuilt.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/metrics"
)

// ChainSource provides the event stream; implemented by chain.Gateway.
type ChainSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterEscrowLogs(ctx context.Context, from, to uint64) ([]*chain.Event, error)
}

// Applier folds events into the record store; implemented by
// escrow.Service.
type Applier interface {
	ApplyEvent(ctx context.Context, ev *chain.Event) error
}

// Config for the reconciler.
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = start from the current head
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
	}
}

// Reconciler polls for contract events and applies them.
type Reconciler struct {
	source  ChainSource
	applier Applier
	config  Config
	logger  *slog.Logger

	// Track applied events so a re-scanned block range is a no-op
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a new reconciler.
func New(cfg Config, source ChainSource, applier Applier, logger *slog.Logger) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Reconciler{
		source:    source,
		applier:   applier,
		config:    cfg,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins polling for events.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.config.StartBlock == 0 {
		head, err := r.source.HeadBlock(ctx)
		if err != nil {
			return fmt.Errorf("reconciler: get head block: %w", err)
		}
		r.lastBlock = head
	} else {
		r.lastBlock = r.config.StartBlock
	}

	r.logger.Info("reconciler started",
		"start_block", r.lastBlock,
		"poll_interval", r.config.PollInterval.String(),
	)

	go r.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// sweep scans the block window since the last sweep and applies every
// escrow event in it.
func (r *Reconciler) sweep(ctx context.Context) error {
	head, err := r.source.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}

	// Nothing new
	if head <= r.lastBlock {
		return nil
	}

	events, err := r.source.FilterEscrowLogs(ctx, r.lastBlock+1, head)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	// Advance past the window unless something fails; then hold the
	// cursor just before the earliest failed event so the next sweep
	// rescans it. Re-scanned neighbors are deduped by the processed set.
	advanceTo := head
	for _, ev := range events {
		if err := r.apply(ctx, ev); err != nil {
			r.logger.Error("failed to apply event",
				"event", string(ev.Name), "escrow_id", ev.EscrowID, "tx", ev.TxHash, "error", err)
			if ev.BlockNumber <= advanceTo {
				advanceTo = ev.BlockNumber - 1
			}
		}
	}

	if advanceTo > r.lastBlock {
		r.lastBlock = advanceTo
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev *chain.Event) error {
	key := ev.TxHash + ":" + string(ev.Name) + ":" + fmt.Sprint(ev.EscrowID)

	r.mu.Lock()
	if r.processed[key] {
		r.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If the apply fails, we unmark so the next sweep can retry.
	r.processed[key] = true
	r.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			r.mu.Lock()
			delete(r.processed, key)
			r.mu.Unlock()
		}
	}()

	if err := r.applier.ApplyEvent(ctx, ev); err != nil {
		return err
	}

	metrics.ReconcilerEvents.WithLabelValues(string(ev.Name)).Inc()
	r.logger.Info("event applied",
		"event", string(ev.Name), "escrow_id", ev.EscrowID, "block", ev.BlockNumber)

	succeeded = true
	return nil
}
