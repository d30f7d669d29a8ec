package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/accounts"
	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/txlog"
)

const (
	buyerAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	sellerAddr  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	arbiterAddr = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	tokenAddr   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type mockGateway struct {
	mu           sync.Mutex
	createCalls  int
	releaseCalls int
	refundCalls  int

	createRes  *chain.CreateResult
	createErr  error
	releaseRes *chain.SubmitResult
	releaseErr error
	refundRes  *chain.SubmitResult
	refundErr  error
}

func (m *mockGateway) CreateEscrow(ctx context.Context, seller, arbiter, token string, amt *big.Int) (*chain.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	return m.createRes, m.createErr
}

func (m *mockGateway) ReleaseFunds(ctx context.Context, escrowID uint64) (*chain.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	return m.releaseRes, m.releaseErr
}

func (m *mockGateway) RefundBuyer(ctx context.Context, escrowID uint64) (*chain.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundCalls++
	return m.refundRes, m.refundErr
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	gateway *mockGateway
	log     *txlog.Log
	buyer   *accounts.Account
	seller  *accounts.Account
	arbiter *accounts.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	acctSvc := accounts.NewService(accounts.NewMemoryStore(), logger)
	buyer, err := acctSvc.Register(ctx, "buyer@example.com", "Buyer", buyerAddr)
	if err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	seller, err := acctSvc.Register(ctx, "seller@example.com", "Seller", sellerAddr)
	if err != nil {
		t.Fatalf("register seller: %v", err)
	}
	arbiter, err := acctSvc.Register(ctx, "arbiter@example.com", "Arbiter", arbiterAddr)
	if err != nil {
		t.Fatalf("register arbiter: %v", err)
	}

	gateway := &mockGateway{
		createRes:  &chain.CreateResult{EscrowID: 7, TxHash: "0xcreate", BlockNumber: 42, GasUsed: 95000},
		releaseRes: &chain.SubmitResult{TxHash: "0xrelease", BlockNumber: 50, GasUsed: 60000},
		refundRes:  &chain.SubmitResult{TxHash: "0xrefund", BlockNumber: 51, GasUsed: 60000},
	}
	store := NewMemoryStore()
	log := txlog.New(txlog.NewMemoryStore(), logger)

	return &fixture{
		svc:     NewService(store, gateway, acctSvc, log, logger),
		store:   store,
		gateway: gateway,
		log:     log,
		buyer:   buyer,
		seller:  seller,
		arbiter: arbiter,
	}
}

func (f *fixture) createRequest() CreateRequest {
	return CreateRequest{
		SellerID:  f.seller.ID,
		ArbiterID: f.arbiter.ID,
		Token:     tokenAddr,
		Amount:    "10.50",
	}
}

// seedEscrow plants a record directly in the store.
func (f *fixture) seedEscrow(t *testing.T, status Status) *Escrow {
	t.Helper()
	now := time.Now().UTC()
	e := &Escrow{
		EscrowID:     7,
		BuyerID:      f.buyer.ID,
		SellerID:     f.seller.ID,
		ArbiterID:    f.arbiter.ID,
		BuyerAddr:    buyerAddr,
		SellerAddr:   sellerAddr,
		ArbiterAddr:  arbiterAddr,
		Token:        tokenAddr,
		Amount:       "10.500000",
		Status:       status,
		CreateTxHash: "0xcreate",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.store.Create(context.Background(), e); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	return e
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Create(ctx, f.buyer.ID, f.createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.EscrowID != 7 {
		t.Errorf("EscrowID = %d, want the contract's 7", e.EscrowID)
	}
	if e.Status != StatusPending {
		t.Errorf("Status = %s, want PENDING", e.Status)
	}
	if e.Amount != "10.500000" {
		t.Errorf("Amount = %s", e.Amount)
	}

	txs, err := f.log.ListByEscrow(ctx, 7)
	if err != nil || len(txs) != 1 {
		t.Fatalf("ledger rows = %v, %v", txs, err)
	}
	if txs[0].Action != txlog.ActionCreate || txs[0].Status != txlog.StatusConfirmed {
		t.Errorf("create row = %+v", txs[0])
	}
	if txs[0].BlockNumber != 42 || txs[0].GasUsed != 95000 {
		t.Errorf("create row missing receipt coordinates: %+v", txs[0])
	}
	if txs[0].From != f.buyer.ID || txs[0].To != f.seller.ID {
		t.Errorf("create row parties = %s -> %s", txs[0].From, txs[0].To)
	}
}

func TestCreateRejectsSharedAddresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.createRequest()
	req.SellerID = f.buyer.ID
	if _, err := f.svc.Create(ctx, f.buyer.ID, req); !errors.Is(err, ErrSameParty) {
		t.Errorf("buyer as seller: got %v", err)
	}

	req = f.createRequest()
	req.ArbiterID = f.seller.ID
	if _, err := f.svc.Create(ctx, f.buyer.ID, req); !errors.Is(err, ErrSameParty) {
		t.Errorf("seller as arbiter: got %v", err)
	}
	if f.gateway.createCalls != 0 {
		t.Errorf("gateway called %d times for invalid requests", f.gateway.createCalls)
	}
}

func TestCreateInvalidAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, bad := range []string{"", "0", "-5", "1.2.3"} {
		req := f.createRequest()
		req.Amount = bad
		if _, err := f.svc.Create(ctx, f.buyer.ID, req); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: got %v", bad, err)
		}
	}
}

func TestCreateGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.gateway.createRes = nil
	f.gateway.createErr = &chain.CallError{Kind: chain.KindInsufficientFunds, Op: "createEscrow"}

	_, err := f.svc.Create(context.Background(), f.buyer.ID, f.createRequest())
	var ce *chain.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CallError", err)
	}
	if _, err := f.store.Get(context.Background(), 7); !errors.Is(err, ErrEscrowNotFound) {
		t.Error("record written despite gateway failure")
	}
}

func TestReleaseByBuyer(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	ctx := context.Background()

	res, err := f.svc.Release(ctx, 7, f.buyer.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res.Escrow.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", res.Escrow.Status)
	}
	if res.Escrow.ReleaseTxHash != "0xrelease" {
		t.Errorf("ReleaseTxHash = %q, want 0xrelease", res.Escrow.ReleaseTxHash)
	}
	if res.Pending {
		t.Error("confirmed release reported pending")
	}

	tx, err := f.log.ByHash(ctx, "0xrelease")
	if err != nil {
		t.Fatalf("ledger row: %v", err)
	}
	if tx.Status != txlog.StatusConfirmed || tx.From != f.buyer.ID {
		t.Errorf("release row = %+v", tx)
	}
}

func TestRefundBySeller(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)

	res, err := f.svc.Refund(context.Background(), 7, f.seller.ID)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if res.Escrow.Status != StatusRefunded {
		t.Errorf("Status = %s, want REFUNDED", res.Escrow.Status)
	}
	if res.Escrow.RefundTxHash != "0xrefund" {
		t.Errorf("RefundTxHash = %q, want 0xrefund", res.Escrow.RefundTxHash)
	}
}

func TestSettleAuthorization(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	ctx := context.Background()

	if _, err := f.svc.Release(ctx, 7, f.seller.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller release: got %v", err)
	}
	if _, err := f.svc.Refund(ctx, 7, f.buyer.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer refund: got %v", err)
	}
	if _, err := f.svc.Release(ctx, 7, "acc_stranger"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("stranger release: got %v, want not-found", err)
	}
	if f.gateway.releaseCalls+f.gateway.refundCalls != 0 {
		t.Error("gateway reached by rejected callers")
	}
}

func TestReleaseBeforeFunding(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusPending)

	if _, err := f.svc.Release(context.Background(), 7, f.buyer.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("got %v, want ErrInvalidStatus", err)
	}
}

func TestConcurrentReleaseSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Release(context.Background(), 7, f.buyer.ID)
		}(i)
	}
	wg.Wait()

	if f.gateway.releaseCalls != 1 {
		t.Errorf("gateway received %d release submissions, want exactly 1", f.gateway.releaseCalls)
	}
	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("loser got %v, want ErrAlreadyResolved", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d callers succeeded, want 1", succeeded)
	}
}

func TestReleasePendingKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	f.gateway.releaseRes = &chain.SubmitResult{TxHash: "0xrelease", Pending: true}
	ctx := context.Background()

	res, err := f.svc.Release(ctx, 7, f.buyer.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !res.Pending {
		t.Error("result not marked pending")
	}

	e, _ := f.store.Get(ctx, 7)
	if e.Status != StatusFunded {
		t.Errorf("Status = %s, want FUNDED until confirmation", e.Status)
	}
	tx, _ := f.log.ByHash(ctx, "0xrelease")
	if tx.Status != txlog.StatusPending {
		t.Errorf("ledger row = %s, want PENDING", tx.Status)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	ctx := context.Background()

	e, err := f.svc.Dispute(ctx, 7, f.seller.ID, "goods not as described")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if e.Status != StatusDisputed || e.DisputedBy != f.seller.ID {
		t.Errorf("disputed escrow = %+v", e)
	}

	// Buyer and seller are frozen out; only the arbiter can settle.
	if _, err := f.svc.Release(ctx, 7, f.buyer.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer release on disputed: got %v", err)
	}
	if _, err := f.svc.Refund(ctx, 7, f.seller.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller refund on disputed: got %v", err)
	}

	res, err := f.svc.Release(ctx, 7, f.arbiter.ID)
	if err != nil {
		t.Fatalf("arbiter release: %v", err)
	}
	if res.Escrow.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", res.Escrow.Status)
	}
}

func TestDisputeRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)

	if _, err := f.svc.Dispute(context.Background(), 7, f.buyer.ID, ""); err == nil {
		t.Error("empty reason accepted")
	}
}

func TestDisputeRoleSet(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	ctx := context.Background()

	// The arbiter adjudicates disputes but cannot open them.
	if _, err := f.svc.Dispute(ctx, 7, f.arbiter.ID, "arbiter meddling"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbiter dispute: got %v, want ErrUnauthorized", err)
	}
	if _, err := f.svc.Dispute(ctx, 7, "acc_stranger", "not my trade"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("stranger dispute: got %v, want ErrEscrowNotFound", err)
	}
	e, _ := f.store.Get(ctx, 7)
	if e.Status != StatusFunded {
		t.Errorf("rejected disputes changed status to %s", e.Status)
	}

	if _, err := f.svc.Dispute(ctx, 7, f.buyer.ID, "goods never arrived"); err != nil {
		t.Errorf("buyer dispute: %v", err)
	}
}

func TestGetHidesFromStrangers(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, 7, f.arbiter.ID); err != nil {
		t.Errorf("arbiter get: %v", err)
	}
	if _, err := f.svc.Get(ctx, 7, "acc_stranger"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("stranger get: got %v, want not-found", err)
	}
	if _, err := f.svc.Transactions(ctx, 7, "acc_stranger"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("stranger transactions: got %v, want not-found", err)
	}
}

func TestApplyCreatedPromotesToFunded(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusPending)
	ctx := context.Background()

	ev := &chain.Event{
		Name:        chain.EventEscrowCreated,
		EscrowID:    7,
		Buyer:       common.HexToAddress(buyerAddr),
		Seller:      common.HexToAddress(sellerAddr),
		Arbiter:     common.HexToAddress(arbiterAddr),
		Token:       common.HexToAddress(tokenAddr),
		Amount:      big.NewInt(10_500_000),
		TxHash:      "0xcreate",
		BlockNumber: 42,
	}
	if err := f.svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}

	e, _ := f.store.Get(ctx, 7)
	if e.Status != StatusFunded {
		t.Errorf("Status = %s, want FUNDED", e.Status)
	}

	// Applying the same event again changes nothing.
	if err := f.svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEvent (repeat): %v", err)
	}
	e, _ = f.store.Get(ctx, 7)
	if e.Status != StatusFunded {
		t.Errorf("repeat apply moved status to %s", e.Status)
	}
}

func TestApplyCreatedBackfillsMissingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := &chain.Event{
		Name:        chain.EventEscrowCreated,
		EscrowID:    99,
		Buyer:       common.HexToAddress(buyerAddr),
		Seller:      common.HexToAddress(sellerAddr),
		Arbiter:     common.HexToAddress(arbiterAddr),
		Token:       common.HexToAddress(tokenAddr),
		Amount:      big.NewInt(2_000_000),
		TxHash:      "0xmissed",
		BlockNumber: 42,
	}
	if err := f.svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}

	e, err := f.store.Get(ctx, 99)
	if err != nil {
		t.Fatalf("backfilled record missing: %v", err)
	}
	if e.Status != StatusFunded || e.BuyerID != f.buyer.ID || e.Amount != "2.000000" {
		t.Errorf("backfilled record = %+v", e)
	}
}

func TestApplyReleasedSettlesPendingSubmission(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusFunded)
	f.gateway.releaseRes = &chain.SubmitResult{TxHash: "0xrelease", Pending: true}
	ctx := context.Background()

	if _, err := f.svc.Release(ctx, 7, f.buyer.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The reconciler later observes the settlement event.
	ev := &chain.Event{
		Name:        chain.EventFundsReleased,
		EscrowID:    7,
		Seller:      common.HexToAddress(sellerAddr),
		Amount:      big.NewInt(10_500_000),
		TxHash:      "0xrelease",
		BlockNumber: 60,
	}
	if err := f.svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}

	e, _ := f.store.Get(ctx, 7)
	if e.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", e.Status)
	}
	tx, _ := f.log.ByHash(ctx, "0xrelease")
	if tx.Status != txlog.StatusConfirmed || tx.BlockNumber != 60 {
		t.Errorf("ledger row = %+v", tx)
	}
	if tx.From != f.buyer.ID {
		t.Errorf("event apply overwrote initiator: %s", tx.From)
	}
}

func TestApplyRefundedOnDisputed(t *testing.T) {
	f := newFixture(t)
	f.seedEscrow(t, StatusDisputed)
	ctx := context.Background()

	ev := &chain.Event{
		Name:        chain.EventFundsRefunded,
		EscrowID:    7,
		Buyer:       common.HexToAddress(buyerAddr),
		Amount:      big.NewInt(10_500_000),
		TxHash:      "0xrefund",
		BlockNumber: 61,
	}
	if err := f.svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}

	e, _ := f.store.Get(ctx, 7)
	if e.Status != StatusRefunded {
		t.Errorf("Status = %s, want REFUNDED", e.Status)
	}
}
