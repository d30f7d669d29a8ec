// Package chain is the single point of contact with the escrow ledger.
//
// The Gateway owns the RPC connection, the signing credential, and the
// contract binding. It is constructed once at startup, initialized with
// Init, and shared read-only by all request handlers afterwards.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/retry"
)

const (
	// DefaultGasLimit used when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmTimeout bounds the wait for inclusion
	DefaultConfirmTimeout = 90 * time.Second

	// receiptPollInterval between receipt checks while waiting for inclusion
	receiptPollInterval = 2 * time.Second

	// submitAttempts bounds retries of transient submission failures
	submitAttempts = 3
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Config for creating a gateway
type Config struct {
	RPCURL          string
	SigningKey      string // Hex string, 0x prefix optional
	ContractAddress string
	ChainID         int64 // 0 = accept whatever the endpoint reports
	ConfirmTimeout  time.Duration
}

// Option configures the gateway
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// CreateResult holds the coordinates of a mined escrow creation.
type CreateResult struct {
	EscrowID    uint64 `json:"escrowId"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// SubmitResult holds the coordinates of a release/refund submission.
// Pending is true when the transaction was broadcast but the bounded
// confirmation wait elapsed before inclusion was observed; the
// reconciler resolves the final outcome from the event stream.
type SubmitResult struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
}

// OnChainEscrow is the contract's view of an escrow.
type OnChainEscrow struct {
	Buyer    string   `json:"buyer"`
	Seller   string   `json:"seller"`
	Arbiter  string   `json:"arbiter"`
	Token    string   `json:"token"`
	Amount   *big.Int `json:"amount"`
	Released bool     `json:"released"`
	Refunded bool     `json:"refunded"`
}

// NetworkInfo describes the connected network.
type NetworkInfo struct {
	Name        string `json:"name"`
	ChainID     int64  `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber"`
	GasPrice    string `json:"gasPriceGwei"`
}

// Gateway submits and queries escrow transactions on the ledger.
type Gateway struct {
	cfg        Config
	client     EthClient
	signingKey *ecdsa.PrivateKey
	address    common.Address
	contract   common.Address
	chainID    *big.Int
	logger     *slog.Logger

	// submitMu serializes nonce assignment across concurrent submissions
	// from the single platform signing key.
	submitMu sync.Mutex

	ready atomic.Bool
}

// New validates the configuration and signing credential and returns an
// unconnected gateway. Init must succeed before any operation is accepted.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if cfg.RPCURL == "" || cfg.SigningKey == "" || cfg.ContractAddress == "" {
		return nil, fmt.Errorf("%w: endpoint, signing key, and contract address are all required", ErrConfiguration)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", ErrInvalidAddress, cfg.ContractAddress)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	key := cfg.SigningKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	signingKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigningKey, err)
	}
	publicKey, ok := signingKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: cannot derive public key", ErrInvalidSigningKey)
	}

	g := &Gateway{
		cfg:        cfg,
		signingKey: signingKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		contract:   common.HexToAddress(cfg.ContractAddress),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Init opens the connection, confirms the network is reachable, and
// verifies a contract exists at the configured address. It must complete
// before any other operation; failures here are startup-fatal.
func (g *Gateway) Init(ctx context.Context) error {
	if g.client == nil {
		client, err := ethclient.Dial(g.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("%w: dial %s: %v", ErrConfiguration, g.cfg.RPCURL, err)
		}
		g.client = client
	}

	chainID, err := g.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain: query network identity: %w", err)
	}
	// A signer pointed at the wrong network must not come up.
	if g.cfg.ChainID != 0 && chainID.Int64() != g.cfg.ChainID {
		return fmt.Errorf("%w: endpoint reports chain %d, configured for %d",
			ErrConfiguration, chainID.Int64(), g.cfg.ChainID)
	}
	g.chainID = chainID

	g.logger.Info("connected to ledger",
		"signer", g.address.Hex(),
		"network", networkName(chainID.Int64()),
		"chain_id", chainID.Int64(),
	)

	code, err := g.client.CodeAt(ctx, g.contract, nil)
	if err != nil {
		return fmt.Errorf("chain: verify contract: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrContractNotFound, g.contract.Hex())
	}

	g.ready.Store(true)
	g.logger.Info("gateway initialized", "contract", g.contract.Hex())
	return nil
}

// Ready reports whether Init has completed successfully.
func (g *Gateway) Ready() bool { return g.ready.Load() }

// Address returns the signing address.
func (g *Gateway) Address() string { return g.address.Hex() }

func (g *Gateway) ensureReady() error {
	if !g.ready.Load() {
		return ErrNotInitialized
	}
	return nil
}

// CreateEscrow submits a new escrow to the contract, waits for
// inclusion, and extracts the ledger-assigned escrow ID from the
// EscrowCreated event. The ID is never generated locally.
func (g *Gateway) CreateEscrow(ctx context.Context, seller, arbiter, token string, amount *big.Int) (*CreateResult, error) {
	if err := g.ensureReady(); err != nil {
		return nil, err
	}

	// Fail fast on malformed addresses: no wasted submission.
	for name, addr := range map[string]string{"seller": seller, "arbiter": arbiter, "token": token} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidAddress, name, addr)
		}
	}

	g.logger.Info("creating escrow",
		"seller", seller, "arbiter", arbiter, "token", token, "amount", amount.String())

	txHash, err := g.submit(ctx, "createEscrow", amount,
		common.HexToAddress(seller), common.HexToAddress(arbiter), common.HexToAddress(token), amount)
	if err != nil {
		return nil, err
	}

	receipt, err := g.waitMined(ctx, "createEscrow", txHash)
	if err != nil {
		return nil, err
	}

	for _, lg := range receipt.Logs {
		ev, decodeErr := DecodeEvent(*lg)
		if decodeErr != nil || ev == nil || ev.Name != EventEscrowCreated {
			continue
		}
		g.logger.Info("escrow created", "escrow_id", ev.EscrowID, "tx", txHash, "block", receipt.BlockNumber.Uint64())
		return &CreateResult{
			EscrowID:    ev.EscrowID,
			TxHash:      txHash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
		}, nil
	}

	// A mined transaction without its expected event is a contract/ABI
	// mismatch, not a retryable condition.
	err = &CallError{Kind: KindCallException, Op: "createEscrow", TxHash: txHash, Err: ErrEventNotFound}
	g.logger.Error("escrow creation mined without EscrowCreated event", "tx", txHash, "error", err)
	return nil, err
}

// ReleaseFunds submits a release for the given ledger escrow ID.
func (g *Gateway) ReleaseFunds(ctx context.Context, escrowID uint64) (*SubmitResult, error) {
	return g.settle(ctx, "releaseFunds", escrowID)
}

// RefundBuyer submits a refund for the given ledger escrow ID.
func (g *Gateway) RefundBuyer(ctx context.Context, escrowID uint64) (*SubmitResult, error) {
	return g.settle(ctx, "refundBuyer", escrowID)
}

// settle submits a release or refund and waits (bounded) for inclusion.
// The contract's own access control is the final arbiter; no local
// precondition is checked here.
func (g *Gateway) settle(ctx context.Context, op string, escrowID uint64) (*SubmitResult, error) {
	if err := g.ensureReady(); err != nil {
		return nil, err
	}

	txHash, err := g.submit(ctx, op, nil, new(big.Int).SetUint64(escrowID))
	if err != nil {
		return nil, err
	}

	receipt, err := g.waitMined(ctx, op, txHash)
	if err != nil {
		// A timed-out wait is not a failure: the submission is broadcast
		// and cannot be cancelled. Report pending; the reconciler will
		// resolve the outcome from the event stream.
		if errors.Is(err, ErrPendingConfirmation) {
			g.logger.Warn("confirmation wait elapsed, reporting pending", "op", op, "tx", txHash)
			return &SubmitResult{TxHash: txHash, Pending: true}, nil
		}
		return nil, err
	}

	g.logger.Info("settlement confirmed", "op", op, "escrow_id", escrowID, "tx", txHash, "block", receipt.BlockNumber.Uint64())
	return &SubmitResult{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// submit builds, signs, and broadcasts a contract call, retrying
// transient failures with backoff. Returns the transaction hash once the
// node has accepted the submission.
func (g *Gateway) submit(ctx context.Context, method string, value *big.Int, args ...interface{}) (string, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return "", &CallError{Kind: KindCallException, Op: method, Err: err}
	}
	if value == nil {
		value = big.NewInt(0)
	}

	var txHash string
	err = retry.Do(ctx, submitAttempts, 500*time.Millisecond, func() error {
		hash, sendErr := g.sendOnce(ctx, method, value, data)
		if sendErr != nil {
			ce := classify(method, "", sendErr)
			metrics.SubmissionFailuresTotal.WithLabelValues(method, string(ce.Kind)).Inc()
			g.logger.Error("submission failed", "op", method, "kind", string(ce.Kind), "error", sendErr)
			if !ce.Retryable() {
				return retry.Permanent(ce)
			}
			return ce
		}
		txHash = hash
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.SubmissionsTotal.WithLabelValues(method).Inc()
	g.logger.Info("transaction sent", "op", method, "tx", txHash)
	return txHash, nil
}

// sendOnce performs a single build-sign-broadcast attempt. Nonce
// assignment is serialized so concurrent operations from the shared
// signing key do not race each other into nonce conflicts.
func (g *Gateway) sendOnce(ctx context.Context, method string, value *big.Int, data []byte) (string, error) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return "", err
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &g.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.signingKey)
	if err != nil {
		return "", err
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", err
	}
	return signedTx.Hash().Hex(), nil
}

// waitMined polls for the receipt until inclusion or the bounded
// confirmation timeout elapses.
func (g *Gateway) waitMined(ctx context.Context, op, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				ce := &CallError{Kind: KindReverted, Op: op, TxHash: txHash, Reason: "transaction reverted on chain"}
				g.logger.Error("transaction reverted", "op", op, "tx", txHash)
				return nil, ce
			}
			metrics.ConfirmationDuration.Observe(time.Since(start).Seconds())
			return receipt, nil
		}

		// Not yet mined, keep waiting
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: %s tx %s", ErrPendingConfirmation, op, txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetEscrow reads the contract's record for an escrow.
func (g *Gateway) GetEscrow(ctx context.Context, escrowID uint64) (*OnChainEscrow, error) {
	if err := g.ensureReady(); err != nil {
		return nil, err
	}

	data, err := parsedABI.Pack("getEscrow", new(big.Int).SetUint64(escrowID))
	if err != nil {
		return nil, &CallError{Kind: KindCallException, Op: "getEscrow", Err: err}
	}

	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		ce := classify("getEscrow", "", err)
		g.logger.Error("contract read failed", "op", "getEscrow", "kind", string(ce.Kind), "error", err)
		return nil, ce
	}

	vals, err := parsedABI.Unpack("getEscrow", out)
	if err != nil || len(vals) != 7 {
		return nil, &CallError{Kind: KindCallException, Op: "getEscrow", Err: err}
	}

	esc := &OnChainEscrow{}
	if a, ok := vals[0].(common.Address); ok {
		esc.Buyer = a.Hex()
	}
	if a, ok := vals[1].(common.Address); ok {
		esc.Seller = a.Hex()
	}
	if a, ok := vals[2].(common.Address); ok {
		esc.Arbiter = a.Hex()
	}
	if a, ok := vals[3].(common.Address); ok {
		esc.Token = a.Hex()
	}
	esc.Amount, _ = vals[4].(*big.Int)
	esc.Released, _ = vals[5].(bool)
	esc.Refunded, _ = vals[6].(bool)
	return esc, nil
}

// ContractBalance returns the contract's native balance in wei.
func (g *Gateway) ContractBalance(ctx context.Context) (*big.Int, error) {
	if err := g.ensureReady(); err != nil {
		return nil, err
	}
	bal, err := g.client.BalanceAt(ctx, g.contract, nil)
	if err != nil {
		ce := classify("contractBalance", "", err)
		g.logger.Error("balance query failed", "kind", string(ce.Kind), "error", err)
		return nil, ce
	}
	return bal, nil
}

// Network returns chain identity and current gas conditions.
func (g *Gateway) Network(ctx context.Context) (*NetworkInfo, error) {
	if err := g.ensureReady(); err != nil {
		return nil, err
	}

	block, err := g.client.BlockNumber(ctx)
	if err != nil {
		ce := classify("network", "", err)
		g.logger.Error("network query failed", "kind", string(ce.Kind), "error", err)
		return nil, ce
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		gasPrice = big.NewInt(0)
	}

	return &NetworkInfo{
		Name:        networkName(g.chainID.Int64()),
		ChainID:     g.chainID.Int64(),
		BlockNumber: block,
		GasPrice:    formatGwei(gasPrice),
	}, nil
}

// HeadBlock returns the latest block number; used by the reconciler to
// advance its poll window.
func (g *Gateway) HeadBlock(ctx context.Context) (uint64, error) {
	if err := g.ensureReady(); err != nil {
		return 0, err
	}
	return g.client.BlockNumber(ctx)
}

// FilterEscrowLogs fetches the contract's escrow lifecycle logs for a
// block range, decoded and in log order.
func (g *Gateway) FilterEscrowLogs(ctx context.Context, from, to uint64) ([]*Event, error) {
	if err := g.ensureReady(); err != nil {
		return nil, err
	}

	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{eventTopics()},
	})
	if err != nil {
		ce := classify("filterLogs", "", err)
		g.logger.Error("log filter failed", "kind", string(ce.Kind), "error", err)
		return nil, ce
	}

	events := make([]*Event, 0, len(logs))
	for _, lg := range logs {
		ev, err := DecodeEvent(lg)
		if err != nil {
			g.logger.Error("undecodable contract log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Close releases the client connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

// networkName maps well-known chain IDs to names.
func networkName(chainID int64) string {
	switch chainID {
	case 1:
		return "mainnet"
	case 11155111:
		return "sepolia"
	case 8453:
		return "base"
	case 84532:
		return "base-sepolia"
	default:
		return "unknown"
	}
}

// formatGwei renders a wei amount in gwei with 2 decimal places.
func formatGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	gwei := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9))
	return gwei.Text('f', 2)
}
