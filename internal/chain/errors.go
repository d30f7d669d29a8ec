package chain

import (
	"errors"
	"fmt"
	"strings"
)

// Gateway lifecycle errors. These are fatal at startup: the service must
// not serve escrow-mutating requests until initialization succeeds.
var (
	ErrConfiguration     = errors.New("chain: missing required configuration")
	ErrInvalidSigningKey = errors.New("chain: invalid signing key")
	ErrContractNotFound  = errors.New("chain: no contract code at configured address")
	ErrNotInitialized    = errors.New("chain: gateway not initialized")
)

// Per-call errors.
var (
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrEventNotFound       = errors.New("chain: expected event not found in receipt")
	ErrPendingConfirmation = errors.New("chain: transaction not yet confirmed")
)

// Kind classifies a submission or query failure so callers can
// distinguish transient infrastructure faults from terminal business
// conditions.
type Kind string

const (
	KindInsufficientFunds Kind = "insufficient_funds"
	KindNonceConflict     Kind = "nonce_conflict"
	KindReverted          Kind = "reverted"
	KindCallException     Kind = "call_exception"
	KindUnknown           Kind = "unknown"
)

// CallError wraps a classified ledger failure with call context.
type CallError struct {
	Kind   Kind
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Reason string // Revert reason if the contract supplied one
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("chain: %s failed (%s)", e.Op, e.Kind)
	if e.TxHash != "" {
		msg += " tx=" + e.TxHash
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be transient. Reverts and
// insufficient funds are user or contract conditions, not infrastructure
// faults, and must not be retried automatically.
func (e *CallError) Retryable() bool { return e.Kind == KindUnknown }

// classify inspects an error from the RPC node and maps it onto the
// failure taxonomy. Matching is on message substrings: the JSON-RPC
// layer does not carry structured error codes for these conditions.
func classify(op, txHash string, err error) *CallError {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "insufficient funds"):
		return &CallError{Kind: KindInsufficientFunds, Op: op, TxHash: txHash, Err: err}
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return &CallError{Kind: KindNonceConflict, Op: op, TxHash: txHash, Err: err}
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return &CallError{Kind: KindReverted, Op: op, TxHash: txHash, Reason: revertReason(msg), Err: err}
	case strings.Contains(msg, "abi"), strings.Contains(msg, "no contract code"):
		return &CallError{Kind: KindCallException, Op: op, TxHash: txHash, Err: err}
	}

	return &CallError{Kind: KindUnknown, Op: op, TxHash: txHash, Err: err}
}

// revertReason pulls the human-readable reason out of an
// "execution reverted: ..." message, if present.
func revertReason(msg string) string {
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimPrefix(msg[idx+len(marker):], ":")
	return strings.TrimSpace(rest)
}
