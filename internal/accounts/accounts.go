// Package accounts maps platform identities to their wallet addresses.
// Every escrow party is an account; the escrow service resolves party
// addresses through this package and never stores raw addresses of its
// own.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clearhold/clearhold/internal/validation"
)

var (
	ErrNotFound     = errors.New("accounts: account not found")
	ErrEmailTaken   = errors.New("accounts: email already registered")
	ErrAddressTaken = errors.New("accounts: wallet address already registered")
)

// Account is a registered platform identity.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"displayName"`
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists accounts.
type Store interface {
	Insert(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByAddress(ctx context.Context, address string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	Search(ctx context.Context, query string, limit int) ([]*Account, error)
}

// Service manages account registration and lookup.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Register creates an account after validating the email and wallet
// address. Both must be unused.
func (s *Service) Register(ctx context.Context, email, displayName, walletAddress string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, &validation.ValidationError{Field: "email", Message: "valid email required"}
	}
	if displayName == "" {
		return nil, &validation.ValidationError{Field: "displayName", Message: "display name required"}
	}
	if !validation.IsValidEthAddress(walletAddress) {
		return nil, &validation.ValidationError{Field: "walletAddress", Message: "invalid Ethereum address"}
	}
	walletAddress = validation.SanitizeAddress(walletAddress)

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.GetByAddress(ctx, walletAddress); err == nil {
		return nil, ErrAddressTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	a := &Account{
		ID:            newAccountID(),
		Email:         email,
		DisplayName:   displayName,
		WalletAddress: walletAddress,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("account registered", "account_id", a.ID, "address", a.WalletAddress)
	return a, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// ByAddress returns the account that owns a wallet address.
func (s *Service) ByAddress(ctx context.Context, address string) (*Account, error) {
	return s.store.GetByAddress(ctx, validation.SanitizeAddress(address))
}

// AddressOf resolves an account ID to its wallet address.
func (s *Service) AddressOf(ctx context.Context, id string) (string, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return a.WalletAddress, nil
}

// Search finds accounts whose email or display name contains the query.
func (s *Service) Search(ctx context.Context, query string) ([]*Account, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &validation.ValidationError{Field: "q", Message: "search query required"}
	}
	return s.store.Search(ctx, query, 25)
}

func newAccountID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("accounts: entropy unavailable: %v", err))
	}
	return "acc_" + hex.EncodeToString(b)
}
