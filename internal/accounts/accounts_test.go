package accounts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/clearhold/clearhold/internal/validation"
)

const testAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func testService() *Service {
	return NewService(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegister(t *testing.T) {
	s := testService()
	ctx := context.Background()

	a, err := s.Register(ctx, "Buyer@Example.COM", "Buyer One", testAddr)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(a.ID, "acc_") {
		t.Errorf("ID = %s, want acc_ prefix", a.ID)
	}
	if a.Email != "buyer@example.com" {
		t.Errorf("email not normalized: %s", a.Email)
	}
	if a.WalletAddress != testAddr {
		t.Errorf("WalletAddress = %s", a.WalletAddress)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := testService()
	ctx := context.Background()

	var ve *validation.ValidationError
	if _, err := s.Register(ctx, "not-an-email", "Name", testAddr); !errors.As(err, &ve) {
		t.Errorf("bad email: got %v", err)
	}
	if _, err := s.Register(ctx, "a@b.com", "", testAddr); !errors.As(err, &ve) {
		t.Errorf("empty name: got %v", err)
	}
	if _, err := s.Register(ctx, "a@b.com", "Name", "0xnothex"); !errors.As(err, &ve) {
		t.Errorf("bad address: got %v", err)
	}
}

func TestRegisterDuplicates(t *testing.T) {
	s := testService()
	ctx := context.Background()

	if _, err := s.Register(ctx, "a@b.com", "First", testAddr); err != nil {
		t.Fatalf("Register: %v", err)
	}

	other := "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	if _, err := s.Register(ctx, "a@b.com", "Second", other); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email: got %v", err)
	}
	if _, err := s.Register(ctx, "c@d.com", "Third", strings.ToLower(testAddr)); !errors.Is(err, ErrAddressTaken) {
		t.Errorf("duplicate address (case-insensitive): got %v", err)
	}
}

func TestByAddressAndAddressOf(t *testing.T) {
	s := testService()
	ctx := context.Background()

	a, err := s.Register(ctx, "a@b.com", "Name", testAddr)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := s.ByAddress(ctx, strings.ToLower(testAddr))
	if err != nil {
		t.Fatalf("ByAddress: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("ByAddress returned %s, want %s", got.ID, a.ID)
	}

	addr, err := s.AddressOf(ctx, a.ID)
	if err != nil {
		t.Fatalf("AddressOf: %v", err)
	}
	if addr != testAddr {
		t.Errorf("AddressOf = %s, want %s", addr, testAddr)
	}

	if _, err := s.AddressOf(ctx, "acc_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account: got %v", err)
	}
}

func TestSearch(t *testing.T) {
	s := testService()
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice@example.com", "Alice", testAddr); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Register(ctx, "bob@example.com", "Bob", "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	results, err := s.Search(ctx, "alice")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DisplayName != "Alice" {
		t.Errorf("results = %+v", results)
	}

	var ve *validation.ValidationError
	if _, err := s.Search(ctx, "  "); !errors.As(err, &ve) {
		t.Errorf("blank query: got %v", err)
	}
}
