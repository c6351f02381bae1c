package settlement

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	clearerrors "clearhub/core/errors"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	vault, err := OpenVault(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	t.Cleanup(func() { _ = vault.Close() })
	return vault
}

func TestSubmitSettlementCreditsMerchant(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	txRef, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(500))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txRef == "" {
		t.Fatalf("expected transaction reference")
	}

	balance, err := vault.BalanceOf(ctx, "clr1merchant")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected balance: %v", balance)
	}

	processed, err := vault.IsSettlementProcessed(ctx, "settle-1")
	if err != nil {
		t.Fatalf("processed: %v", err)
	}
	if !processed {
		t.Fatalf("expected settlement to be marked processed")
	}
}

func TestSubmitSettlementIsIdempotent(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	if _, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(500)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(500))
	if !errors.Is(err, clearerrors.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	// The balance mutated exactly once.
	balance, err := vault.BalanceOf(ctx, "clr1merchant")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("duplicate submission mutated balance: %v", balance)
	}
}

func TestSubmitSettlementDistinctIDsAccumulate(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	if _, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(300)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := vault.SubmitSettlement(ctx, "settle-2", "clr1merchant", big.NewInt(200)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	balance, err := vault.BalanceOf(ctx, "clr1merchant")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected balance: %v", balance)
	}
}

func TestSubmitSettlementValidatesInput(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	if _, err := vault.SubmitSettlement(ctx, "", "clr1merchant", big.NewInt(1)); err == nil {
		t.Fatalf("expected error for empty settlement id")
	}
	if _, err := vault.SubmitSettlement(ctx, "settle-1", "", big.NewInt(1)); err == nil {
		t.Fatalf("expected error for empty merchant")
	}
	if _, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(0)); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestWithdrawPaysFullBalanceOnce(t *testing.T) {
	vault := openTestVault(t)
	ctx := context.Background()

	if _, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(750)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	paid, err := vault.Withdraw(ctx, "clr1merchant")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("unexpected payout: %v", paid)
	}

	balance, err := vault.BalanceOf(ctx, "clr1merchant")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected zero balance after withdrawal, got %v", balance)
	}

	if _, err := vault.Withdraw(ctx, "clr1merchant"); !errors.Is(err, clearerrors.ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance, got %v", err)
	}
}

func TestVaultStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	ctx := context.Background()

	vault, err := OpenVault(path)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if _, err := vault.SubmitSettlement(ctx, "settle-1", "clr1merchant", big.NewInt(123)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := vault.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenVault(path)
	if err != nil {
		t.Fatalf("reopen vault: %v", err)
	}
	defer reopened.Close()

	processed, err := reopened.IsSettlementProcessed(ctx, "settle-1")
	if err != nil {
		t.Fatalf("processed: %v", err)
	}
	if !processed {
		t.Fatalf("processed set lost across reopen")
	}
	balance, err := reopened.BalanceOf(ctx, "clr1merchant")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("balance lost across reopen: %v", balance)
	}
}
