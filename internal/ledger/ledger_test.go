package ledger

import (
	"math"
	"testing"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
)

func TestMintAndBalances(t *testing.T) {
	l := New()
	if err := l.Mint("test.mint", "alice", AssetCurrency, 1_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := l.AvailableBalance("alice", AssetCurrency); got != 1_000 {
		t.Fatalf("available=%d want 1000", got)
	}
	if got := l.AvailableBalance("alice", AssetEnergy); got != 0 {
		t.Fatalf("energy available=%d want 0", got)
	}
	if l.Version() != 1 {
		t.Fatalf("version=%d want 1", l.Version())
	}
}

func TestApplyMovesBetweenPockets(t *testing.T) {
	l := New()
	if err := l.Mint("test.mint", "alice", AssetCurrency, 500); err != nil {
		t.Fatalf("mint: %v", err)
	}
	moves := []Movement{
		{From: Available("alice", AssetCurrency), To: Escrow("alice", AssetCurrency), Amount: 300},
		{From: Escrow("alice", AssetCurrency), To: Vault(7, AssetCurrency), Amount: 100},
	}
	if err := l.Apply("test.apply", moves); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := l.AvailableBalance("alice", AssetCurrency); got != 200 {
		t.Fatalf("available=%d want 200", got)
	}
	if got := l.EscrowBalance("alice", AssetCurrency); got != 200 {
		t.Fatalf("escrow=%d want 200", got)
	}
	if got := l.VaultBalance(7, AssetCurrency); got != 100 {
		t.Fatalf("vault=%d want 100", got)
	}
	if got := l.TotalSupply(AssetCurrency); got != 500 {
		t.Fatalf("supply=%d want 500", got)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	l := New()
	if err := l.Mint("test.mint", "alice", AssetCurrency, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	before := l.Version()
	moves := []Movement{
		{From: Available("alice", AssetCurrency), To: Escrow("alice", AssetCurrency), Amount: 100},
		{From: Available("alice", AssetCurrency), To: Escrow("alice", AssetCurrency), Amount: 1},
	}
	err := l.Apply("test.apply", moves)
	if !errs.HasCode(err, errs.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := l.AvailableBalance("alice", AssetCurrency); got != 100 {
		t.Fatalf("available=%d want 100 after rejected plan", got)
	}
	if got := l.EscrowBalance("alice", AssetCurrency); got != 0 {
		t.Fatalf("escrow=%d want 0 after rejected plan", got)
	}
	if l.Version() != before {
		t.Fatalf("version changed on rejected plan")
	}
}

func TestApplyStagesIntraPlanCredits(t *testing.T) {
	l := New()
	if err := l.Mint("test.mint", "alice", AssetEnergy, 50); err != nil {
		t.Fatalf("mint: %v", err)
	}
	// bob can only forward energy that an earlier leg in the same plan
	// delivered to him.
	moves := []Movement{
		{From: Available("alice", AssetEnergy), To: Available("bob", AssetEnergy), Amount: 50},
		{From: Available("bob", AssetEnergy), To: Available("carol", AssetEnergy), Amount: 20},
	}
	if err := l.Apply("test.apply", moves); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := l.AvailableBalance("bob", AssetEnergy); got != 30 {
		t.Fatalf("bob=%d want 30", got)
	}
	if got := l.AvailableBalance("carol", AssetEnergy); got != 20 {
		t.Fatalf("carol=%d want 20", got)
	}
}

func TestCheckedMath(t *testing.T) {
	if _, ok := CheckedAdd(math.MaxUint64, 1); ok {
		t.Fatal("add overflow not detected")
	}
	if _, ok := CheckedMul(math.MaxUint64/2+1, 2); ok {
		t.Fatal("mul overflow not detected")
	}
	if v, ok := CheckedMul(0, math.MaxUint64); !ok || v != 0 {
		t.Fatalf("zero mul: v=%d ok=%v", v, ok)
	}
	if _, ok := CheckedSub(1, 2); ok {
		t.Fatal("sub underflow not detected")
	}
	if v, ok := CheckedMul(400, 50); !ok || v != 20_000 {
		t.Fatalf("mul: v=%d ok=%v", v, ok)
	}
}

func TestMintOverflow(t *testing.T) {
	l := New()
	if err := l.Mint("test.mint", "alice", AssetCurrency, math.MaxUint64); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := l.Mint("test.mint", "alice", AssetCurrency, 1)
	if !errs.HasCode(err, errs.CodeArithmetic) {
		t.Fatalf("expected arithmetic error, got %v", err)
	}
}
