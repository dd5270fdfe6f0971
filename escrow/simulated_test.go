package escrow

import (
	"context"
	"errors"
	"testing"
)

func TestSimulatedDepositReleaseLifecycle(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()

	rcpt, err := sim.Deposit(ctx, "t-1", 100, "0xAAA")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if rcpt.Ref == "" || rcpt.Sequence == 0 {
		t.Fatalf("expected populated receipt, got %+v", rcpt)
	}

	if _, err := sim.Deposit(ctx, "t-1", 100, "0xAAA"); !errors.Is(err, ErrAlreadyDeposited) {
		t.Fatalf("expected already-deposited, got %v", err)
	}

	st, err := sim.Query(ctx, "t-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if st.Depositor != "0xaaa" || st.Amount != 100 || st.Released || st.Refunded {
		t.Fatalf("unexpected state: %+v", st)
	}

	if _, err := sim.Release(ctx, "t-1", "0xW1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := sim.Release(ctx, "t-1", "0xW1"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already-settled, got %v", err)
	}
	if _, err := sim.Refund(ctx, "t-1"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("refund after release must fail, got %v", err)
	}
}

func TestSimulatedRefund(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()

	if _, err := sim.Refund(ctx, "t-1"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected not-held, got %v", err)
	}
	if _, err := sim.Deposit(ctx, "t-1", 50, "0xaaa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := sim.Refund(ctx, "t-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	st, _ := sim.Query(ctx, "t-1")
	if !st.Refunded {
		t.Fatalf("expected refunded state, got %+v", st)
	}
}

func TestSimulatedInsufficientFunds(t *testing.T) {
	sim := NewSimulated()
	sim.SetBalance("0xaaa", 40)
	ctx := context.Background()

	if _, err := sim.Deposit(ctx, "t-1", 100, "0xAAA"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := sim.Deposit(ctx, "t-2", 40, "0xAAA"); err != nil {
		t.Fatalf("deposit within balance: %v", err)
	}
}

func TestSimulatedVerifyDeposit(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()

	if _, err := sim.VerifyDeposit(ctx, "t-1", "", "0xaaa", 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty ref must fail with not-found, got %v", err)
	}
	if _, err := sim.VerifyDeposit(ctx, "t-1", "0xext", "0xaaa", 100); err != nil {
		t.Fatalf("verify fresh deposit: %v", err)
	}
	if _, err := sim.VerifyDeposit(ctx, "t-1", "0xext", "0xaaa", 90); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if _, err := sim.VerifyDeposit(ctx, "t-1", "0xext", "0xbbb", 100); !errors.Is(err, ErrDepositorMismatch) {
		t.Fatalf("expected depositor mismatch, got %v", err)
	}
}

func TestChannelCapacity(t *testing.T) {
	ch := NewChannel("main", 100)
	ctx := context.Background()

	if _, err := ch.Deposit(ctx, "t-1", 80, "0xaaa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := ch.Deposit(ctx, "t-2", 30, "0xaaa"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected channel capacity exhausted, got %v", err)
	}
	if _, err := ch.Release(ctx, "t-1", "0xw"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Settled reservations free capacity.
	if _, err := ch.Deposit(ctx, "t-2", 30, "0xaaa"); err != nil {
		t.Fatalf("deposit after release: %v", err)
	}
}

func TestOnchainTaskKeyDeterministic(t *testing.T) {
	a := TaskKey("t-1")
	b := TaskKey("t-1")
	c := TaskKey("t-2")
	if a != b {
		t.Fatalf("key must be deterministic")
	}
	if a == c {
		t.Fatalf("distinct tasks must map to distinct keys")
	}
}
