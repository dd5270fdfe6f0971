package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSimulatedRegisterIdempotent(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()

	node1, err := sim.Register(ctx, "summariser.acn.eth", "0xW1", map[string]string{AttrRole: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	node2, err := sim.Register(ctx, "Summariser.ACN.eth", "0xW2", nil)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if node1 != node2 {
		t.Fatalf("expected same node ref, got %s vs %s", node1, node2)
	}

	rec, err := sim.Lookup(ctx, "summariser.acn.eth")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Wallet != "0xw1" {
		t.Fatalf("second register must not overwrite, got wallet %s", rec.Wallet)
	}
	if rec.Attributes[AttrRole] != "worker" {
		t.Fatalf("expected role attribute, got %+v", rec.Attributes)
	}
}

func TestSimulatedUpdateAttributesPassesUnknownKeys(t *testing.T) {
	sim := NewSimulated()
	ctx := context.Background()
	node, _ := sim.Register(ctx, "w.acn.eth", "0x1", map[string]string{})

	if err := sim.UpdateAttributes(ctx, node, map[string]string{
		AttrReputation: "52",
		"custom-key":   "custom-value",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := sim.Lookup(ctx, "w.acn.eth")
	if rec.Attributes[AttrReputation] != "52" || rec.Attributes["custom-key"] != "custom-value" {
		t.Fatalf("attributes not written through: %+v", rec.Attributes)
	}

	if err := sim.UpdateAttributes(ctx, "0xmissing", nil); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not-registered, got %v", err)
	}
}

func TestSimulatedLookupUnknownHandle(t *testing.T) {
	sim := NewSimulated()
	if _, err := sim.Lookup(context.Background(), "nobody.acn.eth"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestLockedSerializesPerHandle(t *testing.T) {
	sim := NewSimulated()
	locked := NewLocked(sim)
	ctx := context.Background()

	node, err := locked.Register(ctx, "w.acn.eth", "0x1", map[string]string{AttrReputation: "50"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = locked.UpdateAttributes(ctx, node, map[string]string{AttrTasksCompleted: "1"})
		}(i)
	}
	wg.Wait()

	rec, err := locked.Lookup(ctx, "w.acn.eth")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Attributes[AttrTasksCompleted] != "1" {
		t.Fatalf("expected consistent attribute, got %+v", rec.Attributes)
	}
}

func TestNamehashKnownVector(t *testing.T) {
	// EIP-137 test vector for "eth".
	got := Namehash("eth")
	want := "93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"
	hex := ""
	for _, b := range got {
		hex += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}
	if hex != want {
		t.Fatalf("namehash(eth) mismatch: got %s", hex)
	}
}
