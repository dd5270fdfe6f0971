package market

import (
	"errors"
	"testing"
	"time"
)

func heldTask() Task {
	return Task{
		ID:            "t-1",
		Title:         "Summarize",
		Budget:        100,
		Status:        StatusOpen,
		CreatorWallet: "0xaaa",
		EscrowAmount:  100,
		EscrowStatus:  EscrowHeld,
	}
}

func TestDepositConfirmedMarksEscrowHeld(t *testing.T) {
	task := heldTask()
	task.EscrowStatus = EscrowPending

	rcpt := Receipt{Ref: "0xdead", Sequence: 7}
	next, effects, err := Apply(task, Event{Type: EventDepositConfirmed, Receipt: &rcpt})
	if err != nil {
		t.Fatalf("deposit confirmed: %v", err)
	}
	if next.Status != StatusOpen || next.EscrowStatus != EscrowHeld {
		t.Fatalf("expected open/held, got %s/%s", next.Status, next.EscrowStatus)
	}
	if next.SettlementRef == nil || next.SettlementRef.Ref != "0xdead" {
		t.Fatalf("receipt not stored: %+v", next.SettlementRef)
	}
	if len(effects) != 0 {
		t.Fatalf("unexpected side effects: %+v", effects)
	}
}

func TestDepositConfirmedRejectedWhenAlreadyHeld(t *testing.T) {
	_, _, err := Apply(heldTask(), Event{Type: EventDepositConfirmed})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAcceptBidAssignsWorker(t *testing.T) {
	next, effects, err := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if next.Status != StatusInProgress {
		t.Fatalf("expected in-progress, got %s", next.Status)
	}
	if len(next.AssignedAgents) != 1 || next.AssignedAgents[0] != "w-1" {
		t.Fatalf("worker not assigned: %+v", next.AssignedAgents)
	}
	if len(effects) != 1 || effects[0].Kind != EffectAssignPosting {
		t.Fatalf("expected assign-posting effect, got %+v", effects)
	}
}

func TestAcceptBidRequiresHeldEscrow(t *testing.T) {
	task := heldTask()
	task.EscrowStatus = EscrowPending
	if _, _, err := Apply(task, Event{Type: EventAcceptBid, WorkerID: "w-1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestSubmitWorkRejectsUnassignedWorker(t *testing.T) {
	task, _, err := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, _, err := Apply(task, Event{Type: EventSubmitWork, WorkerID: "w-2", Result: "{}"}); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected not-assigned, got %v", err)
	}
}

func TestFullSettlementSequence(t *testing.T) {
	task, _, err := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	task, effects, err := Apply(task, Event{Type: EventSubmitWork, WorkerID: "w-1", Result: `{"summary":"done"}`})
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	if task.Status != StatusSettlement {
		t.Fatalf("expected settlement, got %s", task.Status)
	}
	if len(effects) != 1 || effects[0].Kind != EffectEnqueueSettle {
		t.Fatalf("expected settle effect, got %+v", effects)
	}
	if len(task.WorkResults) != 1 || task.WorkResults[0].WorkerID != "w-1" {
		t.Fatalf("work result missing: %+v", task.WorkResults)
	}

	rcpt := Receipt{Ref: "0xr1", Sequence: 42}
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	task, effects, err = Apply(task, Event{Type: EventSettlementSucceeded, WorkerID: "w-1", Receipt: &rcpt, At: at})
	if err != nil {
		t.Fatalf("settlement succeeded: %v", err)
	}
	if task.Status != StatusCompleted || task.EscrowStatus != EscrowReleased {
		t.Fatalf("expected completed/released, got %s/%s", task.Status, task.EscrowStatus)
	}
	if task.SettlementRef == nil || task.SettlementRef.Ref != "0xr1" {
		t.Fatalf("settlement ref not stored: %+v", task.SettlementRef)
	}
	if task.SettledAt == nil || !task.SettledAt.Equal(at) {
		t.Fatalf("settlement timestamp not stored: %+v", task.SettledAt)
	}
	var sawReputation bool
	for _, e := range effects {
		if e.Kind == EffectUpdateReputation && e.WorkerID == "w-1" && e.Success {
			sawReputation = true
		}
	}
	if !sawReputation {
		t.Fatalf("expected reputation effect, got %+v", effects)
	}
}

func TestSettlementFailedParksInReview(t *testing.T) {
	task, _, _ := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	task, _, _ = Apply(task, Event{Type: EventSubmitWork, WorkerID: "w-1", Result: "{}"})

	task, effects, err := Apply(task, Event{Type: EventSettlementFailed})
	if err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
	if task.Status != StatusReview || task.EscrowStatus != EscrowHeld {
		t.Fatalf("expected review/held, got %s/%s", task.Status, task.EscrowStatus)
	}
	if len(effects) != 0 {
		t.Fatalf("review must not auto-transition, got effects %+v", effects)
	}
}

func TestRefundOnlyByCreator(t *testing.T) {
	if _, _, err := Apply(heldTask(), Event{Type: EventRefundRequested, CallerWallet: "0xbbb"}); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected not-creator, got %v", err)
	}
	next, _, err := Apply(heldTask(), Event{Type: EventRefundRequested, CallerWallet: "0xAAA"})
	if err != nil {
		t.Fatalf("refund by creator (case-insensitive): %v", err)
	}
	if next.Status != StatusReversed || next.EscrowStatus != EscrowRefunded {
		t.Fatalf("expected reversed/refunded, got %s/%s", next.Status, next.EscrowStatus)
	}
}

func TestRefundAllowedInProgress(t *testing.T) {
	task, _, _ := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	next, _, err := Apply(task, Event{Type: EventRefundRequested, CallerWallet: "0xaaa"})
	if err != nil {
		t.Fatalf("refund in-progress: %v", err)
	}
	if next.Status != StatusReversed {
		t.Fatalf("expected reversed, got %s", next.Status)
	}
}

func TestRefundRejectedAfterSettlementStarted(t *testing.T) {
	task, _, _ := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	task, _, _ = Apply(task, Event{Type: EventSubmitWork, WorkerID: "w-1", Result: "{}"})
	if _, _, err := Apply(task, Event{Type: EventRefundRequested, CallerWallet: "0xaaa"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestForceCloseAdminOnlyFromReview(t *testing.T) {
	task, _, _ := Apply(heldTask(), Event{Type: EventAcceptBid, WorkerID: "w-1"})
	task, _, _ = Apply(task, Event{Type: EventSubmitWork, WorkerID: "w-1", Result: "{}"})
	task, _, _ = Apply(task, Event{Type: EventSettlementFailed})

	if _, _, err := Apply(task, Event{Type: EventForceClose}); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected rejection without admin, got %v", err)
	}
	next, _, err := Apply(task, Event{Type: EventForceClose, Admin: true})
	if err != nil {
		t.Fatalf("force close: %v", err)
	}
	if next.Status != StatusReversed || next.EscrowStatus != EscrowRefunded {
		t.Fatalf("expected reversed/refunded, got %s/%s", next.Status, next.EscrowStatus)
	}
}

func TestPostingStatusMirrorsTask(t *testing.T) {
	cases := map[string]string{
		StatusOpen:       PostingOpen,
		StatusInProgress: PostingAssigned,
		StatusReview:     PostingAssigned,
		StatusSettlement: PostingAssigned,
		StatusCompleted:  PostingClosed,
		StatusReversed:   PostingClosed,
	}
	for taskStatus, want := range cases {
		if got := PostingStatusFor(taskStatus); got != want {
			t.Fatalf("posting status for %s: want %s, got %s", taskStatus, want, got)
		}
	}
}

func TestClampReputation(t *testing.T) {
	if got := ClampReputation(120); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := ClampReputation(-3); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := ClampReputation(52); got != 52 {
		t.Fatalf("expected 52, got %d", got)
	}
}
