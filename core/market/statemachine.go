package market

import (
	"fmt"
	"time"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrInvalidTransition = Err("invalid transition")
	ErrNotCreator        = Err("caller is not the task creator")
	ErrNotAssigned       = Err("worker is not assigned to this task")
)

// EventType names a state-machine event.
type EventType string

const (
	EventDepositConfirmed    EventType = "DepositConfirmed"
	EventAcceptBid           EventType = "AcceptBid"
	EventSubmitWork          EventType = "SubmitWork"
	EventSettlementSucceeded EventType = "SettlementSucceeded"
	EventSettlementFailed    EventType = "SettlementFailed"
	EventRefundRequested     EventType = "RefundRequested"
	EventForceClose          EventType = "ForceClose"
)

// SideEffectKind names a side effect the transition asks the dispatcher to run.
type SideEffectKind string

const (
	EffectEnqueueSettle    SideEffectKind = "enqueue-settle"
	EffectUpdateReputation SideEffectKind = "update-reputation"
	EffectClosePosting     SideEffectKind = "close-posting"
	EffectAssignPosting    SideEffectKind = "assign-posting"
)

// SideEffect is a request emitted by a transition; execution is owned by the
// caller (handlers and the settlement dispatcher), never by the state machine.
type SideEffect struct {
	Kind     SideEffectKind
	TaskID   string
	WorkerID string
	Success  bool
}

// Event carries one state-machine input.
type Event struct {
	Type         EventType
	CallerWallet string    // RefundRequested: must match the creator
	Admin        bool      // ForceClose
	WorkerID     string    // AcceptBid, SubmitWork
	Result       string    // SubmitWork payload, stored verbatim
	Receipt      *Receipt  // DepositConfirmed, SettlementSucceeded
	At           time.Time // event time; zero means time.Now at commit
}

// Apply is the authoritative transition relation over (Task, Event). It is a
// pure function: the returned task is a modified copy and the side effects
// are requests, not performed actions. Any event not legal for the current
// (status, escrowStatus) pair is rejected with ErrInvalidTransition.
func Apply(t Task, ev Event) (Task, []SideEffect, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev.Type {
	case EventDepositConfirmed:
		if t.Status != StatusOpen || t.EscrowStatus != EscrowPending {
			return t, nil, transitionErr(t, ev)
		}
		t.EscrowStatus = EscrowHeld
		if ev.Receipt != nil {
			r := *ev.Receipt
			t.SettlementRef = &r
		}
		return t, nil, nil

	case EventAcceptBid:
		if t.Status != StatusOpen || t.EscrowStatus != EscrowHeld {
			return t, nil, transitionErr(t, ev)
		}
		if ev.WorkerID == "" {
			return t, nil, Err("accept requires a worker id")
		}
		t.Status = StatusInProgress
		t.AssignedAgents = appendUnique(t.AssignedAgents, ev.WorkerID)
		return t, []SideEffect{{Kind: EffectAssignPosting, TaskID: t.ID}}, nil

	case EventSubmitWork:
		if t.Status != StatusInProgress || t.EscrowStatus != EscrowHeld {
			return t, nil, transitionErr(t, ev)
		}
		if !contains(t.AssignedAgents, ev.WorkerID) {
			return t, nil, ErrNotAssigned
		}
		t.Status = StatusSettlement
		t.WorkResults = append(t.WorkResults, WorkResult{
			WorkerID:    ev.WorkerID,
			Result:      ev.Result,
			SubmittedAt: at,
		})
		return t, []SideEffect{{Kind: EffectEnqueueSettle, TaskID: t.ID, WorkerID: ev.WorkerID}}, nil

	case EventSettlementSucceeded:
		if t.Status != StatusSettlement || t.EscrowStatus != EscrowHeld {
			return t, nil, transitionErr(t, ev)
		}
		t.Status = StatusCompleted
		t.EscrowStatus = EscrowReleased
		if ev.Receipt != nil {
			r := *ev.Receipt
			t.SettlementRef = &r
		}
		t.SettledAt = &at
		effects := []SideEffect{{Kind: EffectClosePosting, TaskID: t.ID}}
		if ev.WorkerID != "" {
			effects = append(effects, SideEffect{Kind: EffectUpdateReputation, TaskID: t.ID, WorkerID: ev.WorkerID, Success: true})
		}
		return t, effects, nil

	case EventSettlementFailed:
		if t.Status != StatusSettlement || t.EscrowStatus != EscrowHeld {
			return t, nil, transitionErr(t, ev)
		}
		// Parked for manual action; escrow stays held, no auto-transition out.
		t.Status = StatusReview
		return t, nil, nil

	case EventRefundRequested:
		if t.Status != StatusOpen && t.Status != StatusInProgress {
			return t, nil, transitionErr(t, ev)
		}
		if t.EscrowStatus != EscrowHeld {
			return t, nil, transitionErr(t, ev)
		}
		if !SameWallet(ev.CallerWallet, t.CreatorWallet) {
			return t, nil, ErrNotCreator
		}
		t.Status = StatusReversed
		t.EscrowStatus = EscrowRefunded
		if ev.Receipt != nil {
			r := *ev.Receipt
			t.SettlementRef = &r
		}
		t.SettledAt = &at
		return t, []SideEffect{{Kind: EffectClosePosting, TaskID: t.ID}}, nil

	case EventForceClose:
		if !ev.Admin {
			return t, nil, ErrNotCreator
		}
		if t.Status != StatusReview || t.EscrowStatus != EscrowHeld {
			return t, nil, transitionErr(t, ev)
		}
		t.Status = StatusReversed
		t.EscrowStatus = EscrowRefunded
		if ev.Receipt != nil {
			r := *ev.Receipt
			t.SettlementRef = &r
		}
		t.SettledAt = &at
		effects := []SideEffect{{Kind: EffectClosePosting, TaskID: t.ID}}
		if ev.WorkerID != "" {
			effects = append(effects, SideEffect{Kind: EffectUpdateReputation, TaskID: t.ID, WorkerID: ev.WorkerID, Success: false})
		}
		return t, effects, nil

	default:
		return t, nil, transitionErr(t, ev)
	}
}

// PostingStatusFor mirrors a task status onto its posting.
func PostingStatusFor(taskStatus string) string {
	switch taskStatus {
	case StatusOpen:
		return PostingOpen
	case StatusInProgress, StatusReview, StatusSettlement:
		return PostingAssigned
	default:
		return PostingClosed
	}
}

func transitionErr(t Task, ev Event) error {
	return fmt.Errorf("%w: event %s not legal in status=%s escrow=%s", ErrInvalidTransition, ev.Type, t.Status, t.EscrowStatus)
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
