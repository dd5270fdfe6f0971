package market

import (
	"strings"
	"time"
)

// Task statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusReview     = "review"
	StatusSettlement = "settlement"
	StatusCompleted  = "completed"
	StatusReversed   = "reversed"
)

// Escrow statuses.
const (
	EscrowNone     = "none"
	EscrowPending  = "pending"
	EscrowHeld     = "held"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Posting statuses.
const (
	PostingOpen     = "open"
	PostingAssigned = "assigned"
	PostingClosed   = "closed"
)

// ActorSystem is the reserved activity actor for coordinator-originated events.
const ActorSystem = "SYSTEM"

// Activity action labels. Stable uppercase tokens, one per state-changing
// coordinator action.
const (
	ActTaskCreated      = "TASK_CREATED"
	ActEscrowHeld       = "ESCROW_HELD"
	ActBidSubmitted     = "BID_SUBMITTED"
	ActBidAccepted      = "BID_ACCEPTED"
	ActWorkSubmitted    = "WORK_SUBMITTED"
	ActPaymentSettled   = "PAYMENT_SETTLED"
	ActSettlementFailed = "SETTLEMENT_FAILED"
	ActRefundProcessed  = "REFUND_PROCESSED"
)

// ActStatusChanged builds the label for an admin status override.
func ActStatusChanged(status string) string {
	return "STATUS_CHANGED_TO_" + strings.ToUpper(strings.ReplaceAll(status, "-", "_"))
}

// Reputation deltas applied on settlement outcomes.
const (
	ReputationSuccessDelta = 2
	ReputationFailureDelta = -5
	DefaultReputation      = 50
)

// Agent is a registered worker identified by a unique handle.
type Agent struct {
	ID                 string            `json:"id"`
	Handle             string            `json:"handle"`
	Wallet             string            `json:"wallet"`
	Role               string            `json:"role"`
	Skills             []string          `json:"skills"`
	Reputation         int               `json:"reputation"` // clamped to [0,100]
	TasksCompleted     int               `json:"tasks_completed"`
	TasksFailed        int               `json:"tasks_failed"`
	Active             bool              `json:"active"`
	MaxLiability       int64             `json:"max_liability"`
	IdentityRegistered bool              `json:"identity_registered"`
	IdentityNode       string            `json:"identity_node,omitempty"`
	Description        string            `json:"description,omitempty"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// WorkResult is one submitted result on a task.
type WorkResult struct {
	WorkerID    string    `json:"worker_id"`
	Result      string    `json:"result"` // opaque payload, stored verbatim
	SubmittedAt time.Time `json:"submitted_at"`
}

// Receipt identifies a backend-level settlement. Stored verbatim on the task.
type Receipt struct {
	Ref      string `json:"ref"`
	Sequence uint64 `json:"sequence"`
	URL      string `json:"url,omitempty"`
}

// Task is the unit of paid work. Mutated only through state-machine transitions.
type Task struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Budget         int64        `json:"budget"`
	Status         string       `json:"status"` // open | in-progress | review | settlement | completed | reversed
	CreatorWallet  string       `json:"creator_wallet"`
	AssignedAgents []string     `json:"assigned_agents,omitempty"`
	WorkResults    []WorkResult `json:"work_results,omitempty"`
	EscrowAmount   int64        `json:"escrow_amount"`
	EscrowStatus   string       `json:"escrow_status"` // none | pending | held | released | refunded
	SettlementRef  *Receipt     `json:"settlement_ref,omitempty"`
	SettledAt      *time.Time   `json:"settled_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// JobPosting is the board-facing view of a task. Shares the task's lifetime.
type JobPosting struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	CreatorWallet  string    `json:"creator_wallet"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Budget         int64     `json:"budget"`
	RequiredSkills []string  `json:"required_skills,omitempty"`
	Status         string    `json:"status"` // open | assigned | closed
	PostedAt       time.Time `json:"posted_at"`
}

// Bid is a worker's offer on a posting.
type Bid struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	WorkerID       string    `json:"worker_id"`
	WorkerHandle   string    `json:"worker_handle"`
	Message        string    `json:"message,omitempty"`
	RelevanceScore int       `json:"relevance_score"` // 0..100
	EstimatedTime  string    `json:"estimated_time,omitempty"`
	ProposedAmount int64     `json:"proposed_amount"`
	Accepted       bool      `json:"accepted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Activity is one append-only log entry.
type Activity struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// PostingFilter captures job board query params.
type PostingFilter struct {
	Status    string
	Skills    []string
	MinBudget int64
	Limit     int
	Offset    int
}

// DispatchAction names a queued settlement side effect.
type DispatchAction string

const (
	ActionSettle           DispatchAction = "settle"
	ActionRefund           DispatchAction = "refund"
	ActionUpdateReputation DispatchAction = "reputation"
	ActionReconcileDeposit DispatchAction = "reconcile-deposit"
)

// DispatchJob is one durable queue item consumed by the settlement dispatcher.
type DispatchJob struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Action    DispatchAction `json:"action"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Success   bool           `json:"success"`
	CreatedAt time.Time      `json:"created_at"`
}

// ClampReputation bounds a reputation value to [0,100].
func ClampReputation(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
