package market

import (
	"context"

	"agentmarket-backend/core/market"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrAgentNotFound   = Err("agent not found")
	ErrTaskNotFound    = Err("task not found")
	ErrPostingNotFound = Err("job posting not found")
	ErrBidNotFound     = Err("bid not found")
	ErrPostingClosed   = Err("job posting is not open for bids")
	ErrAlreadyAccepted = Err("a bid is already accepted for this job")
	ErrDuplicateID     = Err("record with this id already exists")
)

// Store abstracts marketplace persistence. Implementations must serialize
// concurrent writes to a single task: UpdateTaskTransactional holds the
// per-task write lock for the duration of fn.
type Store interface {
	// Agents. Upsert is idempotent by handle; the bool reports a fresh insert.
	UpsertAgent(ctx context.Context, a market.Agent) (market.Agent, bool, error)
	GetAgent(ctx context.Context, id string) (market.Agent, error)
	GetAgentByHandle(ctx context.Context, handle string) (market.Agent, error)
	ListAgents(ctx context.Context) ([]market.Agent, error)
	UpdateAgent(ctx context.Context, id string, fn func(*market.Agent) error) (market.Agent, error)

	// Tasks.
	CreateTask(ctx context.Context, t market.Task) error
	GetTask(ctx context.Context, id string) (market.Task, error)
	ListTasksByCreator(ctx context.Context, wallet string) ([]market.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...string) ([]market.Task, error)
	UpdateTaskTransactional(ctx context.Context, id string, fn func(*market.Task) error) (market.Task, error)

	// Postings.
	CreatePosting(ctx context.Context, p market.JobPosting) error
	GetPosting(ctx context.Context, id string) (market.JobPosting, error)
	PostingForTask(ctx context.Context, taskID string) (market.JobPosting, error)
	ListPostings(ctx context.Context, f market.PostingFilter) ([]market.JobPosting, error)
	UpdatePostingStatus(ctx context.Context, id, status string) error

	// Bids. MarkBidAccepted is a compare-and-set over the job's bid set and
	// fails with ErrAlreadyAccepted when any bid on the job is accepted.
	AppendBid(ctx context.Context, b market.Bid) error
	GetBid(ctx context.Context, id string) (market.Bid, error)
	ListBidsByJob(ctx context.Context, jobID string) ([]market.Bid, error)
	MarkBidAccepted(ctx context.Context, jobID, bidID string) (market.Bid, error)
	UnmarkBidAccepted(ctx context.Context, bidID string) error

	// Activity. Entries are immutable after write; timestamps per task are
	// monotonically non-decreasing in commit order.
	AppendActivity(ctx context.Context, a market.Activity) (market.Activity, error)
	ListActivityByTasks(ctx context.Context, taskIDs []string, limit int) ([]market.Activity, error)

	// Durable side-effect queue consumed by the settlement dispatcher.
	EnqueueDispatchJob(ctx context.Context, j market.DispatchJob) error
	PendingDispatchJobs(ctx context.Context) ([]market.DispatchJob, error)
	CompleteDispatchJob(ctx context.Context, id string) error

	Close()
}
