package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentmarket-backend/core/market"
	"agentmarket-backend/dispatch"
	"agentmarket-backend/escrow"
	"agentmarket-backend/identity"
	store "agentmarket-backend/storage/market"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrValidation   = Err("validation failed")
	ErrUnauthorized = Err("caller is not permitted")
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Config tunes the coordinator's adapter deadlines and deposit authority.
type Config struct {
	EscrowTimeout    time.Duration // per escrow call, derived from the request context
	IdentityTimeout  time.Duration // per identity call
	CustodialEscrow  bool          // the coordinator performs deposits itself
	ActivityFeedSize int           // entries returned by the activity feed
}

// Coordinator mediates between posters, workers, the escrow backend, and the
// identity backend. Every mutation is one validated, authorized,
// transactional state-machine step followed by side-effect enqueue and an
// activity append.
type Coordinator struct {
	store store.Store
	esc   escrow.Adapter
	ident identity.Adapter
	disp  *dispatch.Dispatcher
	cfg   Config
}

// New wires a Coordinator.
func New(s store.Store, esc escrow.Adapter, ident identity.Adapter, disp *dispatch.Dispatcher, cfg Config) *Coordinator {
	if cfg.EscrowTimeout <= 0 {
		cfg.EscrowTimeout = 30 * time.Second
	}
	if cfg.IdentityTimeout <= 0 {
		cfg.IdentityTimeout = 15 * time.Second
	}
	if cfg.ActivityFeedSize <= 0 {
		cfg.ActivityFeedSize = 30
	}
	return &Coordinator{store: s, esc: esc, ident: ident, disp: disp, cfg: cfg}
}

// Store exposes the underlying store for read-only surfaces.
func (c *Coordinator) Store() store.Store { return c.store }

// AgentRequest captures POST /agents payload.
type AgentRequest struct {
	Handle       string            `json:"handle"`
	Wallet       string            `json:"wallet"`
	Role         string            `json:"role"`
	Skills       []string          `json:"skills"`
	MaxLiability int64             `json:"max_liability"`
	Description  string            `json:"description"`
	Attributes   map[string]string `json:"attributes"`
}

// RegisterAgent upserts a worker by handle and registers its identity record
// on first insert. Idempotent: the same handle twice yields the same agent id
// and at most one identity registration.
func (c *Coordinator) RegisterAgent(ctx context.Context, req AgentRequest) (market.Agent, bool, error) {
	if strings.TrimSpace(req.Handle) == "" {
		return market.Agent{}, false, validationf("handle is required")
	}
	if !market.ValidWallet(req.Wallet) {
		return market.Agent{}, false, validationf("wallet is required")
	}
	if req.MaxLiability < 0 {
		return market.Agent{}, false, validationf("max_liability must be >= 0")
	}

	agent, created, err := c.store.UpsertAgent(ctx, market.Agent{
		Handle:       strings.TrimSpace(req.Handle),
		Wallet:       req.Wallet,
		Role:         req.Role,
		Skills:       req.Skills,
		MaxLiability: req.MaxLiability,
		Description:  req.Description,
		Attributes:   req.Attributes,
	})
	if err != nil {
		return market.Agent{}, false, err
	}
	if agent.IdentityRegistered {
		return agent, created, nil
	}

	attrs := map[string]string{
		identity.AttrRole:           agent.Role,
		identity.AttrSkills:         strings.Join(agent.Skills, ","),
		identity.AttrReputation:     fmt.Sprintf("%d", agent.Reputation),
		identity.AttrTasksCompleted: fmt.Sprintf("%d", agent.TasksCompleted),
		identity.AttrTasksFailed:    fmt.Sprintf("%d", agent.TasksFailed),
	}
	if agent.Description != "" {
		attrs[identity.AttrDescription] = agent.Description
	}
	// Unknown keys pass through to the identity record unchanged.
	for k, v := range req.Attributes {
		attrs[k] = v
	}

	idCtx, cancel := context.WithTimeout(ctx, c.cfg.IdentityTimeout)
	node, err := c.ident.Register(idCtx, agent.Handle, agent.Wallet, attrs)
	cancel()
	if err != nil {
		// Non-fatal: the agent exists in the marketplace; registration is
		// retried on the next upsert of the same handle.
		log.Printf("coordinator: identity registration for %s failed: %v", agent.Handle, err)
		return agent, created, nil
	}
	agent, err = c.store.UpdateAgent(ctx, agent.ID, func(a *market.Agent) error {
		a.IdentityRegistered = true
		a.IdentityNode = node
		return nil
	})
	return agent, created, err
}

// PatchAgent applies a partial update to an agent.
func (c *Coordinator) PatchAgent(ctx context.Context, id string, fields AgentRequest, active *bool) (market.Agent, error) {
	return c.store.UpdateAgent(ctx, id, func(a *market.Agent) error {
		if fields.Role != "" {
			a.Role = fields.Role
		}
		if fields.Skills != nil {
			a.Skills = fields.Skills
		}
		if fields.Wallet != "" {
			if !market.ValidWallet(fields.Wallet) {
				return validationf("invalid wallet")
			}
			a.Wallet = market.CanonWallet(fields.Wallet)
		}
		if fields.MaxLiability > 0 {
			a.MaxLiability = fields.MaxLiability
		}
		if fields.Description != "" {
			a.Description = fields.Description
		}
		if active != nil {
			a.Active = *active
		}
		return nil
	})
}

// JobRequest captures POST /jobboard payload.
type JobRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Budget         int64    `json:"budget"`
	RequiredSkills []string `json:"required_skills"`
	CreatorWallet  string   `json:"creator_wallet"`
}

// CreateJob creates the task (open, escrow pending) and its posting. Under a
// custodial escrow backend the coordinator deposits immediately and marks the
// escrow held; under a verifying backend the poster's wallet deposits and
// later attests via ConfirmEscrow.
func (c *Coordinator) CreateJob(ctx context.Context, req JobRequest) (market.Task, market.JobPosting, error) {
	if strings.TrimSpace(req.Title) == "" {
		return market.Task{}, market.JobPosting{}, validationf("title is required")
	}
	if req.Budget <= 0 {
		return market.Task{}, market.JobPosting{}, validationf("budget must be > 0")
	}
	if !market.ValidWallet(req.CreatorWallet) {
		return market.Task{}, market.JobPosting{}, validationf("creator_wallet is required")
	}

	now := time.Now().UTC()
	task := market.Task{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		Budget:        req.Budget,
		Status:        market.StatusOpen,
		CreatorWallet: market.CanonWallet(req.CreatorWallet),
		EscrowAmount:  req.Budget,
		EscrowStatus:  market.EscrowPending,
		CreatedAt:     now,
	}
	posting := market.JobPosting{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		CreatorWallet:  task.CreatorWallet,
		Title:          task.Title,
		Description:    task.Description,
		Budget:         task.Budget,
		RequiredSkills: req.RequiredSkills,
		Status:         market.PostingOpen,
		PostedAt:       now,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return market.Task{}, market.JobPosting{}, err
	}
	if err := c.store.CreatePosting(ctx, posting); err != nil {
		return market.Task{}, market.JobPosting{}, err
	}
	c.appendActivity(ctx, task.ID, market.ActorSystem, market.ActTaskCreated)

	if c.cfg.CustodialEscrow {
		escCtx, cancel := context.WithTimeout(ctx, c.cfg.EscrowTimeout)
		rcpt, err := c.esc.Deposit(escCtx, task.ID, task.Budget, task.CreatorWallet)
		cancel()
		if err != nil {
			// The task stays open/pending; the dispatcher's reconcile pass
			// retries the custodial deposit.
			log.Printf("coordinator: custodial deposit for task %s failed: %v", task.ID, err)
			c.enqueue(market.DispatchJob{TaskID: task.ID, Action: market.ActionReconcileDeposit})
			return task, posting, nil
		}
		updated, err := c.store.UpdateTaskTransactional(ctx, task.ID, func(t *market.Task) error {
			next, _, aerr := market.Apply(*t, market.Event{Type: market.EventDepositConfirmed, Receipt: &rcpt})
			if aerr != nil {
				return aerr
			}
			*t = next
			return nil
		})
		if err != nil {
			return market.Task{}, market.JobPosting{}, err
		}
		task = updated
		c.appendActivity(ctx, task.ID, market.ActorSystem, market.ActEscrowHeld)
	}
	return task, posting, nil
}

// ConfirmEscrow attests a deposit the poster's wallet made externally.
func (c *Coordinator) ConfirmEscrow(ctx context.Context, jobID, externalRef, depositorWallet string) (market.Task, error) {
	if strings.TrimSpace(externalRef) == "" {
		return market.Task{}, validationf("external_ref is required")
	}
	if !market.ValidWallet(depositorWallet) {
		return market.Task{}, validationf("depositor_wallet is required")
	}
	posting, err := c.store.GetPosting(ctx, jobID)
	if err != nil {
		return market.Task{}, err
	}
	task, err := c.store.GetTask(ctx, posting.TaskID)
	if err != nil {
		return market.Task{}, err
	}

	escCtx, cancel := context.WithTimeout(ctx, c.cfg.EscrowTimeout)
	rcpt, err := c.esc.VerifyDeposit(escCtx, task.ID, externalRef, depositorWallet, task.Budget)
	cancel()
	if err != nil {
		return market.Task{}, err
	}

	updated, err := c.store.UpdateTaskTransactional(ctx, task.ID, func(t *market.Task) error {
		next, _, aerr := market.Apply(*t, market.Event{Type: market.EventDepositConfirmed, Receipt: &rcpt})
		if aerr != nil {
			return aerr
		}
		*t = next
		return nil
	})
	if err != nil {
		return market.Task{}, err
	}
	c.appendActivity(ctx, task.ID, market.ActorSystem, market.ActEscrowHeld)
	return updated, nil
}

// BidRequest captures POST /jobboard/:id/bid payload.
type BidRequest struct {
	WorkerID       string `json:"worker_id"`
	WorkerHandle   string `json:"worker_handle"`
	Message        string `json:"message"`
	RelevanceScore int    `json:"relevance_score"`
	EstimatedTime  string `json:"estimated_time"`
	ProposedAmount int64  `json:"proposed_amount"`
}

// SubmitBid appends a worker's bid under an open posting.
func (c *Coordinator) SubmitBid(ctx context.Context, jobID string, req BidRequest) (market.Bid, error) {
	if req.WorkerID == "" {
		return market.Bid{}, validationf("worker_id is required")
	}
	if req.RelevanceScore < 0 || req.RelevanceScore > 100 {
		return market.Bid{}, validationf("relevance_score must be in [0,100]")
	}
	if req.ProposedAmount < 0 {
		return market.Bid{}, validationf("proposed_amount must be >= 0")
	}
	posting, err := c.store.GetPosting(ctx, jobID)
	if err != nil {
		return market.Bid{}, err
	}
	if _, err := c.store.GetAgent(ctx, req.WorkerID); err != nil {
		return market.Bid{}, err
	}

	bid := market.Bid{
		ID:             uuid.NewString(),
		JobID:          posting.ID,
		WorkerID:       req.WorkerID,
		WorkerHandle:   req.WorkerHandle,
		Message:        req.Message,
		RelevanceScore: req.RelevanceScore,
		EstimatedTime:  req.EstimatedTime,
		ProposedAmount: req.ProposedAmount,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.AppendBid(ctx, bid); err != nil {
		return market.Bid{}, err
	}
	c.appendActivity(ctx, posting.TaskID, req.WorkerID, market.ActBidSubmitted)
	return bid, nil
}

// AcceptBid lets the task creator pick the winning bid. The accept is a
// compare-and-set on the posting's bid set; concurrent attempts see
// ErrAlreadyAccepted. The task then transitions open -> in-progress.
func (c *Coordinator) AcceptBid(ctx context.Context, jobID, bidID, callerWallet string) (market.Task, market.Bid, error) {
	posting, err := c.store.GetPosting(ctx, jobID)
	if err != nil {
		return market.Task{}, market.Bid{}, err
	}
	task, err := c.store.GetTask(ctx, posting.TaskID)
	if err != nil {
		return market.Task{}, market.Bid{}, err
	}
	if !market.SameWallet(callerWallet, task.CreatorWallet) {
		return market.Task{}, market.Bid{}, fmt.Errorf("%w: only the job creator may accept bids", ErrUnauthorized)
	}

	bid, err := c.store.MarkBidAccepted(ctx, jobID, bidID)
	if err != nil {
		return market.Task{}, market.Bid{}, err
	}

	updated, err := c.store.UpdateTaskTransactional(ctx, task.ID, func(t *market.Task) error {
		next, _, aerr := market.Apply(*t, market.Event{Type: market.EventAcceptBid, WorkerID: bid.WorkerID})
		if aerr != nil {
			return aerr
		}
		*t = next
		return nil
	})
	if err != nil {
		// Unwind the CAS so the posting is not stuck with an accepted bid on
		// a task that never left open (e.g. a concurrent refund won).
		if uerr := c.store.UnmarkBidAccepted(ctx, bid.ID); uerr != nil {
			log.Printf("coordinator: unwind accepted bid %s: %v", bid.ID, uerr)
		}
		return market.Task{}, market.Bid{}, err
	}

	if err := c.store.UpdatePostingStatus(ctx, posting.ID, market.PostingAssigned); err != nil {
		log.Printf("coordinator: posting %s status: %v", posting.ID, err)
	}
	c.appendActivity(ctx, task.ID, market.ActorSystem, market.ActBidAccepted)
	return updated, bid, nil
}

// SubmitWork records the winning worker's result and enqueues settlement.
// Idempotent on identical payloads: a repeat submit after the transition
// returns the current task without enqueuing a second settle.
func (c *Coordinator) SubmitWork(ctx context.Context, taskID, workerID, result string) (market.Task, error) {
	if workerID == "" {
		return market.Task{}, validationf("worker_id is required")
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	if task.Status == market.StatusSettlement || task.Status == market.StatusCompleted {
		for _, wr := range task.WorkResults {
			if wr.WorkerID == workerID && wr.Result == result {
				return task, nil
			}
		}
	}

	updated, err := c.store.UpdateTaskTransactional(ctx, taskID, func(t *market.Task) error {
		next, _, aerr := market.Apply(*t, market.Event{
			Type:     market.EventSubmitWork,
			WorkerID: workerID,
			Result:   result,
		})
		if aerr != nil {
			return aerr
		}
		*t = next
		return nil
	})
	if err != nil {
		return market.Task{}, err
	}
	c.appendActivity(ctx, taskID, workerID, market.ActWorkSubmitted)
	c.enqueue(market.DispatchJob{TaskID: taskID, Action: market.ActionSettle, WorkerID: workerID})
	return updated, nil
}

// Refund lets the task creator reclaim held escrow. The refund runs through
// the dispatcher synchronously so errors bubble to the caller.
func (c *Coordinator) Refund(ctx context.Context, taskID, callerWallet string) (market.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	if !market.SameWallet(callerWallet, task.CreatorWallet) {
		return market.Task{}, fmt.Errorf("%w: only the task creator may request a refund", ErrUnauthorized)
	}
	return c.disp.RunRefund(ctx, taskID, market.Event{
		Type:         market.EventRefundRequested,
		CallerWallet: callerWallet,
	})
}

// AdminSetStatus is the admin status override: ForceClose refunds a reviewed
// task, and a failure override charges the named agent's reputation.
func (c *Coordinator) AdminSetStatus(ctx context.Context, taskID, status, agentID string) (market.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	if status != market.StatusReversed {
		return market.Task{}, validationf("unsupported status override %q", status)
	}
	if task.Status != market.StatusReview {
		return market.Task{}, fmt.Errorf("%w: event %s not legal in status=%s escrow=%s",
			market.ErrInvalidTransition, market.EventForceClose, task.Status, task.EscrowStatus)
	}

	updated, err := c.disp.RunRefund(ctx, taskID, market.Event{
		Type:  market.EventForceClose,
		Admin: true,
	})
	if err != nil {
		return market.Task{}, err
	}
	c.appendActivity(ctx, taskID, market.ActorSystem, market.ActStatusChanged(status))
	if agentID != "" {
		c.enqueue(market.DispatchJob{TaskID: taskID, Action: market.ActionUpdateReputation, WorkerID: agentID, Success: false})
	}
	return updated, nil
}

// TaskDetail returns the task with work results redacted for anyone but the
// creator. The booleans report creator identity and whether results exist.
func (c *Coordinator) TaskDetail(ctx context.Context, taskID, callerWallet string) (market.Task, bool, bool, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, false, false, err
	}
	hasResults := len(task.WorkResults) > 0
	if market.SameWallet(callerWallet, task.CreatorWallet) {
		return task, true, hasResults, nil
	}
	task.WorkResults = nil
	return task, false, hasResults, nil
}

// ActivityFeed returns the caller's newest activity entries across the tasks
// it created.
func (c *Coordinator) ActivityFeed(ctx context.Context, callerWallet string) ([]market.Activity, error) {
	tasks, err := c.store.ListTasksByCreator(ctx, callerWallet)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return []market.Activity{}, nil
	}
	return c.store.ListActivityByTasks(ctx, ids, c.cfg.ActivityFeedSize)
}

// BoardEntry is one job board row: the posting, its bids, and the backing
// task's escrow state.
type BoardEntry struct {
	Posting      market.JobPosting `json:"posting"`
	Bids         []market.Bid      `json:"bids"`
	Creator      string            `json:"creator"`
	EscrowStatus string            `json:"escrow_status"`
}

// JobBoard lists postings with their bids and escrow status.
func (c *Coordinator) JobBoard(ctx context.Context, f market.PostingFilter) ([]BoardEntry, error) {
	postings, err := c.store.ListPostings(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]BoardEntry, 0, len(postings))
	for _, p := range postings {
		bids, err := c.store.ListBidsByJob(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		entry := BoardEntry{Posting: p, Bids: bids, Creator: p.CreatorWallet}
		if task, err := c.store.GetTask(ctx, p.TaskID); err == nil {
			entry.EscrowStatus = task.EscrowStatus
		}
		out = append(out, entry)
	}
	return out, nil
}

// PaymentDetails describes where a poster's wallet should deposit for the
// verifying escrow variant.
type PaymentDetails struct {
	TaskID     string `json:"task_id"`
	BackendKey string `json:"backend_key"`
	Amount     int64  `json:"amount"`
	PayURI     string `json:"pay_uri"`
	Backend    string `json:"backend"`
}

// JobPaymentDetails resolves the deposit target for a posting.
func (c *Coordinator) JobPaymentDetails(ctx context.Context, jobID string) (PaymentDetails, error) {
	posting, err := c.store.GetPosting(ctx, jobID)
	if err != nil {
		return PaymentDetails{}, err
	}
	task, err := c.store.GetTask(ctx, posting.TaskID)
	if err != nil {
		return PaymentDetails{}, err
	}
	key := escrow.ChannelKey(task.ID)
	if c.esc.Backend() == "onchain" {
		k := escrow.TaskKey(task.ID)
		key = fmt.Sprintf("0x%x", k[:])
	}
	return PaymentDetails{
		TaskID:     task.ID,
		BackendKey: key,
		Amount:     task.Budget,
		PayURI:     fmt.Sprintf("%s://%s?amount=%d", c.esc.Backend(), key, task.Budget),
		Backend:    c.esc.Backend(),
	}, nil
}

// IdentityLookup passes a handle lookup through to the identity backend.
func (c *Coordinator) IdentityLookup(ctx context.Context, handle string) (identity.Record, error) {
	idCtx, cancel := context.WithTimeout(ctx, c.cfg.IdentityTimeout)
	defer cancel()
	return c.ident.Lookup(idCtx, handle)
}

func (c *Coordinator) enqueue(j market.DispatchJob) {
	// The dispatcher owns its own context: side effects accepted here run to
	// completion even if the originating request is canceled.
	if err := c.disp.Enqueue(context.Background(), j); err != nil {
		log.Printf("coordinator: enqueue %s for task %s: %v", j.Action, j.TaskID, err)
	}
}

func (c *Coordinator) appendActivity(ctx context.Context, taskID, actor, action string) {
	if _, err := c.store.AppendActivity(ctx, market.Activity{
		ActorID: actor,
		TaskID:  taskID,
		Action:  action,
	}); err != nil {
		log.Printf("coordinator: activity %s for task %s: %v", action, taskID, err)
	}
}

// IsNotFound folds the store's not-found sentinels for handler mapping.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrTaskNotFound) ||
		errors.Is(err, store.ErrPostingNotFound) ||
		errors.Is(err, store.ErrBidNotFound) ||
		errors.Is(err, store.ErrAgentNotFound) ||
		errors.Is(err, identity.ErrNotFound)
}
