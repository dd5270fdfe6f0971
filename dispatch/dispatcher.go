package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmarket-backend/core/market"
	"agentmarket-backend/escrow"
	"agentmarket-backend/identity"
	"agentmarket-backend/metrics"
	store "agentmarket-backend/storage/market"
)

// Config bounds the dispatcher's concurrency and retry policy.
type Config struct {
	MaxConcurrent     int           // parallel settlements across distinct tasks
	RetryMax          int           // attempts against a flapping escrow backend
	RetryBase         time.Duration // first backoff step
	EscrowTimeout     time.Duration // per escrow call
	IdentityTimeout   time.Duration // per identity call
	IdentityRetryMax  int           // bounded retries for non-fatal identity writes
	ReconcileInterval time.Duration // periodic stranded-task scan; 0 disables
	CustodialSink     string        // release recipient override; empty releases to the worker
	CustodialDeposits bool          // the adapter can deposit itself; reconcile retries missing deposits
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    8,
		RetryMax:         5,
		RetryBase:        500 * time.Millisecond,
		EscrowTimeout:    30 * time.Second,
		IdentityTimeout:  15 * time.Second,
		IdentityRetryMax: 3,
	}
}

// Dispatcher serializes escrow and identity side effects per task. It owns
// its own context: work accepted before shutdown runs to completion even if
// the originating client disconnects.
type Dispatcher struct {
	store store.Store
	esc   escrow.Adapter
	ident identity.Adapter
	met   *metrics.Metrics
	cfg   Config

	mu       sync.Mutex
	queues   map[string][]market.DispatchJob
	running  map[string]bool
	active   map[string]bool        // job ids scheduled or executing
	inFlight map[string]*sync.Mutex // per-task exclusivity, shared with RunRefund
	sem      chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds a Dispatcher. Call Start to begin draining.
func New(s store.Store, esc escrow.Adapter, ident identity.Adapter, met *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.EscrowTimeout <= 0 {
		cfg.EscrowTimeout = 30 * time.Second
	}
	if cfg.IdentityTimeout <= 0 {
		cfg.IdentityTimeout = 15 * time.Second
	}
	if cfg.IdentityRetryMax <= 0 {
		cfg.IdentityRetryMax = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    s,
		esc:      esc,
		ident:    ident,
		met:      met,
		cfg:      cfg,
		queues:   make(map[string][]market.DispatchJob),
		running:  make(map[string]bool),
		active:   make(map[string]bool),
		inFlight: make(map[string]*sync.Mutex),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start recovers stranded work and, when configured, begins the periodic
// reconcile loop.
func (d *Dispatcher) Start() {
	if err := d.Recover(d.ctx); err != nil {
		log.Printf("dispatch: recovery scan failed: %v", err)
	}
	if d.cfg.ReconcileInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ticker := time.NewTicker(d.cfg.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-d.ctx.Done():
					return
				case <-ticker.C:
					if err := d.Recover(d.ctx); err != nil {
						log.Printf("dispatch: reconcile scan failed: %v", err)
					}
				}
			}
		}()
	}
}

// Stop cancels the dispatcher and waits for in-flight work.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Enqueue persists the job and schedules it. FIFO order among jobs for the
// same task is preserved; distinct tasks drain in parallel up to the
// concurrency bound.
func (d *Dispatcher) Enqueue(ctx context.Context, j market.DispatchJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if err := d.store.EnqueueDispatchJob(ctx, j); err != nil {
		return fmt.Errorf("enqueue %s for task %s: %w", j.Action, j.TaskID, err)
	}
	d.schedule(j)
	return nil
}

func (d *Dispatcher) schedule(j market.DispatchJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[j.ID] {
		return
	}
	d.active[j.ID] = true
	d.queues[j.TaskID] = append(d.queues[j.TaskID], j)
	if d.met != nil {
		d.met.QueueDepth.Inc()
	}
	if d.running[j.TaskID] {
		return
	}
	d.running[j.TaskID] = true
	d.wg.Add(1)
	go d.drainTask(j.TaskID)
}

// drainTask pops the task's queue until empty. At most one of these runs per
// task id, which gives per-task FIFO with at most one in-flight action.
func (d *Dispatcher) drainTask(taskID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[taskID]
		if len(q) == 0 {
			d.running[taskID] = false
			delete(d.queues, taskID)
			d.mu.Unlock()
			return
		}
		j := q[0]
		d.queues[taskID] = q[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		d.execute(j)
		<-d.sem

		if d.met != nil {
			d.met.QueueDepth.Dec()
		}
		if err := d.store.CompleteDispatchJob(d.ctx, j.ID); err != nil {
			log.Printf("dispatch: complete job %s: %v", j.ID, err)
		}
		d.mu.Lock()
		delete(d.active, j.ID)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) taskLock(taskID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.inFlight[taskID]
	if !ok {
		m = &sync.Mutex{}
		d.inFlight[taskID] = m
	}
	return m
}

func (d *Dispatcher) execute(j market.DispatchJob) {
	m := d.taskLock(j.TaskID)
	m.Lock()
	defer m.Unlock()

	var err error
	switch j.Action {
	case market.ActionSettle:
		err = d.settle(j)
	case market.ActionUpdateReputation:
		err = d.updateReputation(j)
	case market.ActionReconcileDeposit:
		err = d.reconcileDeposit(j)
	case market.ActionRefund:
		err = d.refundQueued(j)
	default:
		err = fmt.Errorf("unknown dispatch action %q", j.Action)
	}
	if err != nil {
		log.Printf("dispatch: %s for task %s: %v", j.Action, j.TaskID, err)
	}
}

// settle releases escrow to the worker and commits SettlementSucceeded.
// Exactly-once: a task already completed is a no-op, and a backend that
// reports AlreadySettled (crash between release and commit) converges to the
// same completed state with a single PAYMENT_SETTLED entry.
func (d *Dispatcher) settle(j market.DispatchJob) error {
	task, err := d.store.GetTask(d.ctx, j.TaskID)
	if err != nil {
		return err
	}
	if task.Status != market.StatusSettlement {
		return nil // already resolved by an earlier attempt
	}

	workerID := j.WorkerID
	if workerID == "" && len(task.WorkResults) > 0 {
		workerID = task.WorkResults[len(task.WorkResults)-1].WorkerID
	}
	recipient := d.cfg.CustodialSink
	if recipient == "" {
		agent, err := d.store.GetAgent(d.ctx, workerID)
		if err != nil {
			return fmt.Errorf("resolve recipient for task %s: %w", j.TaskID, err)
		}
		recipient = agent.Wallet
	}

	rcpt, err := d.releaseWithRetry(j.TaskID, recipient)
	if errors.Is(err, escrow.ErrAlreadySettled) {
		st, qerr := d.queryEscrow(j.TaskID)
		if qerr == nil && st.Released {
			rcpt = market.Receipt{Ref: "recovered:" + j.TaskID}
			err = nil
		}
	}
	if errors.Is(err, escrow.ErrBackendUnavailable) {
		// Retries exhausted: park for manual action.
		if d.met != nil {
			d.met.Settlements.WithLabelValues("failed").Inc()
		}
		_, terr := d.store.UpdateTaskTransactional(d.ctx, j.TaskID, func(t *market.Task) error {
			next, _, aerr := market.Apply(*t, market.Event{Type: market.EventSettlementFailed})
			if aerr != nil {
				return aerr
			}
			*t = next
			return nil
		})
		if terr != nil {
			if errors.Is(terr, market.ErrInvalidTransition) {
				return err // already parked by an earlier attempt
			}
			return terr
		}
		d.appendActivity(j.TaskID, d.escrowActor(), market.ActSettlementFailed)
		return err
	}
	if err != nil {
		// Abort; the task stays in settlement and the recovery scan retries.
		return err
	}

	_, err = d.store.UpdateTaskTransactional(d.ctx, j.TaskID, func(t *market.Task) error {
		next, _, aerr := market.Apply(*t, market.Event{
			Type:     market.EventSettlementSucceeded,
			WorkerID: workerID,
			Receipt:  &rcpt,
		})
		if aerr != nil {
			return aerr
		}
		*t = next
		return nil
	})
	if errors.Is(err, market.ErrInvalidTransition) {
		return nil // lost the race to an earlier settle; nothing more to do
	}
	if err != nil {
		return err
	}

	if p, perr := d.store.PostingForTask(d.ctx, j.TaskID); perr == nil {
		_ = d.store.UpdatePostingStatus(d.ctx, p.ID, market.PostingClosed)
	}
	d.appendActivity(j.TaskID, d.escrowActor(), market.ActPaymentSettled)
	if d.met != nil {
		d.met.Settlements.WithLabelValues("succeeded").Inc()
	}
	if workerID != "" {
		if err := d.Enqueue(d.ctx, market.DispatchJob{
			TaskID:   j.TaskID,
			Action:   market.ActionUpdateReputation,
			WorkerID: workerID,
			Success:  true,
		}); err != nil {
			log.Printf("dispatch: enqueue reputation for task %s: %v", j.TaskID, err)
		}
	}
	return nil
}

// releaseWithRetry calls Release with exponential backoff and jitter on
// transient backend faults, up to RetryMax attempts.
func (d *Dispatcher) releaseWithRetry(taskID, recipient string) (market.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if d.met != nil {
				d.met.EscrowRetries.Inc()
			}
			select {
			case <-time.After(d.backoff(attempt)):
			case <-d.ctx.Done():
				return market.Receipt{}, d.ctx.Err()
			}
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.EscrowTimeout)
		rcpt, err := d.esc.Release(ctx, taskID, recipient)
		cancel()
		if err == nil {
			return rcpt, nil
		}
		lastErr = err
		if !errors.Is(err, escrow.ErrBackendUnavailable) {
			return market.Receipt{}, err
		}
	}
	return market.Receipt{}, lastErr
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.cfg.RetryBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d.cfg.RetryBase)))
	return base + jitter
}

// refundQueued processes a refund that arrived through the durable queue
// (recovery path). Interactive refunds go through RunRefund.
func (d *Dispatcher) refundQueued(j market.DispatchJob) error {
	task, err := d.store.GetTask(d.ctx, j.TaskID)
	if err != nil {
		return err
	}
	if task.EscrowStatus != market.EscrowHeld {
		return nil
	}
	_, err = d.runRefundLocked(d.ctx, task, market.Event{
		Type:         market.EventRefundRequested,
		CallerWallet: task.CreatorWallet,
	})
	return err
}

// RunRefund executes a refund synchronously on behalf of a request handler,
// honoring per-task exclusivity with queued work. Errors bubble to the
// caller so the creator can retry.
func (d *Dispatcher) RunRefund(ctx context.Context, taskID string, ev market.Event) (market.Task, error) {
	m := d.taskLock(taskID)
	m.Lock()
	defer m.Unlock()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return market.Task{}, err
	}
	return d.runRefundLocked(ctx, task, ev)
}

func (d *Dispatcher) runRefundLocked(ctx context.Context, task market.Task, ev market.Event) (market.Task, error) {
	// Reject before touching the backend so an illegal refund never moves money.
	if _, _, err := market.Apply(task, ev); err != nil {
		return market.Task{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.EscrowTimeout)
	rcpt, err := d.esc.Refund(callCtx, task.ID)
	cancel()
	if errors.Is(err, escrow.ErrAlreadySettled) {
		if st, qerr := d.queryEscrow(task.ID); qerr == nil && st.Refunded {
			rcpt = market.Receipt{Ref: "recovered:" + task.ID}
			err = nil
		}
	}
	if err != nil {
		return market.Task{}, err
	}

	ev.Receipt = &rcpt
	updated, err := d.store.UpdateTaskTransactional(ctx, task.ID, func(t *market.Task) error {
		next, _, aerr := market.Apply(*t, ev)
		if aerr != nil {
			return aerr
		}
		*t = next
		return nil
	})
	if err != nil {
		return market.Task{}, err
	}
	if p, perr := d.store.PostingForTask(ctx, task.ID); perr == nil {
		_ = d.store.UpdatePostingStatus(ctx, p.ID, market.PostingClosed)
	}
	d.appendActivity(task.ID, d.escrowActor(), market.ActRefundProcessed)
	if d.met != nil {
		d.met.Refunds.Inc()
	}
	return updated, nil
}

// updateReputation adjusts the agent's counters and reputation, then writes
// the identity attributes through. Identity failure is non-fatal: logged and
// retried a bounded number of times.
func (d *Dispatcher) updateReputation(j market.DispatchJob) error {
	agent, err := d.store.UpdateAgent(d.ctx, j.WorkerID, func(a *market.Agent) error {
		if j.Success {
			a.TasksCompleted++
			a.Reputation = market.ClampReputation(a.Reputation + market.ReputationSuccessDelta)
		} else {
			a.TasksFailed++
			a.Reputation = market.ClampReputation(a.Reputation + market.ReputationFailureDelta)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !agent.IdentityRegistered || agent.IdentityNode == "" {
		return nil
	}

	attrs := map[string]string{
		identity.AttrReputation:     fmt.Sprintf("%d", agent.Reputation),
		identity.AttrTasksCompleted: fmt.Sprintf("%d", agent.TasksCompleted),
		identity.AttrTasksFailed:    fmt.Sprintf("%d", agent.TasksFailed),
	}
	for attempt := 0; attempt < d.cfg.IdentityRetryMax; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.IdentityTimeout)
		err = d.ident.UpdateAttributes(ctx, agent.IdentityNode, attrs)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, identity.ErrBackendUnavailable) {
			break
		}
		select {
		case <-time.After(d.backoff(attempt + 1)):
		case <-d.ctx.Done():
			return nil
		}
	}
	log.Printf("dispatch: identity attributes for %s not updated: %v", agent.Handle, err)
	return nil
}

// reconcileDeposit confirms a pending deposit that is already held on the
// backend (crash between deposit and commit, or a slow poster wallet).
func (d *Dispatcher) reconcileDeposit(j market.DispatchJob) error {
	task, err := d.store.GetTask(d.ctx, j.TaskID)
	if err != nil {
		return err
	}
	if task.Status != market.StatusOpen || task.EscrowStatus != market.EscrowPending {
		return nil
	}
	st, err := d.queryEscrow(j.TaskID)
	if errors.Is(err, escrow.ErrNotFound) {
		if !d.cfg.CustodialDeposits {
			return nil // still waiting on the depositor
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.EscrowTimeout)
		_, derr := d.esc.Deposit(ctx, j.TaskID, task.Budget, task.CreatorWallet)
		cancel()
		if derr != nil && !errors.Is(derr, escrow.ErrAlreadyDeposited) {
			return derr
		}
		st, err = d.queryEscrow(j.TaskID)
	}
	if err != nil {
		return err
	}
	if st.Released || st.Refunded || st.Amount < task.Budget {
		return nil
	}

	rcpt := market.Receipt{Ref: "reconciled:" + j.TaskID}
	_, err = d.store.UpdateTaskTransactional(d.ctx, j.TaskID, func(t *market.Task) error {
		next, _, aerr := market.Apply(*t, market.Event{Type: market.EventDepositConfirmed, Receipt: &rcpt})
		if aerr != nil {
			return aerr
		}
		next.EscrowAmount = st.Amount
		*t = next
		return nil
	})
	if errors.Is(err, market.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	d.appendActivity(j.TaskID, market.ActorSystem, market.ActEscrowHeld)
	return nil
}

// Recover scans for stranded work: tasks parked in settlement, open tasks
// with pending escrow, and durable queue items that never completed.
func (d *Dispatcher) Recover(ctx context.Context) error {
	pending, err := d.store.PendingDispatchJobs(ctx)
	if err != nil {
		return err
	}
	queued := make(map[string]bool, len(pending))
	for _, j := range pending {
		queued[j.TaskID+"/"+string(j.Action)] = true
		if !d.scheduled(j) {
			d.schedule(j)
		}
	}

	settling, err := d.store.ListTasksByStatus(ctx, market.StatusSettlement)
	if err != nil {
		return err
	}
	for _, t := range settling {
		if queued[t.ID+"/"+string(market.ActionSettle)] {
			continue
		}
		workerID := ""
		if len(t.WorkResults) > 0 {
			workerID = t.WorkResults[len(t.WorkResults)-1].WorkerID
		}
		if err := d.Enqueue(ctx, market.DispatchJob{TaskID: t.ID, Action: market.ActionSettle, WorkerID: workerID}); err != nil {
			log.Printf("dispatch: recover settle for task %s: %v", t.ID, err)
		}
	}

	open, err := d.store.ListTasksByStatus(ctx, market.StatusOpen)
	if err != nil {
		return err
	}
	for _, t := range open {
		if t.EscrowStatus != market.EscrowPending || queued[t.ID+"/"+string(market.ActionReconcileDeposit)] {
			continue
		}
		if err := d.Enqueue(ctx, market.DispatchJob{TaskID: t.ID, Action: market.ActionReconcileDeposit}); err != nil {
			log.Printf("dispatch: recover deposit for task %s: %v", t.ID, err)
		}
	}
	return nil
}

// scheduled reports whether the job is already queued or executing.
func (d *Dispatcher) scheduled(j market.DispatchJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[j.ID]
}

func (d *Dispatcher) queryEscrow(taskID string) (escrow.State, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.EscrowTimeout)
	defer cancel()
	return d.esc.Query(ctx, taskID)
}

func (d *Dispatcher) escrowActor() string {
	return "escrow:" + d.esc.Backend()
}

func (d *Dispatcher) appendActivity(taskID, actor, action string) {
	if _, err := d.store.AppendActivity(d.ctx, market.Activity{
		ActorID: actor,
		TaskID:  taskID,
		Action:  action,
	}); err != nil {
		log.Printf("dispatch: activity %s for task %s: %v", action, taskID, err)
	}
}
