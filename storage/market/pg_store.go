package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket-backend/core/market"
)

// PGStore persists marketplace state in Postgres. Per-task serialization is
// delegated to row locks: UpdateTaskTransactional runs fn inside a
// transaction holding SELECT ... FOR UPDATE on the task row.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS mk_agents (
  id TEXT PRIMARY KEY,
  handle TEXT NOT NULL,
  wallet TEXT,
  role TEXT,
  skills TEXT[],
  reputation INT NOT NULL DEFAULT 50,
  tasks_completed INT NOT NULL DEFAULT 0,
  tasks_failed INT NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  max_liability BIGINT NOT NULL DEFAULT 0,
  identity_registered BOOLEAN NOT NULL DEFAULT FALSE,
  identity_node TEXT,
  description TEXT,
  attributes JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mk_agents_handle ON mk_agents(LOWER(handle));
CREATE TABLE IF NOT EXISTS mk_tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT,
  budget BIGINT NOT NULL,
  status TEXT NOT NULL,
  creator_wallet TEXT NOT NULL,
  assigned_agents TEXT[],
  work_results JSONB,
  escrow_amount BIGINT NOT NULL DEFAULT 0,
  escrow_status TEXT NOT NULL,
  settlement_ref JSONB,
  settled_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mk_tasks_creator ON mk_tasks(LOWER(creator_wallet));
CREATE INDEX IF NOT EXISTS idx_mk_tasks_status ON mk_tasks(status);
CREATE TABLE IF NOT EXISTS mk_postings (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  creator_wallet TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT,
  budget BIGINT NOT NULL,
  required_skills TEXT[],
  status TEXT NOT NULL,
  posted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mk_postings_task ON mk_postings(task_id);
CREATE TABLE IF NOT EXISTS mk_bids (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  worker_id TEXT NOT NULL,
  worker_handle TEXT,
  message TEXT,
  relevance_score INT NOT NULL DEFAULT 0,
  estimated_time TEXT,
  proposed_amount BIGINT NOT NULL DEFAULT 0,
  accepted BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mk_bids_job ON mk_bids(job_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mk_bids_one_accepted ON mk_bids(job_id) WHERE accepted;
CREATE TABLE IF NOT EXISTS mk_activity (
  id TEXT PRIMARY KEY,
  actor_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  action TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mk_activity_task ON mk_activity(task_id, created_at);
CREATE TABLE IF NOT EXISTS mk_dispatch_jobs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  action TEXT NOT NULL,
  worker_id TEXT,
  success BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertAgent inserts or updates an agent keyed by handle.
func (s *PGStore) UpsertAgent(ctx context.Context, a market.Agent) (market.Agent, bool, error) {
	existing, err := s.GetAgentByHandle(ctx, a.Handle)
	switch {
	case err == nil:
		updated, uerr := s.UpdateAgent(ctx, existing.ID, func(cur *market.Agent) error {
			if a.Wallet != "" {
				cur.Wallet = market.CanonWallet(a.Wallet)
			}
			if a.Role != "" {
				cur.Role = a.Role
			}
			if a.Skills != nil {
				cur.Skills = a.Skills
			}
			if a.MaxLiability > 0 {
				cur.MaxLiability = a.MaxLiability
			}
			if a.Description != "" {
				cur.Description = a.Description
			}
			if a.Attributes != nil {
				if cur.Attributes == nil {
					cur.Attributes = make(map[string]string)
				}
				for k, v := range a.Attributes {
					cur.Attributes[k] = v
				}
			}
			cur.Active = true
			return nil
		})
		return updated, false, uerr
	case !errors.Is(err, ErrAgentNotFound):
		return market.Agent{}, false, err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	attrsJSON, _ := json.Marshal(a.Attributes)
	_, err = s.pool.Exec(ctx, `
INSERT INTO mk_agents (id, handle, wallet, role, skills, reputation, tasks_completed, tasks_failed, active, max_liability, identity_registered, identity_node, description, attributes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,0,0,TRUE,$7,FALSE,'',$8,$9,$10)
`, a.ID, a.Handle, market.CanonWallet(a.Wallet), a.Role, a.Skills, market.DefaultReputation, a.MaxLiability, a.Description, attrsJSON, a.CreatedAt)
	if err != nil {
		// Concurrent insert on the same handle: fall back to the update path.
		if strings.Contains(err.Error(), "idx_mk_agents_handle") {
			return s.UpsertAgent(ctx, a)
		}
		return market.Agent{}, false, err
	}
	inserted, err := s.GetAgent(ctx, a.ID)
	return inserted, true, err
}

const agentColumns = `id, handle, wallet, role, skills, reputation, tasks_completed, tasks_failed, active, max_liability, identity_registered, identity_node, description, attributes, created_at`

func scanAgent(row pgx.Row) (market.Agent, error) {
	var a market.Agent
	var attrsJSON []byte
	err := row.Scan(&a.ID, &a.Handle, &a.Wallet, &a.Role, &a.Skills, &a.Reputation, &a.TasksCompleted, &a.TasksFailed, &a.Active, &a.MaxLiability, &a.IdentityRegistered, &a.IdentityNode, &a.Description, &attrsJSON, &a.CreatedAt)
	if err != nil {
		return market.Agent{}, err
	}
	if len(attrsJSON) > 0 {
		_ = json.Unmarshal(attrsJSON, &a.Attributes)
	}
	return a, nil
}

// GetAgent returns an agent by id.
func (s *PGStore) GetAgent(ctx context.Context, id string) (market.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM mk_agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Agent{}, ErrAgentNotFound
	}
	return a, err
}

// GetAgentByHandle returns an agent by its unique handle.
func (s *PGStore) GetAgentByHandle(ctx context.Context, handle string) (market.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM mk_agents WHERE LOWER(handle) = LOWER($1)`, strings.TrimSpace(handle)))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Agent{}, ErrAgentNotFound
	}
	return a, err
}

// ListAgents returns all agents sorted by handle.
func (s *PGStore) ListAgents(ctx context.Context) ([]market.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM mk_agents ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent applies fn to the agent row under FOR UPDATE.
func (s *PGStore) UpdateAgent(ctx context.Context, id string, fn func(*market.Agent) error) (market.Agent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Agent{}, err
	}
	defer tx.Rollback(ctx)

	a, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM mk_agents WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return market.Agent{}, err
	}
	if err := fn(&a); err != nil {
		return market.Agent{}, err
	}
	a.Reputation = market.ClampReputation(a.Reputation)
	attrsJSON, _ := json.Marshal(a.Attributes)
	_, err = tx.Exec(ctx, `
UPDATE mk_agents SET wallet=$2, role=$3, skills=$4, reputation=$5, tasks_completed=$6, tasks_failed=$7, active=$8, max_liability=$9, identity_registered=$10, identity_node=$11, description=$12, attributes=$13
WHERE id=$1
`, a.ID, a.Wallet, a.Role, a.Skills, a.Reputation, a.TasksCompleted, a.TasksFailed, a.Active, a.MaxLiability, a.IdentityRegistered, a.IdentityNode, a.Description, attrsJSON)
	if err != nil {
		return market.Agent{}, err
	}
	return a, tx.Commit(ctx)
}

// CreateTask stores a new task.
func (s *PGStore) CreateTask(ctx context.Context, t market.Task) error {
	resultsJSON, _ := json.Marshal(t.WorkResults)
	refJSON := receiptJSON(t.SettlementRef)
	_, err := s.pool.Exec(ctx, `
INSERT INTO mk_tasks (id, title, description, budget, status, creator_wallet, assigned_agents, work_results, escrow_amount, escrow_status, settlement_ref, settled_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, t.ID, t.Title, t.Description, t.Budget, t.Status, market.CanonWallet(t.CreatorWallet), t.AssignedAgents, resultsJSON, t.EscrowAmount, t.EscrowStatus, refJSON, t.SettledAt, t.CreatedAt)
	return err
}

const taskColumns = `id, title, description, budget, status, creator_wallet, assigned_agents, work_results, escrow_amount, escrow_status, settlement_ref, settled_at, created_at`

func scanTask(row pgx.Row) (market.Task, error) {
	var t market.Task
	var resultsJSON, refJSON []byte
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Budget, &t.Status, &t.CreatorWallet, &t.AssignedAgents, &resultsJSON, &t.EscrowAmount, &t.EscrowStatus, &refJSON, &t.SettledAt, &t.CreatedAt)
	if err != nil {
		return market.Task{}, err
	}
	if len(resultsJSON) > 0 {
		_ = json.Unmarshal(resultsJSON, &t.WorkResults)
	}
	if len(refJSON) > 0 {
		var r market.Receipt
		if json.Unmarshal(refJSON, &r) == nil && r.Ref != "" {
			t.SettlementRef = &r
		}
	}
	return t, nil
}

// GetTask returns a task by id.
func (s *PGStore) GetTask(ctx context.Context, id string) (market.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM mk_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, ErrTaskNotFound
	}
	return t, err
}

// ListTasksByCreator returns tasks created by the wallet, newest first.
func (s *PGStore) ListTasksByCreator(ctx context.Context, wallet string) ([]market.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM mk_tasks WHERE LOWER(creator_wallet) = LOWER($1) ORDER BY created_at DESC`, strings.TrimSpace(wallet))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByStatus returns tasks in any of the given statuses.
func (s *PGStore) ListTasksByStatus(ctx context.Context, statuses ...string) ([]market.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM mk_tasks WHERE status = ANY($1)`, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]market.Task, error) {
	var out []market.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskTransactional runs fn against the row locked FOR UPDATE and
// commits only if fn succeeds.
func (s *PGStore) UpdateTaskTransactional(ctx context.Context, id string, fn func(*market.Task) error) (market.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return market.Task{}, err
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM mk_tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return market.Task{}, err
	}
	if err := fn(&t); err != nil {
		return market.Task{}, err
	}

	resultsJSON, _ := json.Marshal(t.WorkResults)
	refJSON := receiptJSON(t.SettlementRef)
	_, err = tx.Exec(ctx, `
UPDATE mk_tasks SET status=$2, assigned_agents=$3, work_results=$4, escrow_amount=$5, escrow_status=$6, settlement_ref=$7, settled_at=$8
WHERE id=$1
`, t.ID, t.Status, t.AssignedAgents, resultsJSON, t.EscrowAmount, t.EscrowStatus, refJSON, t.SettledAt)
	if err != nil {
		return market.Task{}, err
	}
	return t, tx.Commit(ctx)
}

// CreatePosting stores a new job posting.
func (s *PGStore) CreatePosting(ctx context.Context, p market.JobPosting) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO mk_postings (id, task_id, creator_wallet, title, description, budget, required_skills, status, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, p.ID, p.TaskID, market.CanonWallet(p.CreatorWallet), p.Title, p.Description, p.Budget, p.RequiredSkills, p.Status, p.PostedAt)
	return err
}

const postingColumns = `id, task_id, creator_wallet, title, description, budget, required_skills, status, posted_at`

func scanPosting(row pgx.Row) (market.JobPosting, error) {
	var p market.JobPosting
	err := row.Scan(&p.ID, &p.TaskID, &p.CreatorWallet, &p.Title, &p.Description, &p.Budget, &p.RequiredSkills, &p.Status, &p.PostedAt)
	return p, err
}

// GetPosting returns a posting by id.
func (s *PGStore) GetPosting(ctx context.Context, id string) (market.JobPosting, error) {
	p, err := scanPosting(s.pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM mk_postings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.JobPosting{}, ErrPostingNotFound
	}
	return p, err
}

// PostingForTask returns the posting that shares the task's lifetime.
func (s *PGStore) PostingForTask(ctx context.Context, taskID string) (market.JobPosting, error) {
	p, err := scanPosting(s.pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM mk_postings WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.JobPosting{}, ErrPostingNotFound
	}
	return p, err
}

// ListPostings returns postings filtered by status and budget with
// pagination, newest first. Skill matching is case-insensitive and stays in
// process.
func (s *PGStore) ListPostings(ctx context.Context, f market.PostingFilter) ([]market.JobPosting, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+postingColumns+` FROM mk_postings
WHERE ($1 = '' OR status = $1) AND budget >= $2
ORDER BY posted_at DESC
LIMIT $3 OFFSET $4
`, f.Status, f.MinBudget, limit, max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.JobPosting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		if len(f.Skills) > 0 && !containsSkill(p.RequiredSkills, f.Skills) {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePostingStatus sets a posting's status.
func (s *PGStore) UpdatePostingStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE mk_postings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPostingNotFound
	}
	return nil
}

// AppendBid appends a bid under its posting while the posting is open.
func (s *PGStore) AppendBid(ctx context.Context, b market.Bid) error {
	p, err := s.GetPosting(ctx, b.JobID)
	if err != nil {
		return err
	}
	if p.Status != market.PostingOpen {
		return ErrPostingClosed
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mk_bids (id, job_id, worker_id, worker_handle, message, relevance_score, estimated_time, proposed_amount, accepted, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9)
`, b.ID, b.JobID, b.WorkerID, b.WorkerHandle, b.Message, b.RelevanceScore, b.EstimatedTime, b.ProposedAmount, b.CreatedAt)
	return err
}

const bidColumns = `id, job_id, worker_id, worker_handle, message, relevance_score, estimated_time, proposed_amount, accepted, created_at`

func scanBid(row pgx.Row) (market.Bid, error) {
	var b market.Bid
	err := row.Scan(&b.ID, &b.JobID, &b.WorkerID, &b.WorkerHandle, &b.Message, &b.RelevanceScore, &b.EstimatedTime, &b.ProposedAmount, &b.Accepted, &b.CreatedAt)
	return b, err
}

// GetBid returns a bid by id.
func (s *PGStore) GetBid(ctx context.Context, id string) (market.Bid, error) {
	b, err := scanBid(s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM mk_bids WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Bid{}, ErrBidNotFound
	}
	return b, err
}

// ListBidsByJob returns the job's bids in append order.
func (s *PGStore) ListBidsByJob(ctx context.Context, jobID string) ([]market.Bid, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bidColumns+` FROM mk_bids WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBidAccepted is a compare-and-set: the conditional update commits only
// when no bid on the job is accepted yet; the partial unique index backs the
// same invariant at the schema level.
func (s *PGStore) MarkBidAccepted(ctx context.Context, jobID, bidID string) (market.Bid, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE mk_bids SET accepted = TRUE
WHERE id = $1 AND job_id = $2
  AND NOT EXISTS (SELECT 1 FROM mk_bids WHERE job_id = $2 AND accepted)
`, bidID, jobID)
	if err != nil {
		if strings.Contains(err.Error(), "idx_mk_bids_one_accepted") {
			return market.Bid{}, ErrAlreadyAccepted
		}
		return market.Bid{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetBid(ctx, bidID); gerr != nil {
			return market.Bid{}, gerr
		}
		return market.Bid{}, ErrAlreadyAccepted
	}
	return s.GetBid(ctx, bidID)
}

// UnmarkBidAccepted reverts an acceptance.
func (s *PGStore) UnmarkBidAccepted(ctx context.Context, bidID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE mk_bids SET accepted = FALSE WHERE id = $1`, bidID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

// AppendActivity appends an immutable activity entry with a per-task
// monotonic timestamp.
func (s *PGStore) AppendActivity(ctx context.Context, a market.Activity) (market.Activity, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO mk_activity (id, actor_id, task_id, action, created_at)
VALUES ($1,$2,$3,$4, GREATEST($5::timestamptz, COALESCE((SELECT MAX(created_at) FROM mk_activity WHERE task_id = $3), $5::timestamptz)))
RETURNING created_at
`, a.ID, a.ActorID, a.TaskID, a.Action, a.CreatedAt).Scan(&a.CreatedAt)
	return a, err
}

// ListActivityByTasks returns entries for the given tasks, newest first.
func (s *PGStore) ListActivityByTasks(ctx context.Context, taskIDs []string, limit int) ([]market.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, actor_id, task_id, action, created_at FROM mk_activity
WHERE task_id = ANY($1)
ORDER BY created_at DESC
LIMIT $2
`, taskIDs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Activity
	for rows.Next() {
		var a market.Activity
		if err := rows.Scan(&a.ID, &a.ActorID, &a.TaskID, &a.Action, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EnqueueDispatchJob persists a queue item for the dispatcher.
func (s *PGStore) EnqueueDispatchJob(ctx context.Context, j market.DispatchJob) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO mk_dispatch_jobs (id, task_id, action, worker_id, success, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, j.ID, j.TaskID, j.Action, j.WorkerID, j.Success, j.CreatedAt)
	return err
}

// PendingDispatchJobs returns queued items in enqueue order.
func (s *PGStore) PendingDispatchJobs(ctx context.Context) ([]market.DispatchJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, task_id, action, worker_id, success, created_at FROM mk_dispatch_jobs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.DispatchJob
	for rows.Next() {
		var j market.DispatchJob
		if err := rows.Scan(&j.ID, &j.TaskID, &j.Action, &j.WorkerID, &j.Success, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CompleteDispatchJob removes a finished queue item.
func (s *PGStore) CompleteDispatchJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mk_dispatch_jobs WHERE id = $1`, id)
	return err
}

func receiptJSON(r *market.Receipt) []byte {
	if r == nil {
		return nil
	}
	b, _ := json.Marshal(r)
	return b
}
