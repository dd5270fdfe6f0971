package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmarket-backend/core/market"
)

// MemoryStore holds marketplace data in process with proper concurrency
// control. A single RWMutex guards the maps; per-task serialization for
// transactional updates uses a keyed mutex so unrelated tasks never contend.
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]market.Agent // by id
	byHandle  map[string]string       // handle (lowercased) -> agent id
	tasks     map[string]market.Task
	postings  map[string]market.JobPosting
	bids      map[string]market.Bid
	bidOrder  map[string][]string // jobID -> bid ids in append order
	activity  []market.Activity
	lastStamp map[string]time.Time // taskID -> last activity timestamp
	jobs      map[string]market.DispatchJob
	jobOrder  []string

	taskLocks *keyedMutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]market.Agent),
		byHandle:  make(map[string]string),
		tasks:     make(map[string]market.Task),
		postings:  make(map[string]market.JobPosting),
		bids:      make(map[string]market.Bid),
		bidOrder:  make(map[string][]string),
		lastStamp: make(map[string]time.Time),
		jobs:      make(map[string]market.DispatchJob),
		taskLocks: newKeyedMutex(),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// UpsertAgent inserts or updates an agent keyed by handle. On insert it
// assigns defaults: reputation 50, zero counters, identity unregistered.
func (s *MemoryStore) UpsertAgent(_ context.Context, a market.Agent) (market.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handleKey := strings.ToLower(strings.TrimSpace(a.Handle))
	if id, ok := s.byHandle[handleKey]; ok {
		existing := s.agents[id]
		if a.Wallet != "" {
			existing.Wallet = market.CanonWallet(a.Wallet)
		}
		if a.Role != "" {
			existing.Role = a.Role
		}
		if a.Skills != nil {
			existing.Skills = append([]string(nil), a.Skills...)
		}
		if a.MaxLiability > 0 {
			existing.MaxLiability = a.MaxLiability
		}
		if a.Description != "" {
			existing.Description = a.Description
		}
		if a.Attributes != nil {
			if existing.Attributes == nil {
				existing.Attributes = make(map[string]string)
			}
			for k, v := range a.Attributes {
				existing.Attributes[k] = v
			}
		}
		existing.Active = true
		s.agents[id] = existing
		return cloneAgent(existing), false, nil
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Wallet = market.CanonWallet(a.Wallet)
	a.Reputation = market.DefaultReputation
	a.TasksCompleted = 0
	a.TasksFailed = 0
	a.Active = true
	a.IdentityRegistered = false
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.agents[a.ID] = a
	s.byHandle[handleKey] = a.ID
	return cloneAgent(a), true, nil
}

// GetAgent returns an agent by id.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (market.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return market.Agent{}, ErrAgentNotFound
	}
	return cloneAgent(a), nil
}

// GetAgentByHandle returns an agent by its unique handle.
func (s *MemoryStore) GetAgentByHandle(_ context.Context, handle string) (market.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHandle[strings.ToLower(strings.TrimSpace(handle))]
	if !ok {
		return market.Agent{}, ErrAgentNotFound
	}
	return cloneAgent(s.agents[id]), nil
}

// ListAgents returns all agents sorted by handle.
func (s *MemoryStore) ListAgents(_ context.Context) ([]market.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// UpdateAgent applies fn to the agent under the write lock.
func (s *MemoryStore) UpdateAgent(_ context.Context, id string, fn func(*market.Agent) error) (market.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return market.Agent{}, ErrAgentNotFound
	}
	if err := fn(&a); err != nil {
		return market.Agent{}, err
	}
	a.Reputation = market.ClampReputation(a.Reputation)
	s.agents[id] = a
	return cloneAgent(a), nil
}

// CreateTask stores a new task.
func (s *MemoryStore) CreateTask(_ context.Context, t market.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicateID
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask returns a task by id.
func (s *MemoryStore) GetTask(_ context.Context, id string) (market.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return market.Task{}, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListTasksByCreator returns tasks created by the wallet, newest first.
func (s *MemoryStore) ListTasksByCreator(_ context.Context, wallet string) ([]market.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []market.Task
	for _, t := range s.tasks {
		if market.SameWallet(t.CreatorWallet, wallet) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListTasksByStatus returns tasks in any of the given statuses.
func (s *MemoryStore) ListTasksByStatus(_ context.Context, statuses ...string) ([]market.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []market.Task
	for _, t := range s.tasks {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, cloneTask(t))
				break
			}
		}
	}
	return out, nil
}

// UpdateTaskTransactional reads the task, runs fn, and commits the result.
// The per-task lock is held for the duration of fn so reads and writes to a
// given task are serialized.
func (s *MemoryStore) UpdateTaskTransactional(_ context.Context, id string, fn func(*market.Task) error) (market.Task, error) {
	unlock := s.taskLocks.Lock(id)
	defer unlock()

	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return market.Task{}, ErrTaskNotFound
	}

	t = cloneTask(t)
	if err := fn(&t); err != nil {
		return market.Task{}, err
	}

	s.mu.Lock()
	s.tasks[id] = cloneTask(t)
	s.mu.Unlock()
	return t, nil
}

// CreatePosting stores a new job posting.
func (s *MemoryStore) CreatePosting(_ context.Context, p market.JobPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.postings[p.ID]; ok {
		return ErrDuplicateID
	}
	s.postings[p.ID] = p
	return nil
}

// GetPosting returns a posting by id.
func (s *MemoryStore) GetPosting(_ context.Context, id string) (market.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.postings[id]
	if !ok {
		return market.JobPosting{}, ErrPostingNotFound
	}
	return p, nil
}

// PostingForTask returns the posting that shares the task's lifetime.
func (s *MemoryStore) PostingForTask(_ context.Context, taskID string) (market.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.postings {
		if p.TaskID == taskID {
			return p, nil
		}
	}
	return market.JobPosting{}, ErrPostingNotFound
}

// ListPostings returns postings filtered by status, skills, and budget with
// pagination, newest first.
func (s *MemoryStore) ListPostings(_ context.Context, f market.PostingFilter) ([]market.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.JobPosting, 0, len(s.postings))
	for _, p := range s.postings {
		if f.Status != "" && !strings.EqualFold(f.Status, p.Status) {
			continue
		}
		if len(f.Skills) > 0 && !containsSkill(p.RequiredSkills, f.Skills) {
			continue
		}
		if f.MinBudget > 0 && p.Budget < f.MinBudget {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })

	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		start = len(out)
	}
	end := start + f.Limit
	if f.Limit == 0 || end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

// UpdatePostingStatus sets a posting's status.
func (s *MemoryStore) UpdatePostingStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[id]
	if !ok {
		return ErrPostingNotFound
	}
	p.Status = status
	s.postings[id] = p
	return nil
}

// AppendBid appends a bid under its posting. Bids are only accepted while the
// posting is open.
func (s *MemoryStore) AppendBid(_ context.Context, b market.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[b.JobID]
	if !ok {
		return ErrPostingNotFound
	}
	if p.Status != market.PostingOpen {
		return ErrPostingClosed
	}
	if _, ok := s.bids[b.ID]; ok {
		return ErrDuplicateID
	}
	s.bids[b.ID] = b
	s.bidOrder[b.JobID] = append(s.bidOrder[b.JobID], b.ID)
	return nil
}

// GetBid returns a bid by id.
func (s *MemoryStore) GetBid(_ context.Context, id string) (market.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bids[id]
	if !ok {
		return market.Bid{}, ErrBidNotFound
	}
	return b, nil
}

// ListBidsByJob returns the job's bids in append order.
func (s *MemoryStore) ListBidsByJob(_ context.Context, jobID string) ([]market.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bidOrder[jobID]
	out := make([]market.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.bids[id])
	}
	return out, nil
}

// MarkBidAccepted atomically accepts one bid per job. Concurrent acceptance
// attempts for the same job see ErrAlreadyAccepted.
func (s *MemoryStore) MarkBidAccepted(_ context.Context, jobID, bidID string) (market.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[bidID]
	if !ok || b.JobID != jobID {
		return market.Bid{}, ErrBidNotFound
	}
	for _, id := range s.bidOrder[jobID] {
		if s.bids[id].Accepted {
			return market.Bid{}, ErrAlreadyAccepted
		}
	}
	b.Accepted = true
	s.bids[bidID] = b
	return b, nil
}

// UnmarkBidAccepted reverts an acceptance. Used only to unwind a CAS winner
// whose task transition was beaten by a concurrent refund.
func (s *MemoryStore) UnmarkBidAccepted(_ context.Context, bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[bidID]
	if !ok {
		return ErrBidNotFound
	}
	b.Accepted = false
	s.bids[bidID] = b
	return nil
}

// AppendActivity appends an immutable activity entry. Timestamps for the same
// task never decrease: an entry committed after another gets at least the
// same timestamp.
func (s *MemoryStore) AppendActivity(_ context.Context, a market.Activity) (market.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if last, ok := s.lastStamp[a.TaskID]; ok && a.CreatedAt.Before(last) {
		a.CreatedAt = last
	}
	s.lastStamp[a.TaskID] = a.CreatedAt
	s.activity = append(s.activity, a)
	return a, nil
}

// ListActivityByTasks returns entries for the given tasks, newest first,
// bounded by limit.
func (s *MemoryStore) ListActivityByTasks(_ context.Context, taskIDs []string, limit int) ([]market.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	var out []market.Activity
	for i := len(s.activity) - 1; i >= 0; i-- {
		if want[s.activity[i].TaskID] {
			out = append(out, s.activity[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// EnqueueDispatchJob persists a queue item for the dispatcher.
func (s *MemoryStore) EnqueueDispatchJob(_ context.Context, j market.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrDuplicateID
	}
	s.jobs[j.ID] = j
	s.jobOrder = append(s.jobOrder, j.ID)
	return nil
}

// PendingDispatchJobs returns queued items in enqueue order.
func (s *MemoryStore) PendingDispatchJobs(_ context.Context) ([]market.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.DispatchJob, 0, len(s.jobs))
	for _, id := range s.jobOrder {
		if j, ok := s.jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

// CompleteDispatchJob removes a finished queue item.
func (s *MemoryStore) CompleteDispatchJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func containsSkill(all []string, skills []string) bool {
	for _, want := range skills {
		for _, have := range all {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return len(skills) == 0
}

func cloneAgent(a market.Agent) market.Agent {
	a.Skills = append([]string(nil), a.Skills...)
	if a.Attributes != nil {
		attrs := make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		a.Attributes = attrs
	}
	return a
}

func cloneTask(t market.Task) market.Task {
	t.AssignedAgents = append([]string(nil), t.AssignedAgents...)
	t.WorkResults = append([]market.WorkResult(nil), t.WorkResults...)
	if t.SettlementRef != nil {
		r := *t.SettlementRef
		t.SettlementRef = &r
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		t.SettledAt = &at
	}
	return t
}
