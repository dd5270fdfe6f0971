package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"agentmarket-backend/coordinator"
	"agentmarket-backend/core/market"
	"agentmarket-backend/dispatch"
	"agentmarket-backend/escrow"
	"agentmarket-backend/identity"
	"agentmarket-backend/metrics"
	store "agentmarket-backend/storage/market"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
	esc   *escrow.Simulated
	ident *identity.Simulated
	disp  *dispatch.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	esc := escrow.NewSimulated()
	ident := identity.NewSimulated()
	met := metrics.New()
	disp := dispatch.New(st, esc, identity.NewLocked(ident), met, dispatch.Config{
		MaxConcurrent: 4,
		RetryMax:      5,
		RetryBase:     5 * time.Millisecond,
	})
	svc := coordinator.New(st, esc, identity.NewLocked(ident), disp, coordinator.Config{
		CustodialEscrow: true,
	})
	mux := http.NewServeMux()
	NewServer(svc, met).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, esc: esc, ident: ident, disp: disp}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) registerWorker(t *testing.T, handle, wallet string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/agents", map[string]interface{}{
		"handle": handle,
		"wallet": wallet,
		"role":   "worker",
		"skills": []string{"text-summarization"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register worker: status %d body %v", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func (e *testEnv) createJob(t *testing.T, creator string, budget int64) (jobID, taskID string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/jobboard", map[string]interface{}{
		"title":          "Summarize",
		"description":    "Summarize the attached document",
		"budget":         budget,
		"requiredSkills": []string{"text-summarization"},
		"creatorWallet":  creator,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: status %d body %v", resp.StatusCode, body)
	}
	task := body["task"].(map[string]interface{})
	posting := body["posting"].(map[string]interface{})
	return posting["id"].(string), task["id"].(string)
}

func (e *testEnv) bid(t *testing.T, jobID, workerID string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/jobboard/"+jobID+"/bid", map[string]interface{}{
		"workerId":       workerID,
		"workerHandle":   "summariser.acn.eth",
		"message":        "I can do this",
		"relevanceScore": 80,
		"estimatedTime":  "1h",
		"proposedAmount": 80,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bid: status %d body %v", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func (e *testEnv) waitTaskStatus(t *testing.T, taskID, want string) market.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.store.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := e.store.GetTask(context.Background(), taskID)
	t.Fatalf("task never reached %s, stuck at %s/%s", want, task.Status, task.EscrowStatus)
	return market.Task{}
}

func TestHappyPathSettlement(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "summariser.acn.eth", "0x1111111111111111111111111111111111111111")
	jobID, taskID := env.createJob(t, "0xAAA", 100)

	// Custodial deposit lands at create time.
	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != market.StatusOpen || task.EscrowStatus != market.EscrowHeld {
		t.Fatalf("expected open/held after custodial create, got %s/%s", task.Status, task.EscrowStatus)
	}

	bidID := env.bid(t, jobID, workerID)
	resp, _ := env.do(t, http.MethodPost, "/jobboard/"+jobID+"/accept", map[string]interface{}{
		"bidId":        bidID,
		"callerWallet": "0xAAA",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: status %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/tasks/"+taskID+"/work", map[string]interface{}{
		"workerId": workerID,
		"result":   map[string]string{"summary": "the document says hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit work: status %d", resp.StatusCode)
	}

	task = env.waitTaskStatus(t, taskID, market.StatusCompleted)
	if task.EscrowStatus != market.EscrowReleased {
		t.Fatalf("expected released, got %s", task.EscrowStatus)
	}
	if task.SettlementRef == nil || task.SettlementRef.Ref == "" {
		t.Fatalf("settlement ref missing")
	}

	// Reputation catches up asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		agent, _ := env.store.GetAgent(context.Background(), workerID)
		if agent.TasksCompleted == 1 && agent.Reputation == 52 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	agent, _ := env.store.GetAgent(context.Background(), workerID)
	t.Fatalf("reputation not updated: rep=%d completed=%d", agent.Reputation, agent.TasksCompleted)
}

func TestUnauthorizedAcceptLeavesTaskUnchanged(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")
	jobID, taskID := env.createJob(t, "0xAAA", 100)
	bidID := env.bid(t, jobID, workerID)

	resp, _ := env.do(t, http.MethodPost, "/jobboard/"+jobID+"/accept", map[string]interface{}{
		"bidId":        bidID,
		"callerWallet": "0xBBB",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != market.StatusOpen {
		t.Fatalf("task must be unchanged, got %s", task.Status)
	}
	bid, _ := env.store.GetBid(context.Background(), bidID)
	if bid.Accepted {
		t.Fatalf("bid must not be accepted")
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	w1 := env.registerWorker(t, "w1.acn.eth", "0x1111111111111111111111111111111111111111")
	w2 := env.registerWorker(t, "w2.acn.eth", "0x2222222222222222222222222222222222222222")
	jobID, _ := env.createJob(t, "0xAAA", 100)
	b1 := env.bid(t, jobID, w1)
	b2 := env.bid(t, jobID, w2)

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i, bidID := range []string{b1, b2} {
		wg.Add(1)
		go func(i int, bidID string) {
			defer wg.Done()
			resp, _ := env.do(t, http.MethodPost, "/jobboard/"+jobID+"/accept", map[string]interface{}{
				"bidId":        bidID,
				"callerWallet": "0xAAA",
			})
			codes[i] = resp.StatusCode
		}(i, bidID)
	}
	wg.Wait()

	var ok, conflict int
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one 200 and one 409, got %v", codes)
	}

	bids, _ := env.store.ListBidsByJob(context.Background(), jobID)
	accepted := 0
	for _, b := range bids {
		if b.Accepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted bid, got %d", accepted)
	}
}

func TestRefundWhileInProgress(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")
	jobID, taskID := env.createJob(t, "0xAAA", 100)
	bidID := env.bid(t, jobID, workerID)
	env.do(t, http.MethodPost, "/jobboard/"+jobID+"/accept", map[string]interface{}{
		"bidId": bidID, "callerWallet": "0xAAA",
	})

	resp, _ := env.do(t, http.MethodPost, "/tasks/"+taskID+"/refund", map[string]interface{}{
		"callerWallet": "0xaaa",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund: status %d", resp.StatusCode)
	}
	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != market.StatusReversed || task.EscrowStatus != market.EscrowRefunded {
		t.Fatalf("expected reversed/refunded, got %s/%s", task.Status, task.EscrowStatus)
	}
	if task.SettlementRef == nil {
		t.Fatalf("refund receipt missing")
	}

	feed, _ := env.store.ListActivityByTasks(context.Background(), []string{taskID}, 0)
	var sawRefund bool
	for _, a := range feed {
		if a.Action == market.ActRefundProcessed {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Fatalf("expected REFUND_PROCESSED in activity: %+v", feed)
	}
}

func TestRefundAuthorizationAndState(t *testing.T) {
	env := newTestEnv(t)
	_, taskID := env.createJob(t, "0xAAA", 100)

	resp, _ := env.do(t, http.MethodPost, "/tasks/"+taskID+"/refund", map[string]interface{}{
		"callerWallet": "0xBBB",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-creator refund: expected 403, got %d", resp.StatusCode)
	}

	// Force the escrow out of held to exercise the state guard.
	env.do(t, http.MethodPost, "/tasks/"+taskID+"/refund", map[string]interface{}{"callerWallet": "0xAAA"})
	resp, _ = env.do(t, http.MethodPost, "/tasks/"+taskID+"/refund", map[string]interface{}{"callerWallet": "0xAAA"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("refund on non-held escrow: expected 400, got %d", resp.StatusCode)
	}
}

func TestZeroBudgetRejected(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/jobboard", map[string]interface{}{
		"title":         "Free work",
		"budget":        0,
		"creatorWallet": "0xAAA",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero budget, got %d", resp.StatusCode)
	}
}

func TestAgentUpsertIdempotent(t *testing.T) {
	env := newTestEnv(t)
	resp, first := env.do(t, http.MethodPost, "/agents", map[string]interface{}{
		"handle": "w.acn.eth", "wallet": "0x1111111111111111111111111111111111111111", "role": "worker",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upsert: %d", resp.StatusCode)
	}
	resp, second := env.do(t, http.MethodPost, "/agents", map[string]interface{}{
		"handle": "w.acn.eth", "wallet": "0x1111111111111111111111111111111111111111", "role": "worker",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second upsert: %d", resp.StatusCode)
	}
	if first["id"] != second["id"] {
		t.Fatalf("expected same agent id, got %v vs %v", first["id"], second["id"])
	}
	// At most one identity registration for the handle.
	if _, err := env.ident.Lookup(context.Background(), "w.acn.eth"); err != nil {
		t.Fatalf("identity not registered: %v", err)
	}
}

func TestSubmitWorkTwiceSettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")
	jobID, taskID := env.createJob(t, "0xAAA", 100)
	bidID := env.bid(t, jobID, workerID)
	env.do(t, http.MethodPost, "/jobboard/"+jobID+"/accept", map[string]interface{}{
		"bidId": bidID, "callerWallet": "0xAAA",
	})

	payload := map[string]interface{}{
		"workerId": workerID,
		"result":   map[string]string{"summary": "done"},
	}
	for i := 0; i < 2; i++ {
		resp, body := env.do(t, http.MethodPost, "/tasks/"+taskID+"/work", payload)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("submit %d: status %d body %v", i, resp.StatusCode, body)
		}
	}
	env.waitTaskStatus(t, taskID, market.StatusCompleted)
	// Give any duplicate settle a chance to run before counting.
	time.Sleep(100 * time.Millisecond)

	feed, _ := env.store.ListActivityByTasks(context.Background(), []string{taskID}, 0)
	settled := 0
	for _, a := range feed {
		if a.Action == market.ActPaymentSettled {
			settled++
		}
	}
	if settled != 1 {
		t.Fatalf("expected exactly one PAYMENT_SETTLED, got %d", settled)
	}
}

func TestTaskDetailRedactsResultsForNonCreator(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")
	jobID, taskID := env.createJob(t, "0xAAA", 100)
	bidID := env.bid(t, jobID, workerID)
	env.do(t, http.MethodPost, "/jobboard/"+jobID+"/accept", map[string]interface{}{
		"bidId": bidID, "callerWallet": "0xAAA",
	})
	env.do(t, http.MethodPost, "/tasks/"+taskID+"/work", map[string]interface{}{
		"workerId": workerID,
		"result":   map[string]string{"summary": "secret"},
	})
	env.waitTaskStatus(t, taskID, market.StatusCompleted)

	resp, body := env.do(t, http.MethodGet, "/tasks/"+taskID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail without caller: %d", resp.StatusCode)
	}
	if _, ok := body["work_results"]; ok && body["work_results"] != nil {
		t.Fatalf("work results leaked to anonymous caller: %v", body["work_results"])
	}
	if body["has_results"] != true {
		t.Fatalf("expected has_results=true, got %v", body["has_results"])
	}

	resp, body = env.do(t, http.MethodGet, "/tasks/"+taskID+"?address=0xaaa", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail as creator: %d", resp.StatusCode)
	}
	if body["work_results"] == nil {
		t.Fatalf("creator must see work results")
	}
}

func TestListTasksRequiresAddress(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/tasks", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without address, got %d", resp.StatusCode)
	}

	env.createJob(t, "0xAAA", 100)
	resp, body := env.do(t, http.MethodGet, "/tasks?address=0xBBB", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if n := body["total_count"].(float64); n != 0 {
		t.Fatalf("expected empty list for other wallet, got %v", n)
	}
}

func TestActivityFeedScopedToCreator(t *testing.T) {
	env := newTestEnv(t)
	_, taskA := env.createJob(t, "0xAAA", 100)
	env.createJob(t, "0xBBB", 100)

	resp, body := env.do(t, http.MethodGet, "/tasks/activity/feed?address=0xaaa", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feed: %d", resp.StatusCode)
	}
	raw, _ := json.Marshal(body["activity"])
	var feed []market.Activity
	if err := json.Unmarshal(raw, &feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed) == 0 {
		t.Fatalf("expected activity for creator")
	}
	for _, a := range feed {
		if a.TaskID != taskA {
			t.Fatalf("feed leaked another creator's task: %+v", a)
		}
	}
}

func TestJobBoardWorldReadable(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")
	jobID, _ := env.createJob(t, "0xAAA", 100)
	env.bid(t, jobID, workerID)

	resp, body := env.do(t, http.MethodGet, "/jobboard", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jobboard: %d", resp.StatusCode)
	}
	jobs := body["jobs"].([]interface{})
	if len(jobs) != 1 {
		t.Fatalf("expected one posting, got %d", len(jobs))
	}
	entry := jobs[0].(map[string]interface{})
	if entry["escrow_status"] != market.EscrowHeld {
		t.Fatalf("expected escrow status on the board, got %v", entry["escrow_status"])
	}
	if len(entry["bids"].([]interface{})) != 1 {
		t.Fatalf("expected bids on the board")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["timestamp"] == nil {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestIdentityLookupPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")

	resp, body := env.do(t, http.MethodGet, "/identity/lookup/w.acn.eth", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup: %d body %v", resp.StatusCode, body)
	}
	if body["node_ref"] == nil || body["node_ref"] == "" {
		t.Fatalf("expected node ref, got %v", body)
	}

	resp, _ = env.do(t, http.MethodGet, "/identity/lookup/nobody.acn.eth", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown handle: expected 404, got %d", resp.StatusCode)
	}
}

func TestEscrowConfirmFlowForExternalDeposit(t *testing.T) {
	// A verifying deployment: the coordinator does not hold a signer.
	st := store.NewMemoryStore()
	esc := escrow.NewSimulated()
	ident := identity.NewSimulated()
	disp := dispatch.New(st, esc, identity.NewLocked(ident), nil, dispatch.Config{
		MaxConcurrent: 2,
		RetryMax:      3,
		RetryBase:     5 * time.Millisecond,
	})
	svc := coordinator.New(st, esc, identity.NewLocked(ident), disp, coordinator.Config{
		CustodialEscrow: false,
	})
	mux := http.NewServeMux()
	NewServer(svc, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	env := &testEnv{srv: srv, store: st, esc: esc, ident: ident, disp: disp}

	jobID, taskID := env.createJob(t, "0xAAA", 100)
	task, _ := st.GetTask(context.Background(), taskID)
	if task.EscrowStatus != market.EscrowPending {
		t.Fatalf("verifying variant must leave escrow pending, got %s", task.EscrowStatus)
	}

	// Wrong depositor is rejected.
	if _, err := esc.Deposit(context.Background(), taskID, 100, "0xAAA"); err != nil {
		t.Fatalf("seed external deposit: %v", err)
	}
	resp, _ := env.do(t, http.MethodPost, "/jobboard/"+jobID+"/confirm-escrow", map[string]interface{}{
		"externalRef": "0xext", "depositorWallet": "0xBBB",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("depositor mismatch: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/jobboard/"+jobID+"/confirm-escrow", map[string]interface{}{
		"externalRef": "0xext", "depositorWallet": "0xaaa",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm escrow: %d", resp.StatusCode)
	}
	task, _ = st.GetTask(context.Background(), taskID)
	if task.EscrowStatus != market.EscrowHeld {
		t.Fatalf("expected held after confirm, got %s", task.EscrowStatus)
	}
}

func TestAdminForceCloseRefundsAndChargesReputation(t *testing.T) {
	env := newTestEnv(t)
	workerID := env.registerWorker(t, "w.acn.eth", "0x1111111111111111111111111111111111111111")
	_, taskID := env.createJob(t, "0xAAA", 100)

	// Park the task in review the way an exhausted settlement would.
	_, err := env.store.UpdateTaskTransactional(context.Background(), taskID, func(cur *market.Task) error {
		cur.Status = market.StatusReview
		cur.AssignedAgents = []string{workerID}
		return nil
	})
	if err != nil {
		t.Fatalf("seed review state: %v", err)
	}

	resp, _ := env.do(t, http.MethodPatch, "/tasks/"+taskID+"/status", map[string]interface{}{
		"status":  market.StatusReversed,
		"agentId": workerID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force close: status %d", resp.StatusCode)
	}
	task, _ := env.store.GetTask(context.Background(), taskID)
	if task.Status != market.StatusReversed || task.EscrowStatus != market.EscrowRefunded {
		t.Fatalf("expected reversed/refunded, got %s/%s", task.Status, task.EscrowStatus)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		agent, _ := env.store.GetAgent(context.Background(), workerID)
		if agent.TasksFailed == 1 {
			if agent.Reputation != 45 {
				t.Fatalf("expected reputation 45 after failure, got %d", agent.Reputation)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failure reputation never applied")
}

func TestPaymentDetailsReturnsQR(t *testing.T) {
	env := newTestEnv(t)
	jobID, taskID := env.createJob(t, "0xAAA", 100)

	resp, body := env.do(t, http.MethodGet, fmt.Sprintf("/jobboard/%s/payment-details", jobID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment details: %d", resp.StatusCode)
	}
	payment := body["payment"].(map[string]interface{})
	if payment["task_id"] != taskID || payment["amount"].(float64) != 100 {
		t.Fatalf("unexpected payment details: %v", payment)
	}
	if body["qr_png"] == nil || body["qr_png"] == "" {
		t.Fatalf("expected QR code payload")
	}
}
