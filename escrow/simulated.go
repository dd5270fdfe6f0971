package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"agentmarket-backend/core/market"
)

// Simulated is an in-process escrow backend producing deterministic receipts.
// Used in tests and local runs. Both the custodial and the verifying paths
// work: VerifyDeposit accepts any external ref whose depositor and amount
// match a prior Deposit, or records the deposit itself when none exists.
type Simulated struct {
	mu    sync.Mutex
	seq   uint64
	state map[string]*State
	// balance per depositor wallet; empty map means unlimited funds.
	balances map[string]int64
}

// NewSimulated returns an empty simulated backend with unlimited depositor funds.
func NewSimulated() *Simulated {
	return &Simulated{state: make(map[string]*State)}
}

// SetBalance caps a depositor's funds; deposits beyond it fail with
// ErrInsufficientFunds.
func (s *Simulated) SetBalance(wallet string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances == nil {
		s.balances = make(map[string]int64)
	}
	s.balances[market.CanonWallet(wallet)] = amount
}

// Backend names the variant.
func (s *Simulated) Backend() string { return "simulated" }

// Deposit records escrow for the task.
func (s *Simulated) Deposit(_ context.Context, taskID string, amount int64, depositor string) (market.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ChannelKey(taskID)
	if _, ok := s.state[key]; ok {
		return market.Receipt{}, ErrAlreadyDeposited
	}
	wallet := market.CanonWallet(depositor)
	if s.balances != nil {
		if bal, ok := s.balances[wallet]; ok {
			if bal < amount {
				return market.Receipt{}, ErrInsufficientFunds
			}
			s.balances[wallet] = bal - amount
		}
	}
	s.state[key] = &State{Depositor: wallet, Amount: amount}
	return s.receipt("deposit", key), nil
}

// VerifyDeposit checks an externally attested deposit. The simulated backend
// treats the external ref as authoritative: a matching seeded deposit
// verifies, and an unseeded task verifies by recording the claimed deposit.
func (s *Simulated) VerifyDeposit(_ context.Context, taskID, externalRef, expectedDepositor string, expectedAmount int64) (market.Receipt, error) {
	if externalRef == "" {
		return market.Receipt{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ChannelKey(taskID)
	st, ok := s.state[key]
	if !ok {
		s.state[key] = &State{Depositor: market.CanonWallet(expectedDepositor), Amount: expectedAmount}
		return s.receipt("verify", key), nil
	}
	if st.Amount != expectedAmount {
		return market.Receipt{}, ErrAmountMismatch
	}
	if !market.SameWallet(st.Depositor, expectedDepositor) {
		return market.Receipt{}, ErrDepositorMismatch
	}
	return s.receipt("verify", key), nil
}

// Release pays the held amount to recipient.
func (s *Simulated) Release(_ context.Context, taskID, recipient string) (market.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ChannelKey(taskID)
	st, ok := s.state[key]
	if !ok {
		return market.Receipt{}, ErrNotHeld
	}
	if st.Released || st.Refunded {
		return market.Receipt{}, ErrAlreadySettled
	}
	st.Released = true
	if s.balances != nil {
		s.balances[market.CanonWallet(recipient)] += st.Amount
	}
	return s.receipt("release", key), nil
}

// Refund returns the held amount to the depositor.
func (s *Simulated) Refund(_ context.Context, taskID string) (market.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ChannelKey(taskID)
	st, ok := s.state[key]
	if !ok {
		return market.Receipt{}, ErrNotHeld
	}
	if st.Released || st.Refunded {
		return market.Receipt{}, ErrAlreadySettled
	}
	st.Refunded = true
	if s.balances != nil {
		s.balances[st.Depositor] += st.Amount
	}
	return s.receipt("refund", key), nil
}

// Query returns the backend-side escrow state.
func (s *Simulated) Query(_ context.Context, taskID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[ChannelKey(taskID)]
	if !ok {
		return State{}, ErrNotFound
	}
	return *st, nil
}

// receipt builds a deterministic receipt: the ref is a hash of the operation,
// the key, and the sequence number. Callers hold the lock.
func (s *Simulated) receipt(op, key string) market.Receipt {
	s.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", op, key, s.seq)))
	ref := "sim-" + hex.EncodeToString(sum[:8])
	return market.Receipt{Ref: ref, Sequence: s.seq, URL: "simulated://" + ref}
}
