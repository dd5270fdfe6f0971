package escrow

import (
	"context"
	"fmt"
	"sync"

	"agentmarket-backend/core/market"
)

// Channel settles escrow over an off-chain payment channel. The channel has a
// fixed capacity funded out of band; deposits reserve from it and settlements
// produce sequence-numbered settlement ids instead of transaction hashes.
// Same interface, same guarantees, no chain round-trips.
type Channel struct {
	mu        sync.Mutex
	channelID string
	capacity  int64
	reserved  int64
	seq       uint64
	state     map[string]*State
}

// NewChannel opens a channel ledger with the given id and capacity. A
// capacity of 0 means unbounded.
func NewChannel(channelID string, capacity int64) *Channel {
	return &Channel{
		channelID: channelID,
		capacity:  capacity,
		state:     make(map[string]*State),
	}
}

// Backend names the variant.
func (c *Channel) Backend() string { return "channel" }

// Deposit reserves amount from the channel capacity under the task's key.
func (c *Channel) Deposit(_ context.Context, taskID string, amount int64, depositor string) (market.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ChannelKey(taskID)
	if _, ok := c.state[key]; ok {
		return market.Receipt{}, ErrAlreadyDeposited
	}
	if c.capacity > 0 && c.reserved+amount > c.capacity {
		return market.Receipt{}, ErrInsufficientFunds
	}
	c.reserved += amount
	c.state[key] = &State{Depositor: market.CanonWallet(depositor), Amount: amount}
	return c.receipt(key), nil
}

// VerifyDeposit checks a channel update the poster signed out of band. The
// external ref is the counterparty's update id; the ledger entry must already
// exist and match.
func (c *Channel) VerifyDeposit(_ context.Context, taskID, externalRef, expectedDepositor string, expectedAmount int64) (market.Receipt, error) {
	if externalRef == "" {
		return market.Receipt{}, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[ChannelKey(taskID)]
	if !ok {
		return market.Receipt{}, ErrNotFound
	}
	if st.Amount != expectedAmount {
		return market.Receipt{}, ErrAmountMismatch
	}
	if !market.SameWallet(st.Depositor, expectedDepositor) {
		return market.Receipt{}, ErrDepositorMismatch
	}
	return c.receipt(ChannelKey(taskID)), nil
}

// Release finalizes the reservation in the worker's favor.
func (c *Channel) Release(_ context.Context, taskID, recipient string) (market.Receipt, error) {
	_ = recipient // recipient is carried in the channel update, not the ledger
	return c.settle(taskID, func(st *State) { st.Released = true })
}

// Refund finalizes the reservation back to the depositor.
func (c *Channel) Refund(_ context.Context, taskID string) (market.Receipt, error) {
	return c.settle(taskID, func(st *State) { st.Refunded = true })
}

func (c *Channel) settle(taskID string, mark func(*State)) (market.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ChannelKey(taskID)
	st, ok := c.state[key]
	if !ok {
		return market.Receipt{}, ErrNotHeld
	}
	if st.Released || st.Refunded {
		return market.Receipt{}, ErrAlreadySettled
	}
	mark(st)
	c.reserved -= st.Amount
	return c.receipt(key), nil
}

// Query returns the ledger entry for the task.
func (c *Channel) Query(_ context.Context, taskID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[ChannelKey(taskID)]
	if !ok {
		return State{}, ErrNotFound
	}
	return *st, nil
}

func (c *Channel) receipt(key string) market.Receipt {
	c.seq++
	ref := fmt.Sprintf("chan-%s-%d", c.channelID, c.seq)
	return market.Receipt{Ref: ref, Sequence: c.seq, URL: fmt.Sprintf("channel://%s/%s", c.channelID, key)}
}
