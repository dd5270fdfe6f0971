package escrow

import (
	"context"
	"fmt"

	"agentmarket-backend/core/market"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrInsufficientFunds  = Err("insufficient funds for deposit")
	ErrAlreadyDeposited   = Err("escrow already deposited for this task")
	ErrBackendUnavailable = Err("escrow backend unavailable")
	ErrNotFound           = Err("no escrow deposit found")
	ErrAmountMismatch     = Err("deposit amount does not match")
	ErrDepositorMismatch  = Err("depositor does not match")
	ErrNotHeld            = Err("escrow is not held")
	ErrAlreadySettled     = Err("escrow already settled")
)

// State is the backend-side view of one task's escrow.
type State struct {
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Released  bool   `json:"released"`
	Refunded  bool   `json:"refunded"`
}

// Adapter is the settlement backend behind the coordinator. Two deployment
// variants share it: a custodial adapter performs Deposit itself with the
// coordinator's signer; a verifying adapter only checks a deposit the poster's
// wallet already made (VerifyDeposit) and later releases or refunds.
type Adapter interface {
	// Deposit records escrow for the task (custodial variant only).
	Deposit(ctx context.Context, taskID string, amount int64, depositor string) (market.Receipt, error)
	// VerifyDeposit checks an externally produced deposit (verifying variant).
	VerifyDeposit(ctx context.Context, taskID, externalRef, expectedDepositor string, expectedAmount int64) (market.Receipt, error)
	// Release pays the held amount to recipient.
	Release(ctx context.Context, taskID, recipient string) (market.Receipt, error)
	// Refund returns the held amount to the depositor.
	Refund(ctx context.Context, taskID string) (market.Receipt, error)
	// Query returns the backend-side escrow state for the task.
	Query(ctx context.Context, taskID string) (State, error)
	// Backend names the variant (onchain | channel | simulated); used as the
	// activity actor token for settlement events.
	Backend() string
}

// ChannelKey encodes a task id into the backend key used by the channel and
// simulated backends. Deterministic and collision-free: the id is carried
// verbatim under a constant prefix. The key is not fixed-width; its length
// follows the length of the task id.
func ChannelKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}
