package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"agentmarket-backend/core/market"
)

// escrowABI is the minimal surface of the escrow contract the coordinator
// talks to.
const escrowABI = `[
  {"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"escrows","stateMutability":"view","inputs":[{"name":"key","type":"bytes32"}],"outputs":[{"name":"depositor","type":"address"},{"name":"amount","type":"uint256"},{"name":"released","type":"bool"},{"name":"refunded","type":"bool"}]}
]`

// OnchainConfig configures the onchain escrow adapter.
type OnchainConfig struct {
	RPCURL      string
	Contract    string
	ChainID     int64
	SignerHex   string // private key; empty selects the verifying variant
	ExplorerURL string // tx URL prefix for receipts
}

// Onchain settles escrow against an EVM contract. With a signer configured it
// is the custodial variant and performs deposits itself; without one it only
// verifies deposits made by the poster's wallet. Release and Refund always
// require the signer.
type Onchain struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	parsed   abi.ABI
	signer   *ecdsa.PrivateKey
	chainID  *big.Int
	explorer string
}

// NewOnchain dials the RPC endpoint and binds the escrow contract.
func NewOnchain(cfg OnchainConfig) (*Onchain, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.Contract)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial escrow rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	o := &Onchain{
		client:   client,
		parsed:   parsed,
		contract: bind.NewBoundContract(common.HexToAddress(cfg.Contract), parsed, client, client, client),
		chainID:  big.NewInt(cfg.ChainID),
		explorer: cfg.ExplorerURL,
	}
	if cfg.SignerHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse escrow signer: %w", err)
		}
		o.signer = key
	}
	return o, nil
}

// Backend names the variant.
func (o *Onchain) Backend() string { return "onchain" }

// Custodial reports whether the adapter holds a signing key for deposits.
func (o *Onchain) Custodial() bool { return o.signer != nil }

// TaskKey encodes a task id into the contract's fixed-width bytes32 key.
// keccak256 over a prefixed id keeps the mapping deterministic and
// collision-free over the task id space.
func TaskKey(taskID string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte("amtask:"+taskID)))
	return key
}

// Deposit sends the escrow amount to the contract under the task's key.
func (o *Onchain) Deposit(ctx context.Context, taskID string, amount int64, depositor string) (market.Receipt, error) {
	if o.signer == nil {
		return market.Receipt{}, Err("custodial deposit requires a configured signer")
	}
	st, err := o.Query(ctx, taskID)
	if err == nil && st.Amount > 0 {
		return market.Receipt{}, ErrAlreadyDeposited
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return market.Receipt{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(o.signer, o.chainID)
	if err != nil {
		return market.Receipt{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = big.NewInt(amount)
	_ = depositor // the custodial signer is the onchain depositor of record

	tx, err := o.contract.Transact(opts, "deposit", TaskKey(taskID))
	if err != nil {
		return market.Receipt{}, o.mapRPCError(err)
	}
	return o.waitReceipt(ctx, tx)
}

// VerifyDeposit checks a deposit transaction the poster's wallet produced.
func (o *Onchain) VerifyDeposit(ctx context.Context, taskID, externalRef, expectedDepositor string, expectedAmount int64) (market.Receipt, error) {
	txHash := common.HexToHash(externalRef)
	rcpt, err := o.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return market.Receipt{}, ErrNotFound
	}
	if err != nil {
		return market.Receipt{}, o.mapRPCError(err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return market.Receipt{}, ErrNotFound
	}

	st, err := o.Query(ctx, taskID)
	if err != nil {
		return market.Receipt{}, err
	}
	if st.Amount != expectedAmount {
		return market.Receipt{}, ErrAmountMismatch
	}
	if !market.SameWallet(st.Depositor, expectedDepositor) {
		return market.Receipt{}, ErrDepositorMismatch
	}
	return market.Receipt{
		Ref:      txHash.Hex(),
		Sequence: rcpt.BlockNumber.Uint64(),
		URL:      o.txURL(txHash.Hex()),
	}, nil
}

// Release pays the held amount to the recipient wallet.
func (o *Onchain) Release(ctx context.Context, taskID, recipient string) (market.Receipt, error) {
	if o.signer == nil {
		return market.Receipt{}, Err("release requires a configured signer")
	}
	if !common.IsHexAddress(recipient) {
		return market.Receipt{}, fmt.Errorf("invalid recipient wallet %q", recipient)
	}
	if err := o.checkHeld(ctx, taskID); err != nil {
		return market.Receipt{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(o.signer, o.chainID)
	if err != nil {
		return market.Receipt{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	tx, err := o.contract.Transact(opts, "release", TaskKey(taskID), common.HexToAddress(recipient))
	if err != nil {
		return market.Receipt{}, o.mapRPCError(err)
	}
	return o.waitReceipt(ctx, tx)
}

// Refund returns the held amount to the depositor.
func (o *Onchain) Refund(ctx context.Context, taskID string) (market.Receipt, error) {
	if o.signer == nil {
		return market.Receipt{}, Err("refund requires a configured signer")
	}
	if err := o.checkHeld(ctx, taskID); err != nil {
		return market.Receipt{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(o.signer, o.chainID)
	if err != nil {
		return market.Receipt{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	tx, err := o.contract.Transact(opts, "refund", TaskKey(taskID))
	if err != nil {
		return market.Receipt{}, o.mapRPCError(err)
	}
	return o.waitReceipt(ctx, tx)
}

// Query reads the contract's escrow record for the task.
func (o *Onchain) Query(ctx context.Context, taskID string) (State, error) {
	var out []interface{}
	err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, "escrows", TaskKey(taskID))
	if err != nil {
		return State{}, o.mapRPCError(err)
	}
	if len(out) != 4 {
		return State{}, fmt.Errorf("unexpected escrows() result arity %d", len(out))
	}
	depositor := out[0].(common.Address)
	amount := out[1].(*big.Int)
	st := State{
		Depositor: strings.ToLower(depositor.Hex()),
		Amount:    amount.Int64(),
		Released:  out[2].(bool),
		Refunded:  out[3].(bool),
	}
	if st.Amount == 0 && depositor == (common.Address{}) {
		return State{}, ErrNotFound
	}
	return st, nil
}

func (o *Onchain) checkHeld(ctx context.Context, taskID string) error {
	st, err := o.Query(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return err
	}
	if st.Released || st.Refunded {
		return ErrAlreadySettled
	}
	return nil
}

func (o *Onchain) waitReceipt(ctx context.Context, tx *types.Transaction) (market.Receipt, error) {
	rcpt, err := bind.WaitMined(ctx, o.client, tx)
	if err != nil {
		return market.Receipt{}, o.mapRPCError(err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return market.Receipt{}, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	log.Printf("escrow tx %s mined in block %s", tx.Hash().Hex(), rcpt.BlockNumber)
	return market.Receipt{
		Ref:      tx.Hash().Hex(),
		Sequence: rcpt.BlockNumber.Uint64(),
		URL:      o.txURL(tx.Hash().Hex()),
	}, nil
}

func (o *Onchain) txURL(hash string) string {
	if o.explorer == "" {
		return ""
	}
	return strings.TrimSuffix(o.explorer, "/") + "/" + hash
}

// mapRPCError folds transport-level failures into ErrBackendUnavailable so
// the dispatcher's retry policy applies; contract-level errors pass through.
func (o *Onchain) mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}
