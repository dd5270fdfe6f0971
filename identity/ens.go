package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"agentmarket-backend/core/market"
)

// registrarABI is the minimal ENS-style registrar/resolver surface: nodes
// keyed by namehash, an address record, and free-form text records.
const registrarABI = `[
  {"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"name","type":"string"},{"name":"wallet","type":"address"}],"outputs":[]},
  {"type":"function","name":"setText","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"},{"name":"value","type":"string"}],"outputs":[]},
  {"type":"function","name":"text","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"addr","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"recordExists","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// lookupKeys are the text records resolved on Lookup. Unknown keys written by
// UpdateAttributes still land on chain; Lookup returns the standard set.
var lookupKeys = []string{AttrRole, AttrSkills, AttrReputation, AttrTasksCompleted, AttrTasksFailed, AttrDescription}

// ENSConfig configures the onchain identity adapter.
type ENSConfig struct {
	RPCURL          string
	Registrar       string
	ChainID         int64
	SignerHex       string
	ParentNamespace string // e.g. "acn.eth"; handles resolve under it
}

// ENS writes worker identity records to an ENS-style registrar contract.
type ENS struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	signer    *ecdsa.PrivateKey
	chainID   *big.Int
	namespace string
}

// NewENS dials the RPC endpoint and binds the registrar.
func NewENS(cfg ENSConfig) (*ENS, error) {
	if !common.IsHexAddress(cfg.Registrar) {
		return nil, fmt.Errorf("invalid registrar address %q", cfg.Registrar)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial identity rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registrarABI))
	if err != nil {
		return nil, fmt.Errorf("parse registrar abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse identity signer: %w", err)
	}
	return &ENS{
		client:    client,
		contract:  bind.NewBoundContract(common.HexToAddress(cfg.Registrar), parsed, client, client, client),
		signer:    key,
		chainID:   big.NewInt(cfg.ChainID),
		namespace: strings.Trim(cfg.ParentNamespace, "."),
	}, nil
}

// Namehash computes the EIP-137 node for a dotted name.
func Namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(strings.ToLower(name), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		copy(node[:], crypto.Keccak256(node[:], labelHash))
	}
	return node
}

// fullName qualifies a bare handle under the parent namespace. Handles that
// already carry dots are used as-is.
func (e *ENS) fullName(handle string) string {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if strings.Contains(handle, ".") || e.namespace == "" {
		return handle
	}
	return handle + "." + e.namespace
}

// Register creates the handle's node and writes the initial text records.
// Idempotent: an existing node is returned untouched.
func (e *ENS) Register(ctx context.Context, handle, wallet string, initialAttributes map[string]string) (string, error) {
	node := Namehash(e.fullName(handle))
	exists, err := e.recordExists(ctx, node)
	if err != nil {
		return "", err
	}
	nodeRef := "0x" + common.Bytes2Hex(node[:])
	if exists {
		return nodeRef, nil
	}

	opts, err := bind.NewKeyedTransactorWithChainID(e.signer, e.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	walletAddr := common.Address{}
	if common.IsHexAddress(wallet) {
		walletAddr = common.HexToAddress(wallet)
	}
	tx, err := e.contract.Transact(opts, "register", node, e.fullName(handle), walletAddr)
	if err != nil {
		return "", e.mapRPCError(err)
	}
	if err := e.waitMined(ctx, tx); err != nil {
		return "", err
	}
	if len(initialAttributes) > 0 {
		if err := e.UpdateAttributes(ctx, nodeRef, initialAttributes); err != nil {
			log.Printf("identity: initial attributes for %s failed: %v", handle, err)
		}
	}
	return nodeRef, nil
}

// UpdateAttributes writes each attribute as a text record on the node.
func (e *ENS) UpdateAttributes(ctx context.Context, nodeRef string, attrs map[string]string) error {
	node, err := parseNodeRef(nodeRef)
	if err != nil {
		return err
	}
	exists, err := e.recordExists(ctx, node)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotRegistered
	}
	for k, v := range attrs {
		opts, err := bind.NewKeyedTransactorWithChainID(e.signer, e.chainID)
		if err != nil {
			return fmt.Errorf("build transactor: %w", err)
		}
		opts.Context = ctx
		tx, err := e.contract.Transact(opts, "setText", node, k, v)
		if err != nil {
			return e.mapRPCError(err)
		}
		if err := e.waitMined(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves a handle to its wallet and standard text records.
func (e *ENS) Lookup(ctx context.Context, handle string) (Record, error) {
	node := Namehash(e.fullName(handle))
	exists, err := e.recordExists(ctx, node)
	if err != nil {
		return Record{}, err
	}
	if !exists {
		return Record{}, ErrNotFound
	}

	var addrOut []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &addrOut, "addr", node); err != nil {
		return Record{}, e.mapRPCError(err)
	}
	rec := Record{
		NodeRef:    "0x" + common.Bytes2Hex(node[:]),
		Wallet:     market.CanonWallet(addrOut[0].(common.Address).Hex()),
		Attributes: make(map[string]string, len(lookupKeys)),
	}
	for _, key := range lookupKeys {
		var out []interface{}
		if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "text", node, key); err != nil {
			return Record{}, e.mapRPCError(err)
		}
		if v := out[0].(string); v != "" {
			rec.Attributes[key] = v
		}
	}
	return rec, nil
}

func (e *ENS) recordExists(ctx context.Context, node [32]byte) (bool, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "recordExists", node); err != nil {
		return false, e.mapRPCError(err)
	}
	return out[0].(bool), nil
}

func (e *ENS) waitMined(ctx context.Context, tx *types.Transaction) error {
	rcpt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return e.mapRPCError(err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("identity transaction %s reverted", tx.Hash().Hex())
	}
	return nil
}

func parseNodeRef(nodeRef string) ([32]byte, error) {
	var node [32]byte
	raw := common.FromHex(nodeRef)
	if len(raw) != 32 {
		return node, ErrNotRegistered
	}
	copy(node[:], raw)
	return node, nil
}

func (e *ENS) mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF") {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}
