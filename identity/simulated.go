package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"agentmarket-backend/core/market"
)

// Simulated is an in-process name-resolution backend with deterministic node
// refs. Used in tests and local runs.
type Simulated struct {
	mu     sync.RWMutex
	byNode map[string]*Record
	byName map[string]string // handle (lowercased) -> node ref
}

// NewSimulated returns an empty simulated identity backend.
func NewSimulated() *Simulated {
	return &Simulated{
		byNode: make(map[string]*Record),
		byName: make(map[string]string),
	}
}

// Register creates the handle's record; registering twice returns the same
// node ref with no effect.
func (s *Simulated) Register(_ context.Context, handle, wallet string, initialAttributes map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(handle))
	if node, ok := s.byName[key]; ok {
		return node, nil
	}
	sum := sha256.Sum256([]byte("node:" + key))
	node := "0x" + hex.EncodeToString(sum[:])
	attrs := make(map[string]string, len(initialAttributes))
	for k, v := range initialAttributes {
		attrs[k] = v
	}
	s.byName[key] = node
	s.byNode[node] = &Record{NodeRef: node, Wallet: market.CanonWallet(wallet), Attributes: attrs}
	return node, nil
}

// UpdateAttributes batch-writes attrs on the node.
func (s *Simulated) UpdateAttributes(_ context.Context, nodeRef string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byNode[nodeRef]
	if !ok {
		return ErrNotRegistered
	}
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	return nil
}

// Lookup resolves a handle.
func (s *Simulated) Lookup(_ context.Context, handle string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.byName[strings.ToLower(strings.TrimSpace(handle))]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec := s.byNode[node]
	out := Record{NodeRef: rec.NodeRef, Wallet: rec.Wallet, Attributes: make(map[string]string, len(rec.Attributes))}
	for k, v := range rec.Attributes {
		out.Attributes[k] = v
	}
	return out, nil
}
