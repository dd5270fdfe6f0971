package identity

import (
	"context"
	"strings"
	"sync"
)

// Locked decorates an Adapter with per-handle serialization so concurrent
// attribute updates for the same worker are linearized. Node refs map back to
// the handle that produced them at Register time; updates for unknown nodes
// fall back to a shared lock.
type Locked struct {
	inner Adapter

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	byNode   map[string]string // node ref -> handle key
	fallback sync.Mutex
}

// NewLocked wraps adapter with per-handle locking.
func NewLocked(adapter Adapter) *Locked {
	return &Locked{
		inner:  adapter,
		locks:  make(map[string]*sync.Mutex),
		byNode: make(map[string]string),
	}
}

func (l *Locked) handleLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Register serializes per handle and remembers the node->handle mapping.
func (l *Locked) Register(ctx context.Context, handle, wallet string, initialAttributes map[string]string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(handle))
	m := l.handleLock(key)
	m.Lock()
	defer m.Unlock()

	node, err := l.inner.Register(ctx, handle, wallet, initialAttributes)
	if err == nil {
		l.mu.Lock()
		l.byNode[node] = key
		l.mu.Unlock()
	}
	return node, err
}

// UpdateAttributes serializes on the handle that owns the node.
func (l *Locked) UpdateAttributes(ctx context.Context, nodeRef string, attrs map[string]string) error {
	l.mu.Lock()
	key, ok := l.byNode[nodeRef]
	l.mu.Unlock()
	if !ok {
		l.fallback.Lock()
		defer l.fallback.Unlock()
		return l.inner.UpdateAttributes(ctx, nodeRef, attrs)
	}
	m := l.handleLock(key)
	m.Lock()
	defer m.Unlock()
	return l.inner.UpdateAttributes(ctx, nodeRef, attrs)
}

// Lookup passes through; reads do not need the lock.
func (l *Locked) Lookup(ctx context.Context, handle string) (Record, error) {
	return l.inner.Lookup(ctx, handle)
}
