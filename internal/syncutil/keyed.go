// Package syncutil provides the in-process mutual-exclusion primitives used to
// serialize transitions on a single trade and balance checks on a single
// (user, currency, wallet) account.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultShards is the shard count used by NewKeyedMutex.
const DefaultShards = 256

// KeyedMutex is a fixed pool of channel-based mutexes addressed by string key.
// Memory stays bounded regardless of how many keys are seen; two keys that hash
// to the same shard serialize against each other, which is safe but slower.
//
// Waiters honour context cancellation, so a stuck holder cannot stall a caller
// past its deadline.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with DefaultShards shards.
func NewKeyedMutex() *KeyedMutex {
	return NewKeyedMutexN(DefaultShards)
}

// NewKeyedMutexN creates a KeyedMutex with n shards (minimum 1).
func NewKeyedMutexN(n int) *KeyedMutex {
	if n < 1 {
		n = 1
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the mutex for key. On success it returns an unlock function the
// caller must invoke exactly once. If ctx ends first, it returns ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.index(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.index(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}

// Key joins parts into a single lock key.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}
