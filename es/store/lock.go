package store

import (
	"context"
	"hash/fnv"
)

// DefaultLockStripes is the stripe count of the default keyed mutex.
const DefaultLockStripes = 64

// Locker provides mutual exclusion per key.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned function
	// releases the lock and must be called exactly once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// NopLocker performs no locking.
type NopLocker struct{}

// Lock implements Locker.
func (NopLocker) Lock(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

// KeyedMutex is an in-process Locker. Keys are hashed onto a fixed set of
// stripes with FNV-1a, so two keys may share a stripe but one key always
// maps to the same one.
type KeyedMutex struct {
	stripes []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with n stripes (at least 1).
func NewKeyedMutex(n int) *KeyedMutex {
	if n < 1 {
		n = 1
	}
	stripes := make([]chan struct{}, n)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &KeyedMutex{stripes: stripes}
}

// Lock implements Locker.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	stripe := m.stripes[m.stripe(key)]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) stripe(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.stripes)))
}

func aggregateKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

func queryKey(aggregateType, aggregateID, queryType string) string {
	return aggregateType + "/" + aggregateID + "/" + queryType
}
