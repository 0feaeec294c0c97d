package authorization

import (
	"sync"

	id "priorauth/pkg/domain"
)

// numLockShards spreads per-authorization locks across shards so unrelated
// authorizations never contend while transitions on the same one stay
// strictly serialized.
const numLockShards = 128

// KeyedLocks provides the per-authorization advisory lock. The holder is
// the single writer for that authorization: it reloads state after
// acquisition and re-validates, so a racer that lost the lock observes the
// already-updated state and fails with InvalidTransition instead of
// overwriting.
type KeyedLocks struct {
	shards [numLockShards]sync.Mutex
}

// NewKeyedLocks creates an empty lock set.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{}
}

// Lock acquires the shard for authID and returns the unlock function.
func (l *KeyedLocks) Lock(authID id.AuthorizationID) func() {
	shard := &l.shards[hashString(authID.String())%numLockShards]
	shard.Lock()
	return shard.Unlock
}

// hashString uses FNV-1a for shard distribution.
func hashString(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
