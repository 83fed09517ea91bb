// Package lock provides an in-process keyed locker for standalone deployments,
// where one process hosts the service and lock keys never need to leave it.
// Clustered deployments use the redis package instead; both implement the same
// Locker contract.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abstack/abx"
)

type ownerEntry struct {
	lockID abx.UUID
	// expiresAt zero means the key is held until unlocked.
	expiresAt time.Time
}

// Keyed is a mutex-guarded owner map implementing abx.Locker.
type Keyed struct {
	mu     sync.Mutex
	owners map[string]ownerEntry
}

// NewKeyed returns an empty in-process locker.
func NewKeyed() *Keyed {
	return &Keyed{
		owners: make(map[string]ownerEntry),
	}
}

// CreateLockKeys creates lock keys using newly generated lock IDs for each provided key name.
func (k *Keyed) CreateLockKeys(keys []string) []*abx.LockKey {
	lockKeys := make([]*abx.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &abx.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    FormatLockKey(keys[i]),
			LockID: abx.NewUUID(),
		}
	}
	return lockKeys
}

// Lock attempts to acquire all provided keys with the given TTL. If any key is
// held by another owner it returns false and that owner's lock id; keys already
// won stay owned so the caller can Unlock them before retrying.
func (k *Keyed) Lock(ctx context.Context, duration time.Duration, lockKeys []*abx.LockKey) (bool, abx.UUID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	for _, lk := range lockKeys {
		if e, ok := k.owners[lk.Key]; ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
			if e.lockID != lk.LockID {
				return false, e.lockID, nil
			}
			lk.IsLockOwner = true
			continue
		}
		e := ownerEntry{lockID: lk.LockID}
		if duration > 0 {
			e.expiresAt = now.Add(duration)
		}
		k.owners[lk.Key] = e
		lk.IsLockOwner = true
	}
	return true, abx.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this process.
func (k *Keyed) IsLocked(ctx context.Context, lockKeys []*abx.LockKey) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	r := true
	for _, lk := range lockKeys {
		e, ok := k.owners[lk.Key]
		if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) || e.lockID != lk.LockID {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

// Unlock releases the provided lock keys, deleting only those owned by this process.
func (k *Keyed) Unlock(ctx context.Context, lockKeys []*abx.LockKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if e, ok := k.owners[lk.Key]; ok && e.lockID == lk.LockID {
			delete(k.owners, lk.Key)
		}
		lk.IsLockOwner = false
	}
	return nil
}

// FormatLockKey prefixes the key with 'L' to form the namespaced key used for locking.
func FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
