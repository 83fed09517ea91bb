package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abstack/abx"
)

// Locker implements abx.Locker on a Redis connection.
type Locker struct {
	conn    *Connection
	isOwner bool
}

// NewLocker returns a locker on the singleton connection opened by OpenConnection.
func NewLocker() *Locker {
	return &Locker{
		conn: connection,
	}
}

// NewConnectionLocker opens a dedicated Redis connection and returns a locker
// owning it. Call Close when done.
func NewConnectionLocker(options Options) *Locker {
	return &Locker{
		conn:    openConnection(options),
		isOwner: true,
	}
}

// Close this locker's connection when it owns one.
func (l *Locker) Close() error {
	if !l.isOwner || l.conn == nil {
		return nil
	}
	err := closeConnection(l.conn)
	l.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (l *Locker) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity for redis (PONG should be returned).
func (l *Locker) Ping(ctx context.Context) error {
	if l.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return l.conn.Client.Ping(ctx).Err()
}

// get executes the redis Get command, converting key-not-found into (false, nil).
func (l *Locker) get(ctx context.Context, key string) (bool, string, error) {
	if l.conn == nil {
		return false, "", fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	s, err := l.conn.Client.Get(ctx, key).Result()
	r := err == nil
	if l.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// set executes the redis Set command.
func (l *Locker) set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if l.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return l.conn.Client.Set(ctx, key, value, expiration).Err()
}

// del executes the redis Del command, converting key-not-found into (false, nil).
func (l *Locker) del(ctx context.Context, keys []string) (bool, error) {
	if l.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	err := l.conn.Client.Del(ctx, keys...).Err()
	r := err == nil
	if l.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// CreateLockKeys creates lock keys using newly generated lock IDs for each provided key name.
func (l *Locker) CreateLockKeys(keys []string) []*abx.LockKey {
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

// Lock attempts to acquire locks for all provided keys using the given TTL duration.
// If any key is already locked by another owner, it returns false and that owner's UUID.
func (l *Locker) Lock(ctx context.Context, duration time.Duration, lockKeys []*abx.LockKey) (bool, abx.UUID, error) {
	for _, lk := range lockKeys {
		found, readItem, err := l.get(ctx, lk.Key)
		if err != nil {
			return false, abx.NilUUID, err
		}
		if found {
			// Item found in Redis, check if not ours. Most likely, but check anyway.
			if readItem != lk.LockID.String() {
				id, _ := abx.ParseUUID(readItem)
				return false, id, nil
			}
			lk.IsLockOwner = true
			continue
		}

		// Item does not exist, upsert it.
		if err := l.set(ctx, lk.Key, lk.LockID.String(), duration); err != nil {
			return false, abx.NilUUID, err
		}
		// Use a 2nd "get" to ensure we "won" the lock attempt & fail if not.
		if found, readItem2, err := l.get(ctx, lk.Key); !found || err != nil {
			return false, abx.NilUUID, err
		} else if readItem2 != lk.LockID.String() {
			id, _ := abx.ParseUUID(readItem2)
			// Item found in Redis, lock attempt failed.
			return false, id, nil
		}
		// We got the item locked, ensure we can unlock it.
		lk.IsLockOwner = true
	}
	// Successfully locked.
	return true, abx.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this process.
func (l *Locker) IsLocked(ctx context.Context, lockKeys []*abx.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := l.get(ctx, lk.Key)
		if !found || err != nil {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		// Item found in Redis has different value, means key is locked by another owner.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Unlock releases the provided lock keys, deleting only those owned by this process.
func (l *Locker) Unlock(ctx context.Context, lockKeys []*abx.LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		// Delete lock key if we own it.
		if found, err := l.del(ctx, []string{lk.Key}); !found || err != nil {
			// Ignore if key not in cache, not an issue.
			if err == nil {
				continue
			}
			lastErr = err
		}
	}
	return lastErr
}

// FormatLockKey prefixes the key with 'L' to form the namespaced Redis key used for locking.
func FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
