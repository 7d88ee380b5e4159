// Package coordinator serializes sync attempts per user through a shared
// key/value store. A TTL'd lock provides cross-process mutual exclusion and
// a monotonic generation counter detects syncs that have been superseded
// while they were still running.
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/ulid"
)

// DefaultLockTTL bounds how long a crashed holder can block a user's syncs.
// Long-running syncs refresh the TTL to signal liveness.
const DefaultLockTTL = 5 * time.Minute

// Context identifies one sync attempt. A Context with Acquired == false
// must never be treated as authoritative; callers check IsSyncCurrent
// before reporting results.
type Context struct {
	UserID     string
	Generation int64
	Acquired   bool

	// token is the value this attempt stored in the lock key. Release and
	// refresh are guarded on it, so a holder whose lock expired and was
	// reacquired by a newer sync can never touch the newer sync's lock.
	token string
}

// Coordinator coordinates sync attempts against the shared store.
type Coordinator struct {
	kv      KV
	lockTTL time.Duration
	logger  *loggy.Logger
}

// New creates a Coordinator. A non-positive lockTTL falls back to
// DefaultLockTTL.
func New(kv KV, lockTTL time.Duration, logger *loggy.Logger) *Coordinator {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Coordinator{kv: kv, lockTTL: lockTTL, logger: logger}
}

func lockKey(userID string) string {
	return "sync:lock:" + userID
}

func generationKey(userID string) string {
	return "sync:generation:" + userID
}

// StartSync attempts to begin a sync for the user. Contention is the
// normal "another sync is already running" path and returns an
// unacquired context with a nil error. If the shared store is unreachable
// it fails closed: unacquired, with the error surfaced for operators.
func (c *Coordinator) StartSync(ctx context.Context, userID string) (*Context, error) {
	token := ulid.Generate().String()
	acquired, err := c.kv.SetNX(ctx, lockKey(userID), token, c.lockTTL)
	if err != nil {
		// Without coordination no sync can safely proceed.
		return &Context{UserID: userID}, fmt.Errorf("acquiring sync lock for %s: %w", userID, err)
	}
	if !acquired {
		c.logger.Debug("sync already in progress", "user", userID)
		return &Context{UserID: userID}, nil
	}

	generation, err := c.kv.Incr(ctx, generationKey(userID))
	if err != nil {
		// Roll the lock back so a store blip does not wedge the user
		// until TTL expiry.
		if _, delErr := c.kv.DelIfEqual(ctx, lockKey(userID), token); delErr != nil {
			c.logger.Warn("failed to release lock after generation error", "user", userID, "error", delErr)
		}
		return &Context{UserID: userID}, fmt.Errorf("advancing sync generation for %s: %w", userID, err)
	}

	c.logger.Debug("sync lock acquired", "user", userID, "generation", generation)
	return &Context{UserID: userID, Generation: generation, Acquired: true, token: token}, nil
}

// RefreshLock extends the lock TTL for a long-running sync. If the lock
// expired and was taken over by a newer sync, the newer holder's TTL is
// left alone.
func (c *Coordinator) RefreshLock(ctx context.Context, sc *Context) error {
	if !sc.Acquired {
		return nil
	}
	held, err := c.kv.ExpireIfEqual(ctx, lockKey(sc.UserID), sc.token, c.lockTTL)
	if err != nil {
		return fmt.Errorf("refreshing sync lock for %s: %w", sc.UserID, err)
	}
	if !held {
		c.logger.Warn("sync lock no longer held, results will be superseded", "user", sc.UserID)
	}
	return nil
}

// IsSyncCurrent reports whether the attempt's results are still
// authoritative: the context was acquired and no newer sync has advanced
// the stored generation since.
func (c *Coordinator) IsSyncCurrent(ctx context.Context, sc *Context) bool {
	if !sc.Acquired {
		return false
	}
	val, err := c.kv.Get(ctx, generationKey(sc.UserID))
	if err != nil {
		c.logger.Warn("failed to read sync generation", "user", sc.UserID, "error", err)
		return false
	}
	current, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false
	}
	return current == sc.Generation
}

// EndSync releases the lock if this context still holds it. It is an
// idempotent no-op for unacquired contexts, and it never deletes a lock
// another attempt reacquired after this one's TTL expired.
func (c *Coordinator) EndSync(ctx context.Context, sc *Context) error {
	if !sc.Acquired {
		return nil
	}
	released, err := c.kv.DelIfEqual(ctx, lockKey(sc.UserID), sc.token)
	if err != nil {
		return fmt.Errorf("releasing sync lock for %s: %w", sc.UserID, err)
	}
	if !released {
		c.logger.Debug("sync lock already expired or reacquired", "user", sc.UserID)
	}
	return nil
}
