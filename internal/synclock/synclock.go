// Package synclock implements the per-wallet sync lock described in spec
// §4.3 (C3): a TTL'd mutual-exclusion token backed by a shared keyed
// store. We use github.com/redis/go-redis/v9's SET NX EX / Lua
// compare-and-delete idiom, the same shape used for this exact purpose by
// every Redis-backed locker in the retrieved corpus (kalbasit-ncps's
// pkg/lock/redis, alextanhongpin-core's dsync/lock) — simplified down to
// the single TTL'd exclusive token spec §4.3 actually asks for, since
// those two examples build a full reader/writer lock we don't need here.
package synclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "nodeSync:"

// Lock is a keyed, TTL'd mutual-exclusion primitive over one wallet at a
// time. The import worker (C5) holds it across a whole sync run. The
// upload handlers (C2 callers) do not take it: concurrent writes for one
// user are serialized only by clock.NextClock's row lock and the
// (user_uuid, clock) unique index.
type Lock struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Lock {
	return &Lock{rdb: rdb}
}

// ErrAlreadyHeld is returned by Acquire when the wallet is already locked.
var ErrAlreadyHeld = errors.New("synclock: already held")

// Acquire takes the lock for wallet for at most ttl, returning an opaque
// token that must be presented to Release. ttl must exceed the caller's
// expected worst-case critical-section duration (spec §5 "Shared resource
// policy").
func (l *Lock) Acquire(ctx context.Context, wallet string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key(wallet), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("synclock: acquire %s: %w", wallet, err)
	}
	if !ok {
		return "", ErrAlreadyHeld
	}
	return token, nil
}

// releaseScript deletes the key only if it still holds our token, so a
// caller can never release a lock it doesn't own (e.g. one that expired
// and was re-acquired by someone else in the interim).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Release drops the lock for wallet if token still holds it. Releasing a
// lock you don't hold (already expired, already released) is not an
// error — this keeps every exit path in the import worker's
// defer-release discipline simple (spec §4.5 "release is idempotent").
func (l *Lock) Release(ctx context.Context, wallet, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{key(wallet)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("synclock: release %s: %w", wallet, err)
	}
	return nil
}

// Held reports whether wallet is currently locked, without acquiring it.
// Used by GET /sync_status, which must 423 without attempting any write
// (spec §4.3 "observable by read-only probes").
func (l *Lock) Held(ctx context.Context, wallet string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key(wallet)).Result()
	if err != nil {
		return false, fmt.Errorf("synclock: held %s: %w", wallet, err)
	}
	return n > 0, nil
}

func key(wallet string) string { return keyPrefix + wallet }
