package queue

import (
	"context"
	"time"
)

// Backend abstracts the storage the queue runs on: a string key/value space
// with TTLs, one score-ordered priority set, and one list for dead letters.
// The redis implementation is the production backend; the memory
// implementation serves tests and single-node runs.
type Backend interface {
	// Get returns the value for key, with ok=false when the key is missing
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key with the given TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// ZAdd inserts or updates a member in the priority set.
	ZAdd(ctx context.Context, set, member string, score float64) error
	// ZPopMax removes and returns the highest-scored member.
	ZPopMax(ctx context.Context, set string) (member string, score float64, ok bool, err error)
	// ZRem removes a member from the priority set.
	ZRem(ctx context.Context, set, member string) error
	// ZCard returns the number of members in the priority set.
	ZCard(ctx context.Context, set string) (int64, error)

	// LPush prepends a value to the list.
	LPush(ctx context.Context, list, value string) error
	// LLen returns the list length.
	LLen(ctx context.Context, list string) (int64, error)
	// LRange returns list entries in [start, stop], redis semantics.
	LRange(ctx context.Context, list string, start, stop int64) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
