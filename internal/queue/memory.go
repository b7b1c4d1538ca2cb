package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend with redis-compatible semantics.
// Used by tests and single-node deployments without redis.
type MemoryBackend struct {
	mu sync.Mutex

	values  map[string]memoryValue
	sets    map[string]map[string]float64
	lists   map[string][]string
	nowFunc func() time.Time
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values:  make(map[string]memoryValue),
		sets:    make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		nowFunc: time.Now,
	}
}

// expired reports whether v is past its TTL. Called with the lock held.
func (b *MemoryBackend) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && b.nowFunc().After(v.expiresAt)
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	if b.expired(v) {
		delete(b.values, key)
		return "", false, nil
	}
	return v.data, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = b.nowFunc().Add(ttl)
	}
	b.values[key] = v
	return nil
}

func (b *MemoryBackend) Del(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Redis DEL removes a key of any type.
	delete(b.values, key)
	delete(b.sets, key)
	delete(b.lists, key)
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, v := range b.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if b.expired(v) {
			delete(b.values, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) ZAdd(_ context.Context, set, member string, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sets[set]
	if !ok {
		s = make(map[string]float64)
		b.sets[set] = s
	}
	s[member] = score
	return nil
}

func (b *MemoryBackend) ZPopMax(_ context.Context, set string) (string, float64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sets[set]
	if len(s) == 0 {
		return "", 0, false, nil
	}

	// Highest score wins; ties resolve lexicographically like redis ZPOPMAX.
	var best string
	var bestScore float64
	first := true
	for member, score := range s {
		if first || score > bestScore || (score == bestScore && member > best) {
			best = member
			bestScore = score
			first = false
		}
	}
	delete(s, best)
	return best, bestScore, true, nil
}

func (b *MemoryBackend) ZRem(_ context.Context, set, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sets[set]; ok {
		delete(s, member)
	}
	return nil
}

func (b *MemoryBackend) ZCard(_ context.Context, set string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.sets[set])), nil
}

func (b *MemoryBackend) LPush(_ context.Context, list, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lists[list] = append([]string{value}, b.lists[list]...)
	return nil
}

func (b *MemoryBackend) LLen(_ context.Context, list string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.lists[list])), nil
}

func (b *MemoryBackend) LRange(_ context.Context, list string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.lists[list]
	n := int64(len(entries))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, entries[start:stop+1])
	return out, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error {
	return nil
}
