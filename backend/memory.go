package backend

import (
	"bytes"
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const shardCount = 32

// MemoryBackend is an in-process Backend. It shards its key space across 32
// buckets, each guarded by its own mutex, to avoid a single global lock under
// concurrent access. A background sweeper evicts expired entries on a timer
// (every second) or after every 1000 writes, whichever comes first.
type MemoryBackend struct {
	logger  zerolog.Logger
	shards  [shardCount]*shard
	writes  int64
	stop    chan struct{}
	done    chan struct{}
	started sync.Once
}

type shard struct {
	mu   sync.Mutex
	data map[string]*entry
}

type entry struct {
	value      []byte
	timestamps []time.Time
	expiresAt  time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryBackend constructs a ready-to-use in-process backend and starts
// its background sweeper.
func NewMemoryBackend(logger zerolog.Logger) *MemoryBackend {
	m := &MemoryBackend{
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string]*entry)}
	}
	go m.sweepLoop()
	return m
}

func (m *MemoryBackend) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryBackend) recordWrite() {
	if atomic.AddInt64(&m.writes, 1)%1000 == 0 {
		go m.sweep()
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	e := &entry{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	m.recordWrite()
	return nil
}

func (m *MemoryBackend) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.data[key]
	if !ok || e.expired(now) {
		e = &entry{}
		s.data[key] = e
	}
	cur := decodeInt64(e.value)
	cur += delta
	e.value = encodeInt64(cur)
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.recordWrite()
	return cur, nil
}

func (m *MemoryBackend) CompareAndSwap(_ context.Context, key string, expected, newVal []byte, ttl time.Duration) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.data[key]
	if !ok || e.expired(now) {
		if expected != nil {
			return false, nil
		}
		e = &entry{}
		s.data[key] = e
	} else if !bytes.Equal(e.value, expected) {
		return false, nil
	}

	v := make([]byte, len(newVal))
	copy(v, newVal)
	e.value = v
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.recordWrite()
	return true, nil
}

func (m *MemoryBackend) AppendTimestamp(_ context.Context, key string, ts time.Time) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		e = &entry{}
		s.data[key] = e
	}
	e.timestamps = append(e.timestamps, ts)
	m.recordWrite()
	return nil
}

func (m *MemoryBackend) TrimBefore(_ context.Context, key string, cutoff time.Time) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil
	}
	kept := e.timestamps[:0]
	for _, t := range e.timestamps {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.timestamps = kept
	return nil
}

func (m *MemoryBackend) CountAfter(_ context.Context, key string, cutoff time.Time) (int, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return 0, nil
	}
	count := 0
	for _, t := range e.timestamps {
		if !t.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryBackend) OldestAfter(_ context.Context, key string, cutoff time.Time) (time.Time, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return time.Time{}, false, nil
	}
	sorted := make([]time.Time, len(e.timestamps))
	copy(sorted, e.timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	for _, t := range sorted {
		if !t.Before(cutoff) {
			return t, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *MemoryBackend) Touch(_ context.Context, key string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

func (m *MemoryBackend) ExpiresAt(_ context.Context, key string) (time.Time, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) || e.expiresAt.IsZero() {
		return time.Time{}, false, nil
	}
	return e.expiresAt, true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (m *MemoryBackend) Close() error {
	m.started.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func (m *MemoryBackend) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evicts expired entries from every shard. Called on a 1s timer or
// after every 1000 writes, whichever happens first.
func (m *MemoryBackend) sweep() {
	now := time.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.data {
			if e.expired(now) {
				delete(s.data, k)
			}
		}
		s.mu.Unlock()
	}
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}
