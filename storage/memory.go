package storage

import (
	"context"
	"slices"
	"strconv"
	"sync"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

// Object is an object held by MemoryStore.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps objects in memory. It backs local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	buckets  map[string]bool
	objects  map[string]map[string]Object
	sequence int
}

// NewMemory creates an in-memory store. When buckets are named, puts to any
// other bucket fail with InvalidArgument; otherwise every bucket is accepted.
func NewMemory(buckets ...string) *MemoryStore {
	m := &MemoryStore{objects: make(map[string]map[string]Object)}
	if len(buckets) > 0 {
		m.buckets = make(map[string]bool, len(buckets))
		for _, b := range buckets {
			m.buckets[b] = true
		}
	}
	return m
}

// Put stores a copy of payload.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, payload []byte, opts PutOptions) (PutOutput, error) {
	if err := ctx.Err(); err != nil {
		return PutOutput{}, relayerrors.NewError("put", err).WithKey(key)
	}
	if err := m.CheckBucket(ctx, bucket); err != nil {
		return PutOutput{}, relayerrors.NewKindError("put", relayerrors.KindInvalidArgument, err).WithKey(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	objs, ok := m.objects[bucket]
	if !ok {
		objs = make(map[string]Object)
		m.objects[bucket] = objs
	}
	objs[key] = Object{Data: slices.Clone(payload), ContentType: opts.ContentType}
	m.sequence++

	return PutOutput{
		BytesWritten: int64(len(payload)),
		ETag:         strconv.Itoa(m.sequence),
	}, nil
}

// CheckBucket reports whether bucket is accepted by the store.
func (m *MemoryStore) CheckBucket(_ context.Context, bucket string) error {
	if m.buckets != nil && !m.buckets[bucket] {
		return relayerrors.NewKindError("check bucket", relayerrors.KindInvalidArgument, nil).
			WithMessage("no such bucket " + bucket)
	}
	return nil
}

// Get returns the object stored under bucket/key.
func (m *MemoryStore) Get(bucket, key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[bucket][key]
	return obj, ok
}

// Keys returns the sorted keys stored in bucket.
func (m *MemoryStore) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects[bucket]))
	for k := range m.objects[bucket] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the total number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, objs := range m.objects {
		n += len(objs)
	}
	return n
}

// Close drops all stored objects.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string]map[string]Object)
	return nil
}

var (
	_ ObjectStore   = (*MemoryStore)(nil)
	_ BucketChecker = (*MemoryStore)(nil)
)
