package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryBackend keeps documents in process memory. Every mutation and its
// notifications happen under one lock, so subscribers observe changes in
// exactly the order they were committed.
type MemoryBackend struct {
	mu     sync.Mutex
	docs   map[string]json.RawMessage
	fanout *fanout
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:   make(map[string]json.RawMessage),
		fanout: newFanout(),
	}
}

func (b *MemoryBackend) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.docs[path], nil
}

func (b *MemoryBackend) Set(ctx context.Context, path string, value json.RawMessage) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if isNull(value) {
		return b.Remove(ctx, path)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commit(path, value)
	return nil
}

func (b *MemoryBackend) Merge(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apply(path, mergeMutation(fields))
}

func (b *MemoryBackend) Claim(ctx context.Context, path, field string) (bool, error) {
	path, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	var claimed bool
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.apply(path, claimMutation(field, &claimed)); err != nil {
		return false, err
	}
	return claimed, nil
}

func (b *MemoryBackend) Remove(ctx context.Context, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var doomed []string
	for doc := range b.docs {
		if under(doc, path) {
			doomed = append(doomed, doc)
		}
	}
	if len(doomed) > 0 {
		sort.Strings(doomed)
		for _, doc := range doomed {
			b.commit(doc, nil)
		}
		return nil
	}

	parent, field, ok := splitField(path)
	if !ok {
		return nil
	}
	return b.apply(parent, removeFieldMutation(field))
}

func (b *MemoryBackend) Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (func(), error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, cancel := b.fanout.add(path, fn, false)
	m.Push(b.docs[path])
	return cancel, nil
}

// Close stops every subscription. The documents stay readable.
func (b *MemoryBackend) Close() error {
	b.fanout.closeAll()
	return nil
}

// apply runs a mutation against path. Caller holds b.mu.
func (b *MemoryBackend) apply(path string, mutate mutation) error {
	next, write, err := mutate(b.docs[path])
	if err != nil || !write {
		return err
	}
	b.commit(path, next)
	return nil
}

// commit stores value (nil deletes) and notifies subscribers. Caller holds b.mu.
func (b *MemoryBackend) commit(path string, value json.RawMessage) {
	if value == nil {
		delete(b.docs, path)
	} else {
		b.docs[path] = value
	}
	b.fanout.publish(path, value)
}
