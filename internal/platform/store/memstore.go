package store

import (
	"context"
	"sync"
)

// MemoryStore keeps the whole tree in process memory. Every mutation,
// including Transact, runs under one lock, so it is trivially serializable.
// It backs tests and single-process development setups.
type MemoryStore struct {
	mu     sync.RWMutex
	root   any
	closed bool
	subs   *fanout
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: newFanout()}
}

func (m *MemoryStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := m.check(ctx, path); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Path: Clean(path), Value: getIn(m.root, Split(path))}, nil
}

func (m *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if err := m.check(ctx, path); err != nil {
		return err
	}
	return m.commit(map[string]any{path: value})
}

func (m *MemoryStore) Update(ctx context.Context, path string, values map[string]any) error {
	if err := m.check(ctx, path); err != nil {
		return err
	}
	return m.commit(absoluteWrites(path, values))
}

func (m *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := m.check(ctx, path); err != nil {
		return "", err
	}
	key := NewKey()
	if err := m.commit(map[string]any{Join(path, key): value}); err != nil {
		return "", err
	}
	return key, nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	return m.Write(ctx, path, nil)
}

func (m *MemoryStore) Transact(ctx context.Context, readPaths []string, fn TxFunc) error {
	for _, p := range readPaths {
		if err := m.check(ctx, p); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := make(map[string]Snapshot, len(readPaths))
	for _, p := range readPaths {
		cur[p] = Snapshot{Path: Clean(p), Value: getIn(m.root, Split(p))}
	}
	writes, err := fn(cur)
	if err != nil {
		return err
	}
	return m.applyLocked(writes)
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := m.check(ctx, path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	s := m.subs.add(ctx, path, fn)
	s.offer(Snapshot{Path: Clean(path), Value: getIn(m.root, Split(path))})
	m.mu.Unlock()

	return func() { m.subs.remove(s) }, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx, "")
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.subs.closeAll()
	return nil
}

// Subscribers returns the number of live subscriptions.
func (m *MemoryStore) Subscribers() int {
	return m.subs.count()
}

func (m *MemoryStore) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return Validate(path)
}

func (m *MemoryStore) commit(writes map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(writes)
}

func (m *MemoryStore) applyLocked(writes map[string]any) error {
	if len(writes) == 0 {
		return nil
	}
	paths, err := sortedWrites(writes)
	if err != nil {
		return err
	}
	values := make([]any, len(paths))
	for i, p := range paths {
		v, err := normalize(lookupWrite(writes, p))
		if err != nil {
			return err
		}
		values[i] = v
	}

	root := m.root
	for i, p := range paths {
		root = setIn(root, Split(p), values[i])
	}
	m.root = root

	for _, s := range m.subs.matching(paths) {
		s.offer(Snapshot{Path: s.path, Value: getIn(m.root, Split(s.path))})
	}
	return nil
}

// lookupWrite finds the value of a cleaned path in a writes map whose keys
// may carry stray slashes.
func lookupWrite(writes map[string]any, cleaned string) any {
	if v, ok := writes[cleaned]; ok {
		return v
	}
	for k, v := range writes {
		if Clean(k) == cleaned {
			return v
		}
	}
	return nil
}
