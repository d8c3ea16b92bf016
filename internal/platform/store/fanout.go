package store

import (
	"context"
	"sync"
)

// subscription is one live listener on a path. Offers never block the
// writer: the latest snapshot replaces any undelivered one and a single
// goroutine per subscription delivers them in order.
type subscription struct {
	id   uint64
	path string
	fn   func(Snapshot)

	mu     sync.Mutex
	latest Snapshot
	dirty  bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) offer(snap Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		if !s.dirty {
			s.mu.Unlock()
			continue
		}
		snap := s.latest
		s.dirty = false
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		s.fn(snap)
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// fanout tracks the subscriptions of one store and finds the ones a change
// is visible to.
type fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uint64]*subscription)}
}

// add registers and starts a subscription. It is released when ctx ends or
// the returned subscription is removed.
func (f *fanout) add(ctx context.Context, path string, fn func(Snapshot)) *subscription {
	f.mu.Lock()
	f.nextID++
	s := &subscription{
		id:   f.nextID,
		path: Clean(path),
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	f.subs[s.id] = s
	f.mu.Unlock()

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			f.remove(s)
		case <-s.done:
		}
	}()
	return s
}

func (f *fanout) remove(s *subscription) {
	f.mu.Lock()
	delete(f.subs, s.id)
	f.mu.Unlock()
	s.stop()
}

// matching returns the subscriptions that observe any of the changed paths.
func (f *fanout) matching(changed []string) []*subscription {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []*subscription
	for _, s := range f.subs {
		for _, c := range changed {
			if Overlaps(s.path, c) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// count returns the number of live subscriptions.
func (f *fanout) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*subscription)
	f.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
