package notify

import (
	"context"
	"fmt"

	"github.com/clinic/clinic/internal/platform/store"
)

// Watch calls fn with every state of the task at ref, starting with the
// current one, until the task reaches a terminal status, fn returns false,
// or ctx is done. The subscription is always released before Watch returns.
// A task that does not exist yet is reported as a zero record until it
// appears.
func Watch(ctx context.Context, s store.Store, ref TaskRef, fn func(TaskRecord) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan TaskRecord, 1)
	unsubscribe, err := s.Subscribe(ctx, ref.Path(), func(snap store.Snapshot) {
		rec := TaskRecord{TaskRef: ref}
		if snap.Exists() {
			if err := snap.Decode(&rec.Task); err != nil {
				return
			}
		}
		// Keep only the latest state if the reader is behind.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- rec:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", ref, err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-updates:
			if !fn(rec) || rec.Status.Terminal() {
				return nil
			}
		}
	}
}

// Await blocks until the task at ref is sent or failed and returns that
// final record. It returns ctx's error if ctx ends first, with the last
// state seen.
func Await(ctx context.Context, s store.Store, ref TaskRef) (TaskRecord, error) {
	var last TaskRecord
	err := Watch(ctx, s, ref, func(rec TaskRecord) bool {
		last = rec
		return true
	})
	if err != nil {
		return last, err
	}
	return last, nil
}
