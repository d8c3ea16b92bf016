package notify

import (
	"context"
	"fmt"

	"github.com/clinic/clinic/internal/platform/store"
)

// Service reads task records for the HTTP API.
type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

func (s *Service) Get(ctx context.Context, ref TaskRef) (*TaskRecord, error) {
	snap, err := s.store.Read(ctx, ref.Path())
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", ref, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, ref)
	}
	rec := &TaskRecord{TaskRef: ref}
	if err := snap.Decode(&rec.Task); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns the tasks of one kind, oldest first. An empty status lists
// every task; otherwise only tasks in that status are returned. Records that
// do not decode are skipped.
func (s *Service) List(ctx context.Context, kind Kind, status Status) ([]TaskRecord, error) {
	snap, err := s.store.Read(ctx, kind.Collection())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind.Collection(), err)
	}
	out := make([]TaskRecord, 0)
	for _, child := range snap.Children() {
		if status != "" && taskStatus(child) != status {
			continue
		}
		rec := TaskRecord{TaskRef: TaskRef{Kind: kind, Key: child.Key()}}
		if err := child.Decode(&rec.Task); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Await waits for the task to finish. The task must exist.
func (s *Service) Await(ctx context.Context, ref TaskRef) (TaskRecord, error) {
	if _, err := s.Get(ctx, ref); err != nil {
		return TaskRecord{}, err
	}
	return Await(ctx, s.store, ref)
}

// Watch streams the task's states to fn. The task must exist.
func (s *Service) Watch(ctx context.Context, ref TaskRef, fn func(TaskRecord) bool) error {
	if _, err := s.Get(ctx, ref); err != nil {
		return err
	}
	return Watch(ctx, s.store, ref, fn)
}
