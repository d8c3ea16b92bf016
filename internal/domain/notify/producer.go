package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
)

// Producer writes new task records.
type Producer struct {
	store store.Store
	now   func() time.Time
}

func NewProducer(s store.Store) *Producer {
	return &Producer{store: s, now: time.Now}
}

func (p *Producer) newTask(payload Payload) Task {
	return Task{
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: p.now().UTC(),
	}
}

// Enqueue appends a pending task of the given kind and returns its ref.
func (p *Producer) Enqueue(ctx context.Context, kind Kind, payload Payload) (TaskRef, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return TaskRef{}, err
	}
	key, err := p.store.Append(ctx, kind.Collection(), p.newTask(payload))
	if err != nil {
		return TaskRef{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return TaskRef{Kind: kind, Key: key}, nil
}

// Prepare builds a pending task under a fresh key without writing it, for
// callers that commit it inside their own transaction. The returned path is
// where the task must be written.
func (p *Producer) Prepare(kind Kind, payload Payload) (TaskRef, string, Task) {
	ref := TaskRef{Kind: kind, Key: store.NewKey()}
	return ref, ref.Path(), p.newTask(payload)
}

// EnsureReminder creates the reminder for an appointment unless one already
// exists under its deterministic key. It reports whether a task was created.
func (p *Producer) EnsureReminder(ctx context.Context, payload Payload) (TaskRef, bool, error) {
	key, err := ReminderKey(payload)
	if err != nil {
		return TaskRef{}, false, err
	}
	ref := TaskRef{Kind: KindReminder, Key: key}
	created, err := store.CreateIfAbsent(ctx, p.store, ref.Path(), p.newTask(payload))
	if err != nil {
		return TaskRef{}, false, fmt.Errorf("ensure reminder %s: %w", key, err)
	}
	return ref, created, nil
}

// ReminderKey is the deterministic key of the reminder for one appointment,
// e.g. PAT-0007_2025-03-10_0900.
func ReminderKey(payload Payload) (string, error) {
	if payload.PatientID == "" {
		return "", fmt.Errorf("reminder key: patient id is required")
	}
	if _, err := time.Parse(validate.DateLayout, payload.AppointmentDate); err != nil {
		return "", fmt.Errorf("reminder key: invalid date %q", payload.AppointmentDate)
	}
	t, err := time.Parse(validate.TimeLayout, payload.AppointmentTime)
	if err != nil {
		return "", fmt.Errorf("reminder key: invalid time %q", payload.AppointmentTime)
	}
	key := strings.Join([]string{payload.PatientID, payload.AppointmentDate, t.Format("1504")}, "_")
	if err := store.Validate(key); err != nil {
		return "", fmt.Errorf("reminder key: %w", err)
	}
	return key, nil
}
