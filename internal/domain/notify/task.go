// Package notify implements the appointment notification pipeline: the
// producer that records reminder and cancellation tasks in the store, the
// worker that claims each task, emails the patient and records the outcome,
// and the observer that waits for that outcome on behalf of a client.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/clinic/clinic/internal/platform/store"
)

// Root is the node holding both task collections.
const Root = "notifications"

var (
	ErrUnknownKind    = errors.New("unknown notification kind")
	ErrTaskNotFound   = errors.New("notification task not found")
	ErrAlreadyClaimed = errors.New("notification task already claimed")
)

type Kind string

const (
	KindReminder     Kind = "reminder"
	KindCancellation Kind = "cancellation"
)

// Kinds lists every task kind.
var Kinds = []Kind{KindReminder, KindCancellation}

// ParseKind accepts a kind or its collection name ("reminders").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "reminder", "reminders":
		return KindReminder, nil
	case "cancellation", "cancellations":
		return KindCancellation, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Collection is the store path tasks of this kind are written under.
func (k Kind) Collection() string {
	return store.Join(Root, string(k)+"s")
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Payload is the appointment snapshot a task is about.
type Payload struct {
	PatientID       string `json:"patientId"`
	PatientEmail    string `json:"patientEmail"`
	PatientName     string `json:"patientName"`
	AppointmentDate string `json:"appointmentDate"`
	AppointmentTime string `json:"appointmentTime"`
	Description     string `json:"description,omitempty"`
}

type Task struct {
	Payload
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	ClaimedBy string     `json:"claimedBy,omitempty"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	FailedAt  *time.Time `json:"failedAt,omitempty"`
}

// TaskRef identifies one task record.
type TaskRef struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
}

func (r TaskRef) Path() string {
	return store.Join(r.Kind.Collection(), r.Key)
}

func (r TaskRef) String() string {
	return string(r.Kind) + "/" + r.Key
}

// TaskRecord is a task together with where it lives.
type TaskRecord struct {
	TaskRef
	Task
}
