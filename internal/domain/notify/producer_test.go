package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clinic/clinic/internal/platform/store"
)

func TestProducer_Enqueue(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	p := NewProducer(s)
	p.now = func() time.Time { return fixedNow }

	ref, err := p.Enqueue(context.Background(), KindCancellation, validPayload())
	if err != nil {
		t.Fatal(err)
	}
	if ref.Kind != KindCancellation || ref.Key == "" {
		t.Fatalf("ref = %+v", ref)
	}
	if ref.Path() != "notifications/cancellations/"+ref.Key {
		t.Errorf("path = %q", ref.Path())
	}

	snap, _ := s.Read(context.Background(), ref.Path())
	var task Task
	if err := snap.Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending || !task.CreatedAt.Equal(fixedNow) || task.Payload != validPayload() {
		t.Errorf("task = %+v", task)
	}
}

func TestProducer_EnqueueUnknownKind(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	_, err := NewProducer(s).Enqueue(context.Background(), Kind("sms"), validPayload())
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v", err)
	}
}

func TestProducer_PrepareDoesNotWrite(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ref, path, task := NewProducer(s).Prepare(KindCancellation, validPayload())
	if path != ref.Path() || task.Status != StatusPending {
		t.Errorf("ref = %+v, path = %q, task = %+v", ref, path, task)
	}
	snap, _ := s.Read(context.Background(), Root)
	if snap.Exists() {
		t.Error("Prepare must not write")
	}
}

func TestProducer_EnsureReminderOnce(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	p := NewProducer(s)

	ref, created, err := p.EnsureReminder(context.Background(), validPayload())
	if err != nil || !created {
		t.Fatalf("first call: created = %v, err = %v", created, err)
	}
	if ref.Key != "PAT-0007_2025-03-10_0900" {
		t.Errorf("key = %q", ref.Key)
	}

	again, created, err := p.EnsureReminder(context.Background(), validPayload())
	if err != nil || created || again != ref {
		t.Errorf("second call: ref = %+v, created = %v, err = %v", again, created, err)
	}

	snap, _ := s.Read(context.Background(), KindReminder.Collection())
	if n := len(snap.Children()); n != 1 {
		t.Errorf("expected 1 reminder, got %d", n)
	}
}

func TestReminderKey(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Payload)
		want    string
		wantErr string
	}{
		{"valid", func(*Payload) {}, "PAT-0007_2025-03-10_0900", ""},
		{"afternoon", func(p *Payload) { p.AppointmentTime = "14:30" }, "PAT-0007_2025-03-10_1430", ""},
		{"no patient", func(p *Payload) { p.PatientID = "" }, "", "patient id"},
		{"bad date", func(p *Payload) { p.AppointmentDate = "2025-13-01" }, "", "invalid date"},
		{"bad time", func(p *Payload) { p.AppointmentTime = "25:00" }, "", "invalid time"},
		{"reserved char", func(p *Payload) { p.PatientID = "PAT.7" }, "", "invalid path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := validPayload()
			tt.mutate(&payload)
			got, err := ReminderKey(payload)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v", got, err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"reminder": KindReminder, "reminders": KindReminder,
		"cancellation": KindCancellation, "cancellations": KindCancellation,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("sms"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v", err)
	}
}

func TestRenderer(t *testing.T) {
	r := NewRenderer("Smile Clinic")
	task := Task{Payload: validPayload()}
	task.PatientName = "<b>Ana</b>"
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	at := time.Date(0, 1, 1, 14, 5, 0, 0, time.UTC)

	subject, html, err := r.Render(KindReminder, task, date, at)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Appointment reminder: Monday, March 10, 2025 at 2:05 PM" {
		t.Errorf("subject = %q", subject)
	}
	for _, want := range []string{"&lt;b&gt;Ana&lt;/b&gt;", "Smile Clinic", "Cleaning", "reminder of your upcoming appointment"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}

	_, html, err = r.Render(KindCancellation, task, date, at)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<strong>cancelled</strong>") {
		t.Errorf("cancellation html = %s", html)
	}
}
