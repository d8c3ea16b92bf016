package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinic/clinic/internal/platform/store"
)

func TestAwait_ReturnsOnTerminalStatus(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ref, err := NewProducer(s).Enqueue(context.Background(), KindCancellation, validPayload())
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		rec TaskRecord
		err error
	}
	out := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec, err := Await(ctx, s, ref)
		out <- result{rec, err}
	}()

	ctx := context.Background()
	if err := s.Update(ctx, ref.Path(), map[string]any{"status": StatusProcessing}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-out:
		t.Fatalf("returned early with %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Update(ctx, ref.Path(), map[string]any{"status": StatusFailed, "error": "boom"}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatalf("Await: %v", r.err)
		}
		if r.rec.Status != StatusFailed || r.rec.Error != "boom" || r.rec.TaskRef != ref {
			t.Errorf("record = %+v", r.rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return")
	}
	if s.Subscribers() != 0 {
		t.Errorf("subscription leaked: %d", s.Subscribers())
	}
}

func TestAwait_AlreadyTerminal(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ref := TaskRef{Kind: KindReminder, Key: "k"}
	if err := s.Write(context.Background(), ref.Path(), Task{Payload: validPayload(), Status: StatusSent}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := Await(ctx, s, ref)
	if err != nil || rec.Status != StatusSent {
		t.Errorf("rec = %+v, err = %v", rec, err)
	}
}

func TestAwait_ReleasesOnCancel(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ref, err := NewProducer(s).Enqueue(context.Background(), KindReminder, validPayload())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var last TaskRecord
	go func() {
		var err error
		last, err = Await(ctx, s, ref)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not release on cancel")
	}
	if s.Subscribers() != 0 {
		t.Errorf("subscription leaked: %d", s.Subscribers())
	}
	if last.Status != "" && last.Status != StatusPending {
		t.Errorf("last = %+v", last)
	}
}

func TestWatch_StopsWhenCallbackDeclines(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	ref, err := NewProducer(s).Enqueue(context.Background(), KindReminder, validPayload())
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	err = Watch(context.Background(), s, ref, func(rec TaskRecord) bool {
		calls++
		return false
	})
	if err != nil || calls != 1 {
		t.Errorf("calls = %d, err = %v", calls, err)
	}
	if s.Subscribers() != 0 {
		t.Errorf("subscription leaked: %d", s.Subscribers())
	}
}
