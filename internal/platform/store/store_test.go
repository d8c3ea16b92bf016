package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Every backend runs the same behavioural suite.

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "tree.db"), zerolog.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPGStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(pool.Close)
		_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS tree_nodes (
			path TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`)
		if err != nil {
			t.Fatalf("create table: %v", err)
		}
		if _, err := pool.Exec(ctx, `DELETE FROM tree_nodes`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		s := NewPGStore(pool, zerolog.Nop())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ReadMissing", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Read(context.Background(), "patients/PAT-0001")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.Exists() {
			t.Errorf("expected empty snapshot, got %#v", snap.Value)
		}
		if snap.Key() != "PAT-0001" {
			t.Errorf("Key = %q", snap.Key())
		}
	})

	t.Run("WriteReadNested", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		err := s.Write(ctx, "patients/PAT-0001", map[string]any{
			"personalInfo": map[string]any{"name": "Ana", "email": "ana@example.com"},
			"appointments": map[string]any{"status": "scheduled"},
		})
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		snap, err := s.Read(ctx, "patients/PAT-0001/personalInfo/name")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if snap.Value != "Ana" {
			t.Errorf("name = %#v", snap.Value)
		}

		var got struct {
			PersonalInfo struct {
				Email string `json:"email"`
			} `json:"personalInfo"`
		}
		parent, _ := s.Read(ctx, "patients/PAT-0001")
		if err := parent.Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.PersonalInfo.Email != "ana@example.com" {
			t.Errorf("email = %q", got.PersonalInfo.Email)
		}
	})

	t.Run("WriteReplacesSubtree", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Write(ctx, "a", map[string]any{"x": 1, "y": 2})
		s.Write(ctx, "a", map[string]any{"z": 3})
		snap, _ := s.Read(ctx, "a")
		m, _ := snap.Value.(map[string]any)
		if len(m) != 1 || m["z"] != float64(3) {
			t.Errorf("a = %#v", snap.Value)
		}
	})

	t.Run("WriteBelowScalarReplacesIt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Write(ctx, "a", "scalar")
		s.Write(ctx, "a/b", "child")
		snap, _ := s.Read(ctx, "a")
		m, ok := snap.Value.(map[string]any)
		if !ok || m["b"] != "child" {
			t.Errorf("a = %#v", snap.Value)
		}
	})

	t.Run("UpdateMultiPath", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Write(ctx, "patients/PAT-0002/appointments", map[string]any{"status": "scheduled", "date": "2025-03-10"})
		err := s.Update(ctx, "", map[string]any{
			"patients/PAT-0002/appointments/status": "cancelled",
			"patients/PAT-0002/appointments/date":   nil,
			"notifications/cancellations/k1":        map[string]any{"status": "pending"},
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		appt, _ := s.Read(ctx, "patients/PAT-0002/appointments")
		m, _ := appt.Value.(map[string]any)
		if m["status"] != "cancelled" {
			t.Errorf("status = %#v", m["status"])
		}
		if _, ok := m["date"]; ok {
			t.Error("date should have been removed")
		}
		task, _ := s.Read(ctx, "notifications/cancellations/k1/status")
		if task.Value != "pending" {
			t.Errorf("task status = %#v", task.Value)
		}
	})

	t.Run("UpdateRejectsOverlap", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), "a", map[string]any{"b": 1, "b/c": 2})
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("AppendOrderedKeys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k1, err := s.Append(ctx, "patients/PAT-0003/visits", map[string]any{"n": 1})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		k2, _ := s.Append(ctx, "patients/PAT-0003/visits", map[string]any{"n": 2})
		if k1 == k2 {
			t.Fatal("keys must be unique")
		}
		if k1 > k2 {
			t.Errorf("keys not time ordered: %q > %q", k1, k2)
		}
		snap, _ := s.Read(ctx, "patients/PAT-0003/visits")
		children := snap.Children()
		if len(children) != 2 || children[0].Key() != k1 {
			t.Errorf("children = %#v", children)
		}
	})

	t.Run("RemoveSubtree", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Write(ctx, "medicines/1234", map[string]any{"name": "x", "stock": 3})
		s.Write(ctx, "medicines/12345", map[string]any{"name": "y"})
		if err := s.Remove(ctx, "medicines/1234"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		gone, _ := s.Read(ctx, "medicines/1234")
		if gone.Exists() {
			t.Error("expected removed")
		}
		kept, _ := s.Read(ctx, "medicines/12345/name")
		if kept.Value != "y" {
			t.Error("sibling with a shared prefix must survive")
		}
	})

	t.Run("InvalidPath", func(t *testing.T) {
		s := newStore(t)
		if err := s.Write(context.Background(), "bad.path", 1); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("RejectsKeysThatAreNotSegments", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Write(ctx, "patients/PAT-0001/examination/vitalSigns/pulse", "72")

		tests := []struct {
			name  string
			write func() error
		}{
			{"slash in key", func() error {
				return s.Write(ctx, "patients/PAT-0001/examination", map[string]any{
					"vitalSigns": map[string]any{"bp/sys": "120"},
				})
			}},
			{"reserved char in key", func() error {
				return s.Write(ctx, "patients/PAT-0001/examination/vitalSigns", map[string]string{"temp.c": "37"})
			}},
			{"empty key", func() error {
				return s.Update(ctx, "patients/PAT-0001", map[string]any{
					"examination": map[string]any{"": "x"},
				})
			}},
			{"inside transaction", func() error {
				return s.Transact(ctx, nil, func(map[string]Snapshot) (map[string]any, error) {
					return map[string]any{"patients/PAT-0001/examination/findings": map[string]any{"a/b": "c"}}, nil
				})
			}},
		}
		for _, tt := range tests {
			if err := tt.write(); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("%s: expected ErrInvalidPath, got %v", tt.name, err)
			}
		}

		snap, err := s.Read(ctx, "patients/PAT-0001/examination")
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]any{"vitalSigns": map[string]any{"pulse": "72"}}
		if !reflect.DeepEqual(snap.Value, want) {
			t.Errorf("examination = %#v, want %#v", snap.Value, want)
		}
	})

	t.Run("TransactAbortKeepsState", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Write(ctx, "metadata/patients/count", 4)
		boom := errors.New("boom")
		err := s.Transact(ctx, []string{"metadata/patients/count"}, func(cur map[string]Snapshot) (map[string]any, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}
		snap, _ := s.Read(ctx, "metadata/patients/count")
		if snap.Value != float64(4) {
			t.Errorf("count = %#v", snap.Value)
		}
	})

	t.Run("TransactConcurrentIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 10
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Transact(ctx, []string{"counter"}, func(cur map[string]Snapshot) (map[string]any, error) {
					c, _ := cur["counter"].Value.(float64)
					return map[string]any{"counter": c + 1}, nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("transact: %v", err)
			}
		}
		snap, _ := s.Read(ctx, "counter")
		if snap.Value != float64(n) {
			t.Errorf("counter = %#v, want %d", snap.Value, n)
		}
	})

	t.Run("CreateIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := CreateIfAbsent(ctx, s, "notifications/reminders/PAT-0001_2025-03-10_0930", map[string]any{"status": "pending"})
		if err != nil || !created {
			t.Fatalf("first create: created=%v err=%v", created, err)
		}
		created, err = CreateIfAbsent(ctx, s, "notifications/reminders/PAT-0001_2025-03-10_0930", map[string]any{"status": "other"})
		if err != nil || created {
			t.Fatalf("second create: created=%v err=%v", created, err)
		}
		snap, _ := s.Read(ctx, "notifications/reminders/PAT-0001_2025-03-10_0930/status")
		if snap.Value != "pending" {
			t.Errorf("status = %#v", snap.Value)
		}
	})

	t.Run("SubscribeSeesInitialAndChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.Write(ctx, "notifications/cancellations/k1/status", "pending")

		got := make(chan any, 16)
		stop, err := s.Subscribe(ctx, "notifications/cancellations/k1/status", func(snap Snapshot) {
			got <- snap.Value
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stop()

		waitFor(t, got, "pending")
		s.Write(ctx, "notifications/cancellations/k1", map[string]any{"status": "sent"})
		waitFor(t, got, "sent")
	})

	t.Run("SubscribeAncestorSeesChildWrites", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		got := make(chan any, 16)
		stop, err := s.Subscribe(ctx, "notifications/reminders", func(snap Snapshot) {
			got <- len(snap.Children())
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stop()

		waitFor(t, got, 0)
		s.Write(ctx, "notifications/reminders/a", map[string]any{"status": "pending"})
		waitFor(t, got, 1)
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var mu sync.Mutex
		calls := 0
		stop, err := s.Subscribe(ctx, "x", func(Snapshot) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		stop()
		mu.Lock()
		before := calls
		mu.Unlock()
		s.Write(ctx, "x", 1)
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if calls != before {
			t.Errorf("callback ran after unsubscribe: %d -> %d", before, calls)
		}
	})
}

// waitFor drains ch until want arrives or a deadline passes. Intermediate
// values are allowed because deliveries coalesce.
func waitFor(t *testing.T, ch <-chan any, want any) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if v == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %#v", want)
		}
	}
}
