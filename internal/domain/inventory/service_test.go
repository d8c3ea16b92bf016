package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/domain/idalloc"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
)

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	svc := NewService(s, validate.New())
	svc.now = func() time.Time { return fixedNow }
	return svc, s
}

func TestService_AddAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	m, err := svc.Add(context.Background(), AddRequest{Name: "Amoxicillin 500mg", Quantity: 40, Brand: "Amoxil", ExpiryDate: "2027-01-31"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, err := strconv.Atoi(m.ID)
	if err != nil || n < idalloc.MinMedicineID || n > idalloc.MaxMedicineID {
		t.Errorf("id = %q", m.ID)
	}

	got, err := svc.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Amoxicillin 500mg" || got.Quantity != 40 || !got.CreatedAt.Equal(fixedNow) {
		t.Errorf("medicine = %+v", got)
	}
}

func TestService_AddAvoidsTakenIDs(t *testing.T) {
	svc, s := newTestService(t)
	// Every id but 777 is taken.
	all := make(map[string]any)
	for i := idalloc.MinMedicineID; i <= idalloc.MaxMedicineID; i++ {
		if i != 777 {
			all[strconv.Itoa(i)] = map[string]any{"name": "x", "quantity": 1}
		}
	}
	if err := s.Write(context.Background(), Collection, all); err != nil {
		t.Fatal(err)
	}

	m, err := svc.Add(context.Background(), AddRequest{Name: "Last", Quantity: 1})
	if err != nil || m.ID != "777" {
		t.Fatalf("got %+v, %v", m, err)
	}

	_, err = svc.Add(context.Background(), AddRequest{Name: "One too many", Quantity: 1})
	if !errors.Is(err, idalloc.ErrIDSpaceExhausted) {
		t.Errorf("err = %v", err)
	}
}

func TestService_ConcurrentAddsGetDistinctIDs(t *testing.T) {
	svc, _ := newTestService(t)
	const n = 30
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := svc.Add(context.Background(), AddRequest{Name: fmt.Sprintf("med-%d", i), Quantity: i})
			if err != nil {
				t.Errorf("Add: %v", err)
				return
			}
			ids <- m.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
	_, total, err := svc.List(context.Background(), 0, 0)
	if err != nil || total != n {
		t.Errorf("total = %d, err = %v", total, err)
	}
}

func TestService_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	for _, req := range []AddRequest{{Quantity: 1}, {Name: "x", Quantity: -1}, {Name: "x", ExpiryDate: "31/01/2027"}} {
		if _, err := svc.Add(context.Background(), req); !validate.IsValidation(err) {
			t.Errorf("%+v: err = %v", req, err)
		}
	}

	m, _ := svc.Add(context.Background(), AddRequest{Name: "x", Quantity: 1})
	neg := -5
	if _, err := svc.Edit(context.Background(), m.ID, EditRequest{Quantity: &neg}); !validate.IsValidation(err) {
		t.Errorf("negative edit: err = %v", err)
	}
}

func TestService_EditAndDelete(t *testing.T) {
	svc, _ := newTestService(t)
	m, _ := svc.Add(context.Background(), AddRequest{Name: "Ibuprofen", Quantity: 10, Brand: "Advil"})

	qty, name := 3, "Ibuprofen 400mg"
	edited, err := svc.Edit(context.Background(), m.ID, EditRequest{Name: &name, Quantity: &qty})
	if err != nil {
		t.Fatal(err)
	}
	if edited.Name != name || edited.Quantity != 3 || edited.Brand != "Advil" || edited.UpdatedAt == nil {
		t.Errorf("edited = %+v", edited)
	}

	if err := svc.Delete(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(context.Background(), m.ID); !errors.Is(err, ErrMedicineNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if err := svc.Delete(context.Background(), m.ID); !errors.Is(err, ErrMedicineNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if _, err := svc.Edit(context.Background(), "123", EditRequest{Quantity: &qty}); !errors.Is(err, ErrMedicineNotFound) {
		t.Errorf("edit missing: %v", err)
	}
}

func TestService_ListPagination(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < 5; i++ {
		if _, err := svc.Add(context.Background(), AddRequest{Name: "m", Quantity: i}); err != nil {
			t.Fatal(err)
		}
	}
	page, total, err := svc.List(context.Background(), 2, 4)
	if err != nil || total != 5 || len(page) != 1 {
		t.Errorf("page = %d items, total = %d, err = %v", len(page), total, err)
	}
	all, _, _ := svc.List(context.Background(), 0, 0)
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Errorf("not ordered by id: %s, %s", all[i-1].ID, all[i].ID)
		}
	}
}

func TestHandler_Routes(t *testing.T) {
	svc, _ := newTestService(t)
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	do := func(method, target, body string, roles ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = req.WithContext(auth.WithIdentity(req.Context(), "u", roles))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/api/v1/medicines", `{"name":"Paracetamol","quantity":12}`, auth.RoleDoctor)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, "/api/v1/medicines", `{"quantity":-1}`, auth.RoleDoctor); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid add: %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/v1/medicines/42", "", auth.RoleFrontdesk); rec.Code != http.StatusNotFound {
		t.Errorf("missing get: %d", rec.Code)
	}
	if rec := do(http.MethodDelete, "/api/v1/medicines/42", "", auth.RoleDoctor); rec.Code != http.StatusForbidden {
		t.Errorf("doctor delete: %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/v1/medicines", "", auth.RoleDentist); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Paracetamol") {
		t.Errorf("list: %d %s", rec.Code, rec.Body.String())
	}
}
