package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{RoleFrontdesk}, true},
		{"one of several", []string{RoleDoctor}, true},
		{"admin always passes", []string{RoleAdmin}, true},
		{"other role", []string{RoleDentist}, false},
		{"no roles", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleFrontdesk, RoleDoctor)(okHandler)(c)
			if tt.allowed {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			expectStatus(t, err, http.StatusForbidden)
		})
	}
}

func TestIsStaffRole(t *testing.T) {
	for _, r := range StaffRoles {
		if !IsStaffRole(r) {
			t.Errorf("%s should be a staff role", r)
		}
	}
	if IsStaffRole("physician") {
		t.Error("physician is not a clinic role")
	}
}
