package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		ping   error
		status int
		body   string
	}{
		{"healthy", nil, http.StatusOK, `"status":"healthy"`},
		{"down", errors.New("connection refused"), http.StatusServiceUnavailable, `"error":"connection refused"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

			h := HealthHandler("memory", pingerFunc(func(context.Context) error { return tt.ping }), nil)
			if err := h(c); err != nil {
				t.Fatal(err)
			}
			if rec.Code != tt.status || !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("got %d %s", rec.Code, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), `"pool"`) {
				t.Error("pool stats without a pool")
			}
		})
	}
}
