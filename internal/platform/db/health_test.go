package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func callHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	h := HealthHandler("memory", func(context.Context) error { return nil },
		func() interface{} { return map[string]int{"appointments": 3} })

	rec, body := callHealth(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" || body["driver"] != "memory" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["details"]; !ok {
		t.Error("expected details in body")
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	h := HealthHandler("postgres", func(context.Context) error { return errors.New("connection refused") }, nil)

	rec, body := callHealth(t, h)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" || body["error"] != "connection refused" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHealthHandler_PingHasDeadline(t *testing.T) {
	var hasDeadline bool
	h := HealthHandler("postgres", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}, nil)

	callHealth(t, h)
	if !hasDeadline {
		t.Error("expected ping context to carry a deadline")
	}
}
