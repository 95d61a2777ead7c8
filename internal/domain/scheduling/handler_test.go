package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicsched/clinicsched/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv(t)
	env.openMonday(t, testProvider)
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, body string, userID string, roles ...string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles))
	}
	return req
}

// expectKind asserts err is the HTTP rendering of a scheduling error.
func expectKind(t *testing.T, err error, code int, kind ErrorKind) errorBody {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
	body, ok := httpErr.Message.(errorBody)
	if !ok {
		t.Fatalf("expected errorBody message, got %T", httpErr.Message)
	}
	if body.Kind != kind {
		t.Errorf("expected kind %s, got %s", kind, body.Kind)
	}
	return body
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

const bookingJSON = `{"provider_id":"dr-lee","patient_id":"patient-1","date":"2025-06-02","time":"10:00","duration_minutes":30}`

func TestHandler_CreateAppointment(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, bookingJSON, "front-desk", "staff"), rec)

	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	out := decodeView(t, rec)
	if out["status"] != "scheduled" {
		t.Errorf("expected scheduled, got %v", out["status"])
	}
	if out["type"] != "consultation" {
		t.Errorf("expected default type consultation, got %v", out["type"])
	}
	if out["date"] != "2025-06-02" || out["time"] != "10:00" {
		t.Errorf("expected local 2025-06-02 10:00, got %v %v", out["date"], out["time"])
	}
	if out["start"] != "2025-06-02T10:00:00Z" || out["end"] != "2025-06-02T10:30:00Z" {
		t.Errorf("unexpected instants %v - %v", out["start"], out["end"])
	}
}

func TestHandler_CreateAppointment_Conflict(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(jsonRequest(http.MethodPost, bookingJSON, "front-desk", "staff"), httptest.NewRecorder())
	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	overlapping := strings.Replace(bookingJSON, `"10:00"`, `"10:15"`, 1)
	c = e.NewContext(jsonRequest(http.MethodPost, overlapping, "front-desk", "staff"), httptest.NewRecorder())
	body := expectKind(t, h.CreateAppointment(c), http.StatusConflict, KindSlotConflict)
	if body.Details["conflicting"] == nil {
		t.Error("expected conflicting interval in details")
	}
}

func TestHandler_CreateAppointment_OutsideAvailability(t *testing.T) {
	h, _, e := newTestHandler(t)
	late := strings.Replace(bookingJSON, `"10:00"`, `"16:45"`, 1)
	c := e.NewContext(jsonRequest(http.MethodPost, late, "front-desk", "staff"), httptest.NewRecorder())

	body := expectKind(t, h.CreateAppointment(c), http.StatusUnprocessableEntity, KindOutsideAvailability)
	if body.Details["weekday"] != "monday" {
		t.Errorf("expected weekday monday in details, got %v", body.Details["weekday"])
	}
}

func TestHandler_CreateAppointment_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"provider_id":`},
		{"missing date", `{"provider_id":"dr-lee","patient_id":"p","time":"10:00","duration_minutes":30}`},
		{"bad time", `{"provider_id":"dr-lee","patient_id":"p","date":"2025-06-02","time":"25:00","duration_minutes":30}`},
		{"bad date", `{"provider_id":"dr-lee","patient_id":"p","date":"2025-13-02","time":"10:00","duration_minutes":30}`},
		{"zero duration", `{"provider_id":"dr-lee","patient_id":"p","date":"2025-06-02","time":"10:00","duration_minutes":0}`},
		{"unknown type", `{"provider_id":"dr-lee","patient_id":"p","date":"2025-06-02","time":"10:00","duration_minutes":30,"type":"surgery"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(t)
			c := e.NewContext(jsonRequest(http.MethodPost, tt.body, "front-desk", "staff"), httptest.NewRecorder())
			expectKind(t, h.CreateAppointment(c), http.StatusBadRequest, KindValidation)
		})
	}
}

func TestHandler_CreateBookingRequest(t *testing.T) {
	h, env, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, bookingJSON, ""), rec)

	if err := h.CreateBookingRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	out := decodeView(t, rec)
	if out["status"] != "inquiry" {
		t.Errorf("expected inquiry, got %v", out["status"])
	}

	id := uuid.MustParse(out["id"].(string))
	hist, err := env.svc.History(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist[0].PerformedBy != PublicRequester {
		t.Errorf("expected performer %s, got %s", PublicRequester, hist[0].PerformedBy)
	}
}

func TestHandler_CheckSlot(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.book(t, bookingAt(testProvider, env.at(t, "2025-06-02", "10:00"), 30, StatusScheduled))

	tests := []struct {
		name      string
		query     string
		available bool
		kind      ErrorKind
	}{
		{"free", "date=2025-06-02&time=11:00&duration=30", true, ""},
		{"taken", "date=2025-06-02&time=10:15&duration=30", false, KindSlotConflict},
		{"closed day", "date=2025-06-03&time=10:00&duration=30", false, KindOutsideAvailability},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("providerId")
			c.SetParamValues(testProvider)

			if err := h.CheckSlot(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var check SlotCheck
			if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if check.Available != tt.available || check.Kind != tt.kind {
				t.Errorf("expected available=%v kind=%q, got %+v", tt.available, tt.kind, check)
			}
		})
	}
}

func TestHandler_CheckSlot_BadDuration(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?date=2025-06-02&time=10:00&duration=half", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("providerId")
	c.SetParamValues(testProvider)

	expectKind(t, h.CheckSlot(c), http.StatusBadRequest, KindValidation)
}

func TestHandler_SetDayWindow(t *testing.T) {
	h, env, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPut, `{"is_available":true,"start":"08:30","end":"12:00"}`, testProvider, "provider"), rec)
	c.SetParamNames("providerId", "weekday")
	c.SetParamValues(testProvider, "tuesday")

	if err := h.SetDayWindow(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	w, err := env.svc.GetWindow(context.Background(), testProvider, time.Tuesday)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if w != window("08:30", "12:00") {
		t.Errorf("unexpected stored window %+v", w)
	}
}

func TestHandler_SetDayWindow_Errors(t *testing.T) {
	tests := []struct {
		name    string
		weekday string
		body    string
		code    int
		kind    ErrorKind
	}{
		{"unknown weekday", "funday", `{"is_available":false}`, http.StatusBadRequest, KindValidation},
		{"inverted window", "monday", `{"is_available":true,"start":"12:00","end":"09:00"}`, http.StatusUnprocessableEntity, KindInvalidWindow},
		{"malformed time", "monday", `{"is_available":true,"start":"9am","end":"12:00"}`, http.StatusBadRequest, KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(t)
			c := e.NewContext(jsonRequest(http.MethodPut, tt.body, "admin-1", "admin"), httptest.NewRecorder())
			c.SetParamNames("providerId", "weekday")
			c.SetParamValues(testProvider, tt.weekday)
			expectKind(t, h.SetDayWindow(c), tt.code, tt.kind)
		})
	}
}

func TestHandler_GetSchedule(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("providerId")
	c.SetParamValues(testProvider)

	if err := h.GetSchedule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"weekday":"monday"`) {
		t.Errorf("expected monday in schedule, got %s", rec.Body.String())
	}
}

func TestHandler_GetSchedule_UnknownProvider(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("providerId")
	c.SetParamValues("dr-nobody")

	expectKind(t, h.GetSchedule(c), http.StatusNotFound, KindNotFound)
}

func TestHandler_Transition(t *testing.T) {
	h, env, e := newTestHandler(t)
	a := env.book(t, bookingAt(testProvider, env.at(t, "2025-06-02", "10:00"), 30, StatusScheduled))

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"status":"confirmed","details":"called patient"}`, "front-desk", "staff"), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out := decodeView(t, rec); out["status"] != "confirmed" {
		t.Errorf("expected confirmed, got %v", out["status"])
	}

	hist, _ := env.svc.History(context.Background(), a.ID)
	last := hist[len(hist)-1]
	if last.PerformedBy != "front-desk" || last.Details != "called patient" {
		t.Errorf("unexpected history entry %+v", last)
	}
}

func TestHandler_Transition_Errors(t *testing.T) {
	h, env, e := newTestHandler(t)
	a := env.book(t, bookingAt(testProvider, env.at(t, "2025-06-02", "10:00"), 30, StatusScheduled))

	tests := []struct {
		name string
		id   string
		body string
		code int
		kind ErrorKind
	}{
		{"illegal", a.ID.String(), `{"status":"completed"}`, http.StatusConflict, KindIllegalTransition},
		{"unknown status", a.ID.String(), `{"status":"done"}`, http.StatusBadRequest, KindValidation},
		{"bad id", "not-a-uuid", `{"status":"confirmed"}`, http.StatusBadRequest, KindValidation},
		{"missing", uuid.New().String(), `{"status":"confirmed"}`, http.StatusNotFound, KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPost, tt.body, "front-desk", "staff"), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			expectKind(t, h.Transition(c), tt.code, tt.kind)
		})
	}
}

func TestHandler_GetAppointmentAndHistory(t *testing.T) {
	h, env, e := newTestHandler(t)
	a := env.book(t, bookingAt(testProvider, env.at(t, "2025-06-02", "10:00"), 30, StatusScheduled))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.GetAppointment(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out := decodeView(t, rec); out["id"] != a.ID.String() {
		t.Errorf("expected id %s, got %v", a.ID, out["id"])
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.GetHistory(c); err != nil {
		t.Fatalf("history: %v", err)
	}
	var out struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0].PreviousStatus != nil {
		t.Errorf("expected a single creation entry, got %+v", out.Entries)
	}
}

func TestHandler_ListProviderDay(t *testing.T) {
	h, env, e := newTestHandler(t)
	for _, tod := range []string{"09:00", "10:00", "11:00"} {
		env.book(t, bookingAt(testProvider, env.at(t, "2025-06-02", tod), 30, StatusScheduled))
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?date=2025-06-02&limit=2", nil), rec)
	c.SetParamNames("providerId")
	c.SetParamValues(testProvider)

	if err := h.ListProviderDay(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page total=%d len=%d has_more=%v", page.Total, len(page.Data), page.HasMore)
	}
	if page.Data[0]["time"] != "09:00" {
		t.Errorf("expected earliest first, got %v", page.Data[0]["time"])
	}
}

func TestHandler_ListProviderDay_MissingDate(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("providerId")
	c.SetParamValues(testProvider)

	expectKind(t, h.ListProviderDay(c), http.StatusBadRequest, KindValidation)
}

func TestHandler_ContendedSetsRetryAfter(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	err := ErrorResponse(c, &ContendedSlotError{ProviderID: testProvider, Waited: time.Second})
	expectKind(t, err, http.StatusServiceUnavailable, KindContendedSlot)
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestHandler_UnknownErrorIsInternal(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := ErrorResponse(c, errors.New("connection reset"))
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&ValidationError{Field: "x"}, http.StatusBadRequest},
		{&InvalidWindowError{}, http.StatusUnprocessableEntity},
		{&OutsideAvailabilityError{}, http.StatusUnprocessableEntity},
		{&ProviderUnavailableError{}, http.StatusUnprocessableEntity},
		{&SlotConflictError{}, http.StatusConflict},
		{&IllegalTransitionError{}, http.StatusConflict},
		{&ContendedSlotError{}, http.StatusServiceUnavailable},
		{&NotFoundError{}, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.code {
			t.Errorf("StatusFor(%T) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

func TestRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.openMonday(t, testProvider)

	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware(auth.AuthSkipper))
	NewHandler(env.svc).RegisterRoutes(api, api.Group("/public"))

	t.Run("public intake", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/public/booking-requests", strings.NewReader(bookingJSON))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("error body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/"+uuid.New().String(), nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Kind != KindNotFound {
			t.Errorf("expected not_found, got %s", body.Kind)
		}
	})

	t.Run("schedule is owner only", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/providers/dr-lee/schedule/friday", strings.NewReader(`{"is_available":false}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(auth.DevUserHeader, "dr-kim")
		req.Header.Set(auth.DevRolesHeader, "provider")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("desk routes need a desk role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(bookingJSON))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(auth.DevUserHeader, "patient-1")
		req.Header.Set(auth.DevRolesHeader, "patient")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})
}
