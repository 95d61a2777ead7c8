package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicsched/clinicsched/internal/platform/auth"
	"github.com/clinicsched/clinicsched/pkg/localtime"
	"github.com/clinicsched/clinicsched/pkg/pagination"
)

// PublicRequester is recorded as the performer of public intake requests.
const PublicRequester = "public-intake"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the scheduling API on api, which must already be
// behind authentication. The public intake route is mounted on public with
// the given middleware, typically a rate limiter.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group, publicMiddleware ...echo.MiddlewareFunc) {
	// Providers maintain their own week; admins maintain anyone's.
	api.GET("/providers/:providerId/schedule", h.GetSchedule)
	api.PUT("/providers/:providerId/schedule/:weekday", h.SetDayWindow, auth.RequireSelfOrRole("providerId", "admin"))
	api.GET("/providers/:providerId/slot-check", h.CheckSlot)

	desk := api.Group("", auth.RequireRole("admin", "provider", "staff"))
	desk.GET("/providers/:providerId/appointments", h.ListProviderDay)
	desk.POST("/appointments", h.CreateAppointment)
	desk.GET("/appointments/:id", h.GetAppointment)
	desk.GET("/appointments/:id/history", h.GetHistory)
	desk.POST("/appointments/:id/transitions", h.Transition)

	public.POST("/booking-requests", h.CreateBookingRequest, publicMiddleware...)
}

// -- Responses --

type errorBody struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

var kindStatus = map[ErrorKind]int{
	KindValidation:          http.StatusBadRequest,
	KindInvalidWindow:       http.StatusUnprocessableEntity,
	KindOutsideAvailability: http.StatusUnprocessableEntity,
	KindSlotConflict:        http.StatusConflict,
	KindIllegalTransition:   http.StatusConflict,
	KindContendedSlot:       http.StatusServiceUnavailable,
	KindNotFound:            http.StatusNotFound,
	KindProviderUnavailable: http.StatusUnprocessableEntity,
}

// StatusFor maps a scheduling error to its HTTP status.
func StatusFor(err error) int {
	if code, ok := kindStatus[KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// ErrorResponse renders err as {kind, message, details}. Errors without a
// scheduling kind become an opaque 500.
func ErrorResponse(c echo.Context, err error) error {
	kind := KindOf(err)
	if kind == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	body := errorBody{Kind: kind, Message: err.Error(), Details: errorDetails(err)}
	if kind == KindContendedSlot {
		c.Response().Header().Set("Retry-After", "1")
	}
	return echo.NewHTTPError(StatusFor(err), body).SetInternal(err)
}

func errorDetails(err error) map[string]interface{} {
	var (
		ve  *ValidationError
		iwe *InvalidWindowError
		oae *OutsideAvailabilityError
		sce *SlotConflictError
		ite *IllegalTransitionError
		cse *ContendedSlotError
	)
	switch {
	case errors.As(err, &ve):
		if ve.Field == "" {
			return nil
		}
		return map[string]interface{}{"field": ve.Field}
	case errors.As(err, &iwe):
		return map[string]interface{}{"weekday": strings.ToLower(iwe.Weekday.String()), "reason": iwe.Reason}
	case errors.As(err, &oae):
		return map[string]interface{}{
			"weekday":   strings.ToLower(oae.Weekday.String()),
			"window":    oae.Window,
			"requested": oae.Requested,
		}
	case errors.As(err, &sce):
		if sce.Conflicting == nil {
			return nil
		}
		return map[string]interface{}{"conflicting": sce.Conflicting}
	case errors.As(err, &ite):
		return map[string]interface{}{"from": ite.From, "to": ite.To, "allowed": NextStatuses(ite.From)}
	case errors.As(err, &cse):
		return map[string]interface{}{"retry_after_seconds": 1}
	}
	return nil
}

// appointmentView adds the clinic-local wall clock to an appointment.
type appointmentView struct {
	*Appointment
	End  localtime.Instant `json:"end"`
	Date localtime.Date    `json:"date"`
	Time string            `json:"time"`
}

func (h *Handler) view(a *Appointment) appointmentView {
	d, tod := h.svc.Normalizer().ToLocal(a.Start)
	return appointmentView{Appointment: a, End: a.End(), Date: d, Time: tod.String()}
}

// -- Request parsing --

func invalidInput(err error) error {
	var ie *localtime.InvalidInputError
	if errors.As(err, &ie) {
		return &ValidationError{Field: ie.Field, Message: ie.Reason, Err: err}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}

func (h *Handler) parseSlotStart(date, tod string) (localtime.Instant, error) {
	if date == "" {
		return 0, &ValidationError{Field: "date", Message: "is required"}
	}
	if tod == "" {
		return 0, &ValidationError{Field: "time", Message: "is required"}
	}
	start, err := h.svc.Normalizer().Parse(date, tod)
	if err != nil {
		return 0, invalidInput(err)
	}
	return start, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, &ValidationError{Field: "id", Message: "must be a UUID"}
	}
	return id, nil
}

// -- Availability handlers --

func (h *Handler) GetSchedule(c echo.Context) error {
	sched, err := h.svc.GetSchedule(c.Request().Context(), c.Param("providerId"))
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) SetDayWindow(c echo.Context) error {
	providerID := c.Param("providerId")
	userID := auth.UserIDFromContext(c.Request().Context())
	wd, err := ParseWeekday(c.Param("weekday"))
	if err != nil {
		return ErrorResponse(c, err)
	}
	var w DayWindow
	if err := c.Bind(&w); err != nil {
		return ErrorResponse(c, &ValidationError{Message: "invalid window body", Err: err})
	}
	if err := h.svc.SetDayWindow(c.Request().Context(), providerID, wd, w, userID); err != nil {
		return ErrorResponse(c, err)
	}

	w, err = h.svc.GetWindow(c.Request().Context(), providerID, wd)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"provider_id": providerID,
		"weekday":     strings.ToLower(wd.String()),
		"window":      w,
	})
}

func (h *Handler) CheckSlot(c echo.Context) error {
	start, err := h.parseSlotStart(c.QueryParam("date"), c.QueryParam("time"))
	if err != nil {
		return ErrorResponse(c, err)
	}
	duration, err := strconv.Atoi(c.QueryParam("duration"))
	if err != nil {
		return ErrorResponse(c, &ValidationError{Field: "duration", Message: "must be a whole number of minutes"})
	}
	check, err := h.svc.CheckSlot(c.Request().Context(), c.Param("providerId"), start, duration)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, check)
}

// -- Booking handlers --

type bookingBody struct {
	ProviderID      string `json:"provider_id"`
	PatientID       string `json:"patient_id"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"duration_minutes"`
	Type            string `json:"type"`
	Details         string `json:"details"`
}

func (h *Handler) bookingRequest(c echo.Context, status Status, requestedBy string) (BookingRequest, error) {
	var body bookingBody
	if err := c.Bind(&body); err != nil {
		return BookingRequest{}, &ValidationError{Message: "invalid booking body", Err: err}
	}
	start, err := h.parseSlotStart(body.Date, body.Time)
	if err != nil {
		return BookingRequest{}, err
	}
	typ := AppointmentType(body.Type)
	if typ == "" {
		typ = TypeConsultation
	}
	return BookingRequest{
		ProviderID:      body.ProviderID,
		PatientID:       body.PatientID,
		Start:           start,
		DurationMinutes: body.DurationMinutes,
		Type:            typ,
		RequestedStatus: status,
		RequestedBy:     requestedBy,
		Details:         body.Details,
	}, nil
}

// CreateAppointment books directly into the schedule on behalf of staff.
func (h *Handler) CreateAppointment(c echo.Context) error {
	req, err := h.bookingRequest(c, StatusScheduled, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return ErrorResponse(c, err)
	}
	a, err := h.svc.RequestBooking(c.Request().Context(), req)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, h.view(a))
}

// CreateBookingRequest records a public intake request as a non-reserving
// inquiry.
func (h *Handler) CreateBookingRequest(c echo.Context) error {
	req, err := h.bookingRequest(c, StatusInquiry, PublicRequester)
	if err != nil {
		return ErrorResponse(c, err)
	}
	a, err := h.svc.RequestBooking(c.Request().Context(), req)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, h.view(a))
}

// -- Appointment handlers --

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return ErrorResponse(c, err)
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return ErrorResponse(c, err)
	}
	entries, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"appointment_id": id, "entries": entries})
}

type transitionBody struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return ErrorResponse(c, err)
	}
	var body transitionBody
	if err := c.Bind(&body); err != nil {
		return ErrorResponse(c, &ValidationError{Message: "invalid transition body", Err: err})
	}
	to, err := ParseStatus(body.Status)
	if err != nil {
		return ErrorResponse(c, err)
	}
	performedBy := auth.UserIDFromContext(c.Request().Context())
	a, err := h.svc.TransitionAppointment(c.Request().Context(), id, to, performedBy, body.Details)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h.view(a))
}

func (h *Handler) ListProviderDay(c echo.Context) error {
	day, err := localtime.ParseDate(c.QueryParam("date"))
	if err != nil {
		return ErrorResponse(c, invalidInput(err))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProviderDay(c.Request().Context(), c.Param("providerId"), day, pg.Limit, pg.Offset)
	if err != nil {
		return ErrorResponse(c, err)
	}
	views := make([]appointmentView, 0, len(items))
	for _, a := range items {
		views = append(views, h.view(a))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}
