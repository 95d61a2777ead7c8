package provider

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicsched/clinicsched/internal/domain/scheduling"
	"github.com/clinicsched/clinicsched/internal/platform/auth"
	"github.com/clinicsched/clinicsched/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/providers", h.List)
	api.GET("/providers/:providerId", h.Get)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/providers", h.Create)
	admin.PUT("/providers/:providerId", h.Update)
}

type providerBody struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Active      *bool  `json:"active"`
}

func (b providerBody) provider() *Provider {
	p := &Provider{ID: b.ID, DisplayName: b.DisplayName, Role: b.Role, Active: true}
	if b.Active != nil {
		p.Active = *b.Active
	}
	return p
}

type providerView struct {
	*Provider
	Bookable bool `json:"bookable"`
}

func view(p *Provider) providerView { return providerView{Provider: p, Bookable: p.Bookable()} }

func respond(c echo.Context, err error) error {
	if errors.Is(err, ErrDuplicate) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return scheduling.ErrorResponse(c, err)
}

func (h *Handler) Create(c echo.Context) error {
	var body providerBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p := body.provider()
	if err := h.svc.Create(c.Request().Context(), p); err != nil {
		return respond(c, err)
	}
	return c.JSON(http.StatusCreated, view(p))
}

func (h *Handler) Get(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("providerId"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(http.StatusOK, view(p))
}

func (h *Handler) Update(c echo.Context) error {
	var body providerBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	body.ID = c.Param("providerId")
	p := body.provider()
	if err := h.svc.Update(c.Request().Context(), p); err != nil {
		return respond(c, err)
	}
	return c.JSON(http.StatusOK, view(p))
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Role: c.QueryParam("role"), ActiveOnly: c.QueryParam("active") == "true"}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return respond(c, err)
	}
	views := make([]providerView, 0, len(items))
	for _, p := range items {
		views = append(views, view(p))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}
