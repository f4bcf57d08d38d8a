package dispatch

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/portal/portal/internal/domain/booking"
	"github.com/portal/portal/internal/platform/auth"
	"github.com/portal/portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/pools", h.ListPools)
	api.GET("/pools/availability", h.Availability)
	api.GET("/pools/:id", h.GetPool)
	api.POST("/dispatch/bookings", h.Admit)
	api.GET("/dispatch/bookings", h.ListBookings)
	api.GET("/dispatch/bookings/:id", h.GetBooking)
	api.POST("/dispatch/bookings/:id/transitions", h.Transition)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/pools", h.CreatePool)
	admin.DELETE("/pools/:id", h.DeactivatePool)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreatePool(c echo.Context) error {
	var p Pool
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePool(c.Request().Context(), &p); err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPool(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPool(c.Request().Context(), id)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPools(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPools(c.Request().Context(), c.QueryParam("kind"), pg.Limit, pg.Offset)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) DeactivatePool(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivatePool(c.Request().Context(), id); err != nil {
		return booking.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseTimeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, booking.Validationf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, booking.Validationf("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func (h *Handler) Availability(c echo.Context) error {
	start, err := parseTimeParam(c, "start")
	if err != nil {
		return booking.HTTPError(err)
	}
	end, err := parseTimeParam(c, "end")
	if err != nil {
		return booking.HTTPError(err)
	}
	items, err := h.svc.Availability(c.Request().Context(), start, end)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Admit(c echo.Context) error {
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	b, err := h.svc.Admit(ctx, booking.ActorFromContext(ctx), req)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	b, err := h.svc.GetBooking(ctx, booking.ActorFromContext(ctx), id)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListByRequester(ctx, booking.ActorFromContext(ctx), c.QueryParam("requester"), pg.Limit, pg.Offset)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return booking.HTTPError(booking.Validationf("status is required"))
	}
	ctx := c.Request().Context()
	b, err := h.svc.Transition(ctx, booking.ActorFromContext(ctx), id, req.Status, req.Reason)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}
