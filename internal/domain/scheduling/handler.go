package scheduling

import (
	"encoding/json"
	"errors"
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
	// Any authenticated user
	api.GET("/resources", h.ListResources)
	api.GET("/resources/:id", h.GetResource)
	api.GET("/resources/:id/rules", h.ListRules)
	api.GET("/resources/:id/calendar", h.GetCalendar)
	api.POST("/bookings", h.Admit)
	api.GET("/bookings", h.ListBookings)
	api.GET("/bookings/:id", h.GetBooking)
	api.POST("/bookings/:id/transitions", h.Transition)

	// Admin only
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/resources", h.CreateResource)
	admin.DELETE("/resources/:id", h.DeactivateResource)
	admin.POST("/resources/:id/rules", h.CreateRule)
	admin.PUT("/rules/:id", h.UpdateRule)
	admin.DELETE("/rules/:id", h.DeleteRule)
	admin.POST("/resources/:id/blocks", h.Block)
	admin.GET("/resources/:id/bookings", h.ListResourceBookings)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Resource Handlers --

func (h *Handler) CreateResource(c echo.Context) error {
	var r Resource
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateResource(c.Request().Context(), &r); err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetResource(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetResource(c.Request().Context(), id)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListResources(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListResources(c.Request().Context(), c.QueryParam("kind"), pg.Limit, pg.Offset)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) DeactivateResource(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateResource(c.Request().Context(), id); err != nil {
		return booking.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Rule Handlers --

type ruleRequest struct {
	Weekday            *int       `json:"weekday"`
	StartTime          *ClockTime `json:"start_time"`
	EndTime            *ClockTime `json:"end_time"`
	GranularityMinutes int        `json:"granularity_minutes"`
	Active             *bool      `json:"active"`
}

func (req ruleRequest) rule() (*AvailabilityRule, error) {
	if req.Weekday == nil {
		return nil, booking.Validationf("weekday is required")
	}
	if req.StartTime == nil {
		return nil, booking.Validationf("start_time is required")
	}
	if req.EndTime == nil {
		return nil, booking.Validationf("end_time is required")
	}
	r := &AvailabilityRule{
		Weekday:            time.Weekday(*req.Weekday),
		StartTime:          *req.StartTime,
		EndTime:            *req.EndTime,
		GranularityMinutes: req.GranularityMinutes,
		Active:             true,
	}
	if req.Active != nil {
		r.Active = *req.Active
	}
	return r, nil
}

func bindRule(c echo.Context) (*AvailabilityRule, error) {
	var req ruleRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		var ve *booking.ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, booking.Validationf("invalid rule body")
	}
	return req.rule()
}

func (h *Handler) CreateRule(c echo.Context) error {
	resourceID, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := bindRule(c)
	if err != nil {
		return booking.HTTPError(err)
	}
	r.ResourceID = resourceID
	if err := h.svc.CreateRule(c.Request().Context(), r); err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListRules(c echo.Context) error {
	resourceID, err := parseID(c)
	if err != nil {
		return err
	}
	rules, err := h.svc.ListRules(c.Request().Context(), resourceID)
	if err != nil {
		return booking.HTTPError(err)
	}
	if rules == nil {
		rules = []*AvailabilityRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := bindRule(c)
	if err != nil {
		return booking.HTTPError(err)
	}
	r.ID = id
	if err := h.svc.UpdateRule(c.Request().Context(), r); err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRule(c.Request().Context(), id); err != nil {
		return booking.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Calendar and Block Handlers --

func (h *Handler) GetCalendar(c echo.Context) error {
	resourceID, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := ParseMonth(c.QueryParam("month"))
	if err != nil {
		return booking.HTTPError(err)
	}
	cal, err := h.svc.Resolve(c.Request().Context(), resourceID, m)
	if err != nil {
		return booking.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

type blockRequest struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Action string `json:"action"`
}

func (h *Handler) Block(c echo.Context) error {
	resourceID, err := parseID(c)
	if err != nil {
		return err
	}
	var req blockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	actor := booking.ActorFromContext(ctx)
	switch req.Action {
	case "block":
		b, err := h.svc.Block(ctx, actor, resourceID, req.Date, req.Time)
		if err != nil {
			return booking.HTTPError(err)
		}
		return c.JSON(http.StatusOK, b)
	case "unblock":
		if err := h.svc.Unblock(ctx, actor, resourceID, req.Date, req.Time); err != nil {
			return booking.HTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
	return booking.HTTPError(booking.Validationf("action must be block or unblock"))
}

// -- Booking Handlers --

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

func (h *Handler) ListResourceBookings(c echo.Context) error {
	resourceID, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := ParseMonth(c.QueryParam("month"))
	if err != nil {
		return booking.HTTPError(err)
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListByResource(ctx, booking.ActorFromContext(ctx), resourceID, m, pg.Limit, pg.Offset)
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
