package scheduling

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/validate"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.StaffRoles...))
	read.GET("/patients/:id/appointment", h.Get)

	desk := api.Group("", auth.RequireRole(auth.RoleFrontdesk))
	desk.PUT("/patients/:id/appointment", h.Schedule)
	desk.DELETE("/patients/:id/appointment", h.Cancel)

	clinical := api.Group("", auth.RequireRole(auth.RoleFrontdesk, auth.RoleDentist, auth.RoleDoctor))
	clinical.POST("/patients/:id/appointment/complete", h.Complete)
}

func (h *Handler) Get(c echo.Context) error {
	appt, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) Schedule(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.Schedule(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Cancel(c echo.Context) error {
	result, err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Complete(c echo.Context) error {
	appt, err := h.svc.Complete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func toHTTPError(err error) error {
	switch {
	case validate.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, patient.ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrNoAppointment):
		return echo.NewHTTPError(http.StatusNotFound, ErrNoAppointment.Error())
	case errors.Is(err, ErrNothingToCancel), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
