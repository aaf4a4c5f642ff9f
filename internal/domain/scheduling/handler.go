package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/frontdesk/internal/platform/validate"
	"github.com/ehr/frontdesk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterValidators adds the appointment_status tag used by request bodies.
func RegisterValidators(v *validate.Validator) error {
	names := make([]string, 0, len(validStatuses))
	for _, st := range Statuses() {
		names = append(names, string(st))
	}
	return v.RegisterOneOf("appointment_status", names...)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointments", h.ListAppointments)
	api.POST("/appointments", h.CreateAppointment)
	api.POST("/appointments/book", h.BookAppointment)
	api.GET("/appointments/conflicts", h.CheckConflict)
	api.GET("/appointments/:id", h.GetAppointment)
	api.PUT("/appointments/:id", h.UpdateAppointment)
	api.DELETE("/appointments/:id", h.DeleteAppointment)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)

	api.GET("/patients/:id/appointments", h.ListPatientAppointments)
	api.GET("/patients/:id/appointment-summary", h.PatientSummary)

	api.GET("/schema/capabilities", h.GetCapabilities)
	api.POST("/schema/capabilities/refresh", h.RefreshCapabilities)
}

type appointmentRequest struct {
	PatientID int64   `json:"patient_id" validate:"required,gt=0"`
	When      string  `json:"when" validate:"required"`
	Reason    *string `json:"reason,omitempty"`
	Status    string  `json:"status,omitempty" validate:"appointment_status"`
	VisitID   *int64  `json:"visit_id,omitempty"`
}

func (r appointmentRequest) draft() Draft {
	return Draft{PatientID: r.PatientID, When: r.When, Reason: r.Reason, Status: Status(r.Status), VisitID: r.VisitID}
}

type bookRequest struct {
	appointmentRequest
	Max     int  `json:"max" validate:"gte=0"`
	Confirm bool `json:"confirm"`
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(dst)
}

func paramID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req appointmentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), req.draft())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// ListAppointments supports ?patient_id= and ?date=YYYY-MM-DD filters.
func (h *Handler) ListAppointments(c echo.Context) error {
	ctx := c.Request().Context()
	if date := c.QueryParam("date"); date != "" {
		day, err := time.Parse(summaryDateLayout, date)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		}
		items, err := h.svc.ListAppointmentsOnDay(ctx, day)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), len(items), 0))
	}

	pg := pagination.FromContext(c)
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || pid <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListAppointmentsByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}

	items, total, err := h.svc.ListAppointments(ctx, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// UpdateAppointment answers 204 when the id matched nothing and strict
// updates are off.
func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req appointmentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, req.draft())
	if err != nil {
		return httpError(err)
	}
	if a == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAppointment(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.CancelAppointment(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// BookAppointment answers 201 when booked and 409 with the slot details when
// the slot is full and the caller did not confirm.
func (h *Handler) BookAppointment(c echo.Context) error {
	var req bookRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.BookAppointment(c.Request().Context(), req.draft(), req.Max, req.Confirm)
	if err != nil {
		return httpError(err)
	}
	if !res.Booked {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// CheckConflict reports slot occupancy for ?when=, with optional ?exclude=
// and ?max=.
func (h *Handler) CheckConflict(c echo.Context) error {
	exclude := NoExclusion
	if raw := c.QueryParam("exclude"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid exclude")
		}
		exclude = v
	}
	max := 0
	if raw := c.QueryParam("max"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid max")
		}
		max = v
	}
	check, err := h.svc.CheckSlot(c.Request().Context(), c.QueryParam("when"), exclude, max)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, check)
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	pid, err := paramID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointmentsByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type summaryResponse struct {
	*StatusSummary
	PatientName string `json:"patient_name"`
	Text        string `json:"text"`
}

func (h *Handler) PatientSummary(c echo.Context) error {
	pid, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	s, err := h.svc.StatusSummaryForPatient(ctx, pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summaryResponse{
		StatusSummary: s,
		PatientName:   h.svc.PatientName(ctx, pid),
		Text:          s.String(),
	})
}

func (h *Handler) GetCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Capabilities(c.Request().Context()))
}

func (h *Handler) RefreshCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.RefreshCapabilities(c.Request().Context()))
}
