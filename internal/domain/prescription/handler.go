package prescription

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/prescriptions", h.CreatePrescription)
	api.GET("/prescriptions/:id", h.GetPatient)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if _, err := h.svc.CreatePrescription(c.Request().Context(), &req); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusCreated)
}

// GetPatient serves a patient's prescription history. The path id is a patient
// id; a non-integer id matches no resource.
func (h *Handler) GetPatient(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.ErrNotFound
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// writeError answers domain errors with their plain-text message. Anything
// else goes to echo's error handler.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return c.String(http.StatusBadRequest, err.Error())
	}
	return err
}
