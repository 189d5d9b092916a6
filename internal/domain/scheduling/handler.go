package scheduling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/platform/auth"
	"github.com/remedara/remedara/pkg/pagination"
)

// Handler serves the appointments API.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the appointment endpoints on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/appointments", h.create)
	g.GET("/appointments", h.list)
	g.GET("/appointments/:id", h.get)
	g.PUT("/appointments/:id", h.update)
	g.DELETE("/appointments/:id", h.cancel)
}

func (h *Handler) create(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var appt Appointment
	if err := c.Bind(&appt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	appt.UserID = userID

	if err := h.service.Create(c.Request().Context(), &appt); err != nil {
		if appt.Validate() != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("create appointment failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create appointment")
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) list(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	page := pagination.FromContext(c)
	appts, total, err := h.service.List(c.Request().Context(), userID, page.Limit, page.Offset)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("list appointments failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list appointments")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(appts, total, page.Limit, page.Offset))
}

func (h *Handler) get(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}

	appt, err := h.service.Get(c.Request().Context(), userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		h.logger.Error().Err(err).Str("appointment_id", id.String()).Msg("get appointment failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load appointment")
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) update(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}

	var appt Appointment
	if err := c.Bind(&appt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	appt.ID = id
	appt.UserID = userID

	if err := h.service.Update(c.Request().Context(), &appt); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if appt.Validate() != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Str("appointment_id", id.String()).Msg("update appointment failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update appointment")
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) cancel(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}

	if err := h.service.Cancel(c.Request().Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		h.logger.Error().Err(err).Str("appointment_id", id.String()).Msg("cancel appointment failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel appointment")
	}
	return c.NoContent(http.StatusNoContent)
}
