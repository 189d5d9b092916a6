package timeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/platform/auth"
	"github.com/remedara/remedara/pkg/pagination"
)

// Handler serves the unified timeline API.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the timeline endpoints on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/timeline", h.getTimeline)
}

// getTimeline handles GET /api/timeline. Supported query parameters:
// category, provider_id, since (RFC 3339), q (text search), limit, offset.
func (h *Handler) getTimeline(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	page := pagination.FromContext(c)
	q := Query{
		UserID:   userID,
		Category: Category(c.QueryParam("category")),
		Search:   c.QueryParam("q"),
		Limit:    page.Limit,
		Offset:   page.Offset,
	}

	if raw := c.QueryParam("provider_id"); raw != "" {
		providerID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		q.ProviderID = providerID
	}

	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		q.Since = since
	}

	view, err := h.service.Timeline(c.Request().Context(), q)
	if err != nil {
		if q.Category != "" && !q.Category.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("timeline query failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load timeline")
	}

	return c.JSON(http.StatusOK, view)
}
