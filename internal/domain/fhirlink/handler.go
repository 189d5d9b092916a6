package fhirlink

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/remedara/remedara/internal/platform/auth"
	"github.com/remedara/remedara/pkg/pagination"
)

// staleSyncWindow is how long a provider may go unsynced before the list view
// flags it stale.
const staleSyncWindow = 24 * time.Hour

// Handler serves the provider-linking and sync API.
type Handler struct {
	coordinator *Coordinator
	engine      *Engine
	registry    *Registry
	auditRepo   AuditRepository
	resultURL   string
	logger      zerolog.Logger
}

func NewHandler(coordinator *Coordinator, engine *Engine, registry *Registry, auditRepo AuditRepository, resultURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		engine:      engine,
		registry:    registry,
		auditRepo:   auditRepo,
		resultURL:   resultURL,
		logger:      logger,
	}
}

// RegisterRoutes mounts the linking endpoints on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/fhir/authorize", h.authorize)
	g.GET("/fhir/callback", h.callback)
	g.GET("/fhir/providers", h.listProviders)
	g.GET("/fhir/providers/known", h.listKnown)
	g.GET("/fhir/providers/:id", h.getProvider)
	g.DELETE("/fhir/providers/:id", h.deleteProvider)
	g.POST("/fhir/sync", h.syncAll)
	g.POST("/fhir/sync/:id", h.syncProvider)
	g.GET("/fhir/audit", h.listAudit)
}

func (h *Handler) authorize(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req InitiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.coordinator.Initiate(c.Request().Context(), userID, req)
	if err != nil {
		var discoveryErr *DiscoveryError
		var configErr *InvalidConfigurationError
		switch {
		case errors.As(err, &discoveryErr), errors.As(err, &configErr):
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("initiate link failed")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, result)
}

// callback lands the browser redirect from the external authorization server.
// The outcome is reported to the frontend as a status code on the result
// page's query string, never as a JSON error the browser would render raw.
func (h *Handler) callback(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	params := CallbackParams{
		State:            c.QueryParam("state"),
		Code:             c.QueryParam("code"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	}

	provider, err := h.coordinator.Callback(c.Request().Context(), userID, params)
	if err != nil {
		return c.Redirect(http.StatusFound, h.resultRedirect(callbackStatus(err), uuid.Nil))
	}
	return c.Redirect(http.StatusFound, h.resultRedirect("linked", provider.ID))
}

func callbackStatus(err error) string {
	var denied *AuthorizationDeniedError
	var exchange *TokenExchangeError
	var invalidResp *InvalidTokenResponseError
	var persist *PersistError

	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.As(err, &denied):
		return "oauth_failed"
	case errors.As(err, &exchange):
		return "token_exchange_failed"
	case errors.As(err, &invalidResp):
		return "invalid_token_response"
	case errors.As(err, &persist):
		return "update_failed"
	default:
		return "callback_failed"
	}
}

func (h *Handler) resultRedirect(status string, providerID uuid.UUID) string {
	q := url.Values{"status": {status}}
	if providerID != uuid.Nil {
		q.Set("provider_id", providerID.String())
	}

	sep := "?"
	if u, err := url.Parse(h.resultURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return h.resultURL + sep + q.Encode()
}

// providerView is a LinkedProvider plus the freshness flags the provider list
// renders.
type providerView struct {
	*LinkedProvider
	TokenExpired bool `json:"token_expired"`
	StaleSync    bool `json:"stale_sync"`
}

func newProviderView(p *LinkedProvider, now time.Time) providerView {
	return providerView{
		LinkedProvider: p,
		TokenExpired:   p.TokenExpired(now),
		StaleSync:      p.StaleSync(now, staleSyncWindow),
	}
}

func (h *Handler) listProviders(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	providers, err := h.coordinator.List(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("list providers failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list providers")
	}

	now := time.Now()
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, newProviderView(p, now))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"providers": views})
}

func (h *Handler) listKnown(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"providers": h.registry.List()})
}

func (h *Handler) getProvider(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider id")
	}

	provider, err := h.coordinator.Get(c.Request().Context(), userID, providerID)
	if err != nil {
		h.logger.Error().Err(err).Str("provider_id", providerID.String()).Msg("get provider failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load provider")
	}
	if provider == nil {
		return echo.NewHTTPError(http.StatusNotFound, "provider not found")
	}

	return c.JSON(http.StatusOK, newProviderView(provider, time.Now()))
}

func (h *Handler) deleteProvider(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider id")
	}

	if err := h.coordinator.Revoke(c.Request().Context(), userID, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		h.logger.Error().Err(err).Str("provider_id", providerID.String()).Msg("revoke failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke provider")
	}
	return c.NoContent(http.StatusNoContent)
}

// syncRequest narrows a sync run. All fields are optional; an empty body
// means a full sync.
type syncRequest struct {
	ProviderID    *uuid.UUID `json:"provider_id,omitempty"`
	ResourceTypes []string   `json:"resource_types,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
}

func (r syncRequest) options() SyncOptions {
	opts := SyncOptions{ResourceTypes: r.ResourceTypes}
	if r.Since != nil {
		opts.Since = *r.Since
	}
	return opts
}

// syncTotals aggregates per-provider results on the sync response envelope.
type syncTotals struct {
	Providers int `json:"providers"`
	Completed int `json:"completed"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Entries   int `json:"entries"`
	Errors    int `json:"errors"`
}

func aggregateTotals(results []*SyncResult) syncTotals {
	totals := syncTotals{Providers: len(results)}
	for _, r := range results {
		switch r.Status {
		case SyncCompleted:
			totals.Completed++
		case SyncPartial:
			totals.Partial++
		case SyncFailed:
			totals.Failed++
		}
		totals.Entries += r.Entries
		totals.Errors += len(r.Errors)
	}
	return totals
}

func (h *Handler) syncAll(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.ProviderID != nil {
		result, err := h.engine.SyncProvider(c.Request().Context(), userID, *req.ProviderID, req.options())
		if err != nil {
			return h.syncError(*req.ProviderID, err)
		}
		results := []*SyncResult{result}
		return c.JSON(http.StatusOK, map[string]interface{}{"results": results, "totals": aggregateTotals(results)})
	}

	results, err := h.engine.SyncAll(c.Request().Context(), userID, req.options())
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("sync all failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "sync failed")
	}
	if results == nil {
		results = []*SyncResult{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results, "totals": aggregateTotals(results)})
}

func (h *Handler) syncProvider(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider id")
	}

	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.engine.SyncProvider(c.Request().Context(), userID, providerID, req.options())
	if err != nil {
		return h.syncError(providerID, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) syncError(providerID uuid.UUID, err error) error {
	if errors.Is(err, ErrProviderNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, ErrSyncInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var expired *TokenExpiredError
	if errors.As(err, &expired) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.logger.Error().Err(err).Str("provider_id", providerID.String()).Msg("sync failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "sync failed")
}

func (h *Handler) listAudit(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	page := pagination.FromContext(c)
	entries, total, err := h.auditRepo.ListByUser(c.Request().Context(), userID, page.Limit, page.Offset)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("list audit failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, page.Limit, page.Offset))
}
