package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/provider"
)

// Provider responses always use the redacted projection.

func (h *Handler) listProviders(c *gin.Context) {
	cfgs, err := h.providers.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := ListProvidersResponse{Providers: make([]domain.RedactedProviderConfig, 0, len(cfgs))}
	for _, cfg := range cfgs {
		resp.Providers = append(resp.Providers, cfg.Redacted())
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) createProvider(c *gin.Context) {
	var req CreateProviderRequest
	if !bindJSON(c, &req) {
		return
	}
	cfg, err := h.providers.Create(c.Request.Context(), req.toConfig())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg.Redacted())
}

func (h *Handler) getProvider(c *gin.Context) {
	cfg, err := h.providers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (h *Handler) updateProvider(c *gin.Context) {
	var req UpdateProviderRequest
	if !bindJSON(c, &req) {
		return
	}
	cfg, err := h.providers.Update(c.Request.Context(), c.Param("id"), provider.Patch{
		Name:               req.Name,
		Enabled:            req.Enabled,
		Priority:           req.Priority,
		Settings:           req.Settings,
		IsDefault:          req.IsDefault,
		RateLimitPerMinute: req.RateLimitPerMinute,
		MaxCostPerMessage:  req.MaxCostPerMessage,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (h *Handler) enableProvider(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *Handler) disableProvider(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	cfg, err := h.providers.SetEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (h *Handler) setProviderPriority(c *gin.Context) {
	var req PriorityRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}
	cfg, err := h.providers.SetPriority(c.Request.Context(), c.Param("id"), *req.Priority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (h *Handler) deleteProvider(c *gin.Context) {
	if err := h.providers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) providerHealth(c *gin.Context) {
	id := c.Param("id")
	healthy, err := h.providers.Health(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ProviderHealthResponse{ID: id, Healthy: healthy})
}
