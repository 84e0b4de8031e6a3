// Package api is the gin HTTP adapter for delivery submission, inspection
// and provider administration.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/djlord-it/formrelay/internal/delivery"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/provider"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// Deliveries is the delivery service the handlers drive.
type Deliveries interface {
	Submit(ctx context.Context, t domain.Trigger) (domain.DeliveryRecord, error)
	SubmitAndWait(ctx context.Context, t domain.Trigger) (domain.DeliveryRecord, error)
	GetStatus(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error)
	ListHistory(ctx context.Context, f domain.DeliveryFilter, page domain.Page) (domain.DeliveryList, error)
	Retry(ctx context.Context, id uuid.UUID, resetCount bool) (domain.DeliveryRecord, error)
	RetryAndWait(ctx context.Context, id uuid.UUID, resetCount bool) (domain.DeliveryRecord, error)
	Cancel(ctx context.Context, id uuid.UUID) (domain.DeliveryRecord, error)
	RecordDeliveryReport(ctx context.Context, id uuid.UUID, r delivery.Report) (domain.DeliveryRecord, error)
}

// Providers is the provider administration surface.
type Providers interface {
	List(ctx context.Context) ([]domain.ProviderConfig, error)
	Get(ctx context.Context, id string) (domain.ProviderConfig, error)
	Create(ctx context.Context, cfg domain.ProviderConfig) (domain.ProviderConfig, error)
	Update(ctx context.Context, id string, p provider.Patch) (domain.ProviderConfig, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (domain.ProviderConfig, error)
	SetPriority(ctx context.Context, id string, priority int) (domain.ProviderConfig, error)
	Delete(ctx context.Context, id string) error
	Health(ctx context.Context, id string) (bool, error)
}

// HealthChecker reports the health of one dependency for verbose /health responses.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to HealthChecker.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

type Handler struct {
	deliveries Deliveries
	providers  Providers
	checks     []namedCheck
}

func NewHandler(deliveries Deliveries, providers Providers) *Handler {
	return &Handler{deliveries: deliveries, providers: providers}
}

// WithHealthCheck adds a named dependency to verbose /health responses.
func (h *Handler) WithHealthCheck(name string, checker HealthChecker) *Handler {
	h.checks = append(h.checks, namedCheck{name: name, checker: checker})
	return h
}

// Router builds the gin engine with recovery, request ids and request logging.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(requestLogger())
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "not found"})
	})

	router.GET("/health", h.health)

	v1 := router.Group("/v1")
	v1.POST("/webhooks/deliveries", h.submitWebhook)
	v1.POST("/sms/messages", h.submitSMS)
	v1.POST("/sms/messages/:id/status", h.deliveryReport)

	v1.GET("/deliveries", h.listDeliveries)
	v1.GET("/deliveries/:id", h.getDelivery)
	v1.POST("/deliveries/:id/retry", h.retryDelivery)
	v1.POST("/deliveries/:id/cancel", h.cancelDelivery)

	v1.GET("/providers", h.listProviders)
	v1.POST("/providers", h.createProvider)
	v1.GET("/providers/:id", h.getProvider)
	v1.PATCH("/providers/:id", h.updateProvider)
	v1.POST("/providers/:id/enable", h.enableProvider)
	v1.POST("/providers/:id/disable", h.disableProvider)
	v1.PUT("/providers/:id/priority", h.setProviderPriority)
	v1.DELETE("/providers/:id", h.deleteProvider)
	v1.GET("/providers/:id/health", h.providerHealth)

	return router
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(c *gin.Context) {
	verbose := c.Query("verbose") == "true"
	if !verbose || len(h.checks) == 0 {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	for _, check := range h.checks {
		if err := check.checker.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[check.name] = "unhealthy: " + err.Error()
			continue
		}
		resp.Components[check.name] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, resp)
}

func (h *Handler) submitWebhook(c *gin.Context) {
	var req WebhookDeliveryRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, req.toTrigger())
}

func (h *Handler) submitSMS(c *gin.Context) {
	var req SMSMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, req.toTrigger())
}

// submit runs synchronously unless ?async=true. A record that is not yet
// settled is reported with 202.
func (h *Handler) submit(c *gin.Context, t domain.Trigger) {
	var (
		rec domain.DeliveryRecord
		err error
	)
	if c.Query("async") == "true" {
		rec, err = h.deliveries.Submit(c.Request.Context(), t)
	} else {
		rec, err = h.deliveries.SubmitAndWait(c.Request.Context(), t)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if !rec.Settled() {
		status = http.StatusAccepted
	}
	c.JSON(status, toSubmitResponse(rec))
}

func (h *Handler) listDeliveries(c *gin.Context) {
	filter, err := parseDeliveryFilter(c)
	if err != nil {
		writeBadRequest(c, err)
		return
	}
	page, err := parsePagination(c)
	if err != nil {
		writeBadRequest(c, err)
		return
	}

	list, err := h.deliveries.ListHistory(c.Request.Context(), filter, page)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := ListDeliveriesResponse{
		Deliveries: make([]DeliveryResponse, 0, len(list.Records)),
		Total:      list.Total,
		Page:       list.Page,
		PerPage:    list.PerPage,
	}
	for _, rec := range list.Records {
		resp.Deliveries = append(resp.Deliveries, toDeliveryResponse(rec))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getDelivery(c *gin.Context) {
	id, ok := deliveryID(c)
	if !ok {
		return
	}
	rec, err := h.deliveries.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDeliveryResponse(rec))
}

func (h *Handler) retryDelivery(c *gin.Context) {
	id, ok := deliveryID(c)
	if !ok {
		return
	}
	var req RetryRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	var (
		rec domain.DeliveryRecord
		err error
	)
	if c.Query("async") == "true" {
		rec, err = h.deliveries.Retry(c.Request.Context(), id, req.ResetCount)
	} else {
		rec, err = h.deliveries.RetryAndWait(c.Request.Context(), id, req.ResetCount)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if !rec.Settled() {
		status = http.StatusAccepted
	}
	c.JSON(status, toDeliveryResponse(rec))
}

func (h *Handler) cancelDelivery(c *gin.Context) {
	id, ok := deliveryID(c)
	if !ok {
		return
	}
	rec, err := h.deliveries.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDeliveryResponse(rec))
}

func (h *Handler) deliveryReport(c *gin.Context) {
	id, ok := deliveryID(c)
	if !ok {
		return
	}
	var req DeliveryReportRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	rec, err := h.deliveries.RecordDeliveryReport(c.Request.Context(), id, delivery.Report{
		Status:            domain.DeliveryStatus(req.Status),
		ProviderMessageID: req.ProviderMessageID,
		ErrorMessage:      req.ErrorMessage,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDeliveryResponse(rec))
}

func deliveryID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeBadRequest(c, errors.New("invalid delivery id"))
		return uuid.Nil, false
	}
	return id, true
}

// bindJSON decodes a size-limited JSON body and writes a 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request_too_large", Message: "request body too large"})
			return false
		}
		writeBadRequest(c, errors.New("invalid json"))
		return false
	}
	return true
}
