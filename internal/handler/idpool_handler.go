package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quocanhngo/idpool/internal/middleware"
	"github.com/quocanhngo/idpool/internal/model"
	"github.com/quocanhngo/idpool/internal/service"
)

// Allocator is the part of service.DispatchService the HTTP layer needs
type Allocator interface {
	Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error)
	FetchAllocated(ctx context.Context, req model.FetchAllocatedRequest) (*model.DispatchResponse, error)
	SearchPool(ctx context.Context, req model.PoolSearchRequest) (*model.PoolSearchResponse, error)
	SearchTransactions(ctx context.Context, req model.TransactionSearchRequest) (*model.TransactionSearchResponse, error)
	UpdateStatus(ctx context.Context, req model.StatusUpdateRequest) (*model.StatusUpdateResponse, error)
	Reconcile(ctx context.Context, req model.ReconcileRequest) (*model.ReconcileResponse, error)
	ExportTransactions(ctx context.Context, req model.ExportRequest) (*model.ExportResponse, error)
}

// IDPoolHandler handles identifier dispatch and pool maintenance endpoints
type IDPoolHandler struct {
	allocator Allocator
}

func NewIDPoolHandler(allocator Allocator) *IDPoolHandler {
	return &IDPoolHandler{allocator: allocator}
}

// Register mounts the handler routes on the given group
func (h *IDPoolHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/dispatch", h.Dispatch)
	rg.POST("/dispatch/allocated", h.FetchAllocated)
	rg.POST("/pool/search", h.SearchPool)
	rg.POST("/pool/status", h.UpdateStatus)
	rg.POST("/transactions/search", h.SearchTransactions)
	rg.POST("/transactions/export", h.ExportTransactions)
	rg.POST("/reconcile", h.Reconcile)
}

// Dispatch godoc
// @Summary Dispatch identifiers
// @Description Claims up to count unassigned identifiers for the calling user and device.
// @Description The response may hold fewer identifiers than requested when the daily quota is nearly used.
// @Tags Dispatch
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.DispatchRequest true "Dispatch request"
// @Success 200 {object} model.DispatchResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse "Pool exhausted"
// @Failure 429 {object} model.ErrorResponse "Quota exceeded"
// @Router /idpool/dispatch [post]
func (h *IDPoolHandler) Dispatch(c *gin.Context) {
	var req model.DispatchRequest
	if !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)
	req.UserUUID = middleware.UserID(c)

	resp, err := h.allocator.Dispatch(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// FetchAllocated godoc
// @Summary List identifiers already dispatched to a device
// @Tags Dispatch
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.FetchAllocatedRequest true "Device and paging"
// @Success 200 {object} model.DispatchResponse
// @Failure 400 {object} model.ErrorResponse
// @Router /idpool/dispatch/allocated [post]
func (h *IDPoolHandler) FetchAllocated(c *gin.Context) {
	var req model.FetchAllocatedRequest
	if !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)
	req.UserUUID = middleware.UserID(c)

	resp, err := h.allocator.FetchAllocated(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SearchPool godoc
// @Summary Search pool records by id and status
// @Tags Pool
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.PoolSearchRequest true "Filters"
// @Success 200 {object} model.PoolSearchResponse
// @Failure 400 {object} model.ErrorResponse
// @Router /idpool/pool/search [post]
func (h *IDPoolHandler) SearchPool(c *gin.Context) {
	var req model.PoolSearchRequest
	if !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)

	resp, err := h.allocator.SearchPool(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateStatus godoc
// @Summary Move dispatched identifiers to ASSIGNED
// @Description Records that cannot move are reported in errors; the rest are updated.
// @Tags Pool
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.StatusUpdateRequest true "Ids and target status"
// @Success 200 {object} model.StatusUpdateResponse
// @Failure 400 {object} model.ErrorResponse
// @Router /idpool/pool/status [post]
func (h *IDPoolHandler) UpdateStatus(c *gin.Context) {
	var req model.StatusUpdateRequest
	if !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)
	req.UserUUID = middleware.UserID(c)

	resp, err := h.allocator.UpdateStatus(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SearchTransactions godoc
// @Summary Search the transaction log
// @Tags Transactions
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.TransactionSearchRequest true "Filters and paging"
// @Success 200 {object} model.TransactionSearchResponse
// @Failure 400 {object} model.ErrorResponse
// @Router /idpool/transactions/search [post]
func (h *IDPoolHandler) SearchTransactions(c *gin.Context) {
	var req model.TransactionSearchRequest
	if !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)

	resp, err := h.allocator.SearchTransactions(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ExportTransactions godoc
// @Summary Archive one day of dispatch log rows to object storage
// @Tags Transactions
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.ExportRequest false "Day (YYYY-MM-DD), defaults to today"
// @Success 200 {object} model.ExportResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse "Archive not configured"
// @Router /idpool/transactions/export [post]
func (h *IDPoolHandler) ExportTransactions(c *gin.Context) {
	var req model.ExportRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)

	resp, err := h.allocator.ExportTransactions(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Reconcile godoc
// @Summary Write missing log rows for claimed identifiers
// @Tags Pool
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant"
// @Param X-User-ID header string true "Acting user"
// @Param body body model.ReconcileRequest false "Batch limit"
// @Success 200 {object} model.ReconcileResponse
// @Failure 400 {object} model.ErrorResponse
// @Router /idpool/reconcile [post]
func (h *IDPoolHandler) Reconcile(c *gin.Context) {
	var req model.ReconcileRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)

	resp, err := h.allocator.Reconcile(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:     "invalid_request",
			Message:   err.Error(),
			RequestID: middleware.RequestIDFrom(c),
		})
		return false
	}
	return true
}

// respondError maps service errors onto HTTP statuses. Unknown errors are
// logged and hidden behind a generic 500.
func respondError(c *gin.Context, err error) {
	body := model.ErrorResponse{Message: err.Error(), RequestID: middleware.RequestIDFrom(c)}
	status := http.StatusInternalServerError

	var exhausted *service.PoolExhaustedError
	switch {
	case errors.Is(err, service.ErrQuotaExceeded):
		status, body.Error = http.StatusTooManyRequests, "quota_exceeded"
	case errors.As(err, &exhausted):
		status, body.Error = http.StatusConflict, "pool_exhausted"
		body.Retryable = exhausted.Retryable
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidTransition):
		status, body.Error = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrArchiveUnavailable):
		status, body.Error = http.StatusServiceUnavailable, "archive_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, body.Error = http.StatusServiceUnavailable, "timeout"
		body.Retryable = true
	default:
		_ = c.Error(err)
		middleware.LoggerFrom(c).Error().Err(err).Msg("request failed")
		body.Error, body.Message = "internal_error", "internal server error"
	}
	c.JSON(status, body)
}
