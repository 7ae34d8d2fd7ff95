package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"hostel-allocation-backend/internal/allocation"
	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/mw"
	"hostel-allocation-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	ledger   *ledger.Ledger
	workflow *allocation.Service
	webpush  *webpush.Options
	logger   *slog.Logger

	// responses is the GET cache, set by NewRouter.
	responses *cache.Cache
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, l *ledger.Ledger, workflow *allocation.Service, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:    s,
		ledger:   l,
		workflow: workflow,
		webpush:  webpushOptions,
		logger:   slog.Default().With("component", "api"),
	}
}

// InvalidateTenant drops the tenant's cached reads. It is a no-op until the
// handler has been mounted with NewRouter.
func (h *Handler) InvalidateTenant(tenantID string) {
	if h.responses == nil {
		return
	}
	mw.InvalidateTenant(h.responses, tenantID)
}

const supportMessage = "allocation could not be completed, please retry or contact support"

// writeError maps domain errors onto status codes and user-facing text.
// Invariant violations never expose their cause.
func (h *Handler) writeError(c *gin.Context, err error) {
	var incErr *allocation.InconsistentStateError
	switch {
	case errors.As(err, &incErr), errors.Is(err, ledger.ErrUnderflow):
		// Already logged with full context by the workflow.
		c.JSON(http.StatusInternalServerError, gin.H{"error": supportMessage, "retry": true})
	case errors.Is(err, ledger.ErrContention),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": supportMessage, "retry": true})
	case errors.Is(err, ledger.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": "this room is at full capacity"})
	case errors.Is(err, ledger.ErrUnderMaintenance):
		c.JSON(http.StatusConflict, gin.H{"error": "this room is under maintenance"})
	case errors.Is(err, allocation.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "this allocation is no longer active"})
	case errors.Is(err, allocation.ErrStudentAlreadyAllocated):
		c.JSON(http.StatusConflict, gin.H{"error": "this student already has an active allocation"})
	case errors.Is(err, ledger.ErrCapacityBelowOccupancy):
		c.JSON(http.StatusConflict, gin.H{"error": "capacity cannot be lower than the occupied beds"})
	case errors.Is(err, store.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, allocation.ErrInvalidRequest),
		errors.Is(err, allocation.ErrHostelMismatch),
		errors.Is(err, ledger.ErrInvalidCapacity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrRoomNotFound),
		errors.Is(err, allocation.ErrAllocationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			"tenant_id", mw.TenantID(c), "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
