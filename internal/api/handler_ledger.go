package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/mw"
)

// GetDrift runs the occupancy audit for the tenant without repairing
// anything.
func (h *Handler) GetDrift(c *gin.Context) {
	drift, err := h.ledger.Drift(c.Request.Context(), mw.TenantID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if drift == nil {
		drift = []ledger.Drift{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": drift, "consistent": len(drift) == 0})
}

// ListLedgerEvents returns the incident trail, newest first.
func (h *Handler) ListLedgerEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	events, err := h.store.ListLedgerEvents(c.Request.Context(), mw.TenantID(c), model.LedgerEventKind(c.Query("kind")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
