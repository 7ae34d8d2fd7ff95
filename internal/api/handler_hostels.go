package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/mw"
)

type createHostelRequest struct {
	Name string `json:"name" binding:"required"`
}

// ListHostels returns the tenant's hostels.
func (h *Handler) ListHostels(c *gin.Context) {
	hostels, err := h.store.ListHostels(c.Request.Context(), mw.TenantID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hostels)
}

// CreateHostel adds a hostel for the tenant.
func (h *Handler) CreateHostel(c *gin.Context) {
	var req createHostelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hostel := model.Hostel{TenantID: mw.TenantID(c), Name: strings.TrimSpace(req.Name)}
	if err := h.store.CreateHostel(c.Request.Context(), &hostel); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hostel)
}
