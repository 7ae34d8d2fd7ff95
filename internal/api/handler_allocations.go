package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"hostel-allocation-backend/internal/allocation"
	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/mw"
	"hostel-allocation-backend/internal/parse"
	"hostel-allocation-backend/internal/store"
)

type createAllocationRequest struct {
	StudentID      string           `json:"studentId" binding:"required"`
	RoomID         string           `json:"roomId" binding:"required"`
	HostelID       string           `json:"hostelId" binding:"required"`
	AllocationDate string           `json:"allocationDate" binding:"required"`
	MonthlyFee     *decimal.Decimal `json:"monthlyFee"`
}

// ListAllocations supports ?status=, ?student_id=, ?room_id=, ?hostel_id=
// and ?limit=.
func (h *Handler) ListAllocations(c *gin.Context) {
	filter := store.AllocationFilter{
		Status:    model.AllocationStatus(c.Query("status")),
		StudentID: c.Query("student_id"),
		RoomID:    c.Query("room_id"),
		HostelID:  c.Query("hostel_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	allocations, err := h.workflow.List(c.Request.Context(), mw.TenantID(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocations)
}

// CreateAllocation assigns a student to a room.
func (h *Handler) CreateAllocation(c *gin.Context) {
	var req createAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	date, err := parse.ParseDate(req.AllocationDate)
	if err != nil {
		badRequest(c, err)
		return
	}

	allocReq := allocation.AllocateRequest{
		TenantID:       mw.TenantID(c),
		StudentID:      req.StudentID,
		RoomID:         req.RoomID,
		HostelID:       req.HostelID,
		AllocationDate: date,
	}
	if req.MonthlyFee != nil {
		fee, err := parse.ParseFee(req.MonthlyFee.String())
		if err != nil {
			badRequest(c, err)
			return
		}
		allocReq.Fee = &fee
	}

	alloc, err := h.workflow.Allocate(c.Request.Context(), allocReq)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, alloc)
}

// GetAllocation returns one allocation.
func (h *Handler) GetAllocation(c *gin.Context) {
	alloc, err := h.workflow.Get(c.Request.Context(), mw.TenantID(c), c.Param("allocation_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alloc)
}

// VacateAllocation ends an allocation and frees its bed.
func (h *Handler) VacateAllocation(c *gin.Context) {
	alloc, err := h.workflow.Vacate(c.Request.Context(), mw.TenantID(c), c.Param("allocation_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alloc)
}
