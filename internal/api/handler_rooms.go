package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/mw"
	"hostel-allocation-backend/internal/parse"
	"hostel-allocation-backend/internal/store"
)

type createRoomRequest struct {
	RoomNumber  string          `json:"roomNumber" binding:"required"`
	Capacity    int             `json:"capacity" binding:"required,min=1"`
	MonthlyFee  decimal.Decimal `json:"monthlyFee"`
	Maintenance bool            `json:"maintenance"`
}

type patchRoomRequest struct {
	MonthlyFee  *decimal.Decimal `json:"monthlyFee"`
	Capacity    *int             `json:"capacity"`
	Maintenance *bool            `json:"maintenance"`
}

// ListRooms returns a hostel's rooms. Supports ?status= and ?free=true.
func (h *Handler) ListRooms(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := mw.TenantID(c)
	hostelID := c.Param("hostel_id")

	if _, err := h.store.GetHostel(ctx, tenantID, hostelID); err != nil {
		h.writeError(c, err)
		return
	}

	rooms, err := h.store.ListRooms(ctx, tenantID, store.RoomFilter{
		HostelID:         hostelID,
		Status:           model.RoomStatus(c.Query("status")),
		OnlyWithFreeBeds: c.Query("free") == "true",
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// CreateRoom adds a room to a hostel. Room numbers of the form
// <block>-<floor>-<seq> are normalised and split into block and floor.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	fee, err := parse.ParseFee(req.MonthlyFee.String())
	if err != nil {
		badRequest(c, err)
		return
	}

	room := model.Room{
		TenantID:   mw.TenantID(c),
		HostelID:   c.Param("hostel_id"),
		RoomNumber: strings.TrimSpace(req.RoomNumber),
		Capacity:   req.Capacity,
		MonthlyFee: fee,
	}
	if parsed, err := parse.ParseRoomNumber(req.RoomNumber); err == nil {
		room.RoomNumber = parsed.Normalized
		room.Block = parsed.Block
		room.Floor = parsed.Floor
	}
	if req.Maintenance {
		room.Status = model.RoomMaintenance
	}

	if err := h.store.CreateRoom(c.Request.Context(), &room); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// GetRoom returns one room with its current occupancy.
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), mw.TenantID(c), c.Param("room_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// PatchRoom edits the fee, capacity or maintenance flag. The request is
// validated in full and then applied through the ledger in one transaction,
// so a rejected edit leaves the room untouched.
func (h *Handler) PatchRoom(c *gin.Context) {
	var req patchRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	patch := ledger.RoomPatch{Capacity: req.Capacity, Maintenance: req.Maintenance}
	if req.MonthlyFee != nil {
		fee, err := parse.ParseFee(req.MonthlyFee.String())
		if err != nil {
			badRequest(c, err)
			return
		}
		patch.MonthlyFee = &fee
	}
	if req.Capacity != nil && *req.Capacity <= 0 {
		h.writeError(c, ledger.ErrInvalidCapacity)
		return
	}

	ctx := c.Request.Context()
	tenantID := mw.TenantID(c)
	roomID := c.Param("room_id")

	if _, err := h.store.GetRoom(ctx, tenantID, roomID); err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.ledger.UpdateRoom(ctx, tenantID, roomID, patch); err != nil {
		h.writeError(c, err)
		return
	}

	h.GetRoom(c)
}
