package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RoomStatus is the availability of a room as seen by the allocation workflow.
type RoomStatus string

const (
	RoomAvailable   RoomStatus = "available"
	RoomOccupied    RoomStatus = "occupied"
	RoomMaintenance RoomStatus = "maintenance"
)

// Room is a unit of beds inside a hostel. OccupiedBeds and Status are owned by
// the capacity ledger and must not be written directly.
type Room struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	TenantID     string          `gorm:"size:64;not null;index" json:"tenantId"`
	HostelID     string          `gorm:"size:36;not null;uniqueIndex:idx_rooms_hostel_number" json:"hostelId"`
	RoomNumber   string          `gorm:"size:32;not null;uniqueIndex:idx_rooms_hostel_number" json:"roomNumber"`
	Block        string          `gorm:"size:32" json:"block,omitempty"`
	Floor        int             `json:"floor"`
	Capacity     int             `gorm:"not null" json:"capacity"`
	OccupiedBeds int             `gorm:"not null" json:"occupiedBeds"`
	Status       RoomStatus      `gorm:"size:16;not null;index" json:"status"`
	MonthlyFee   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"monthlyFee"`
	Version      int64           `gorm:"not null" json:"version"`
	CreatedAt    time.Time       `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time       `gorm:"not null" json:"updatedAt"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (r *Room) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Remaining returns the number of free beds.
func (r *Room) Remaining() int {
	if r.OccupiedBeds >= r.Capacity {
		return 0
	}
	return r.Capacity - r.OccupiedBeds
}

// IsFull reports whether every bed is taken.
func (r *Room) IsFull() bool {
	return r.OccupiedBeds >= r.Capacity
}

// DeriveStatus computes the status implied by an occupancy count. A room in
// maintenance stays in maintenance regardless of occupancy.
func DeriveStatus(current RoomStatus, occupied, capacity int) RoomStatus {
	if current == RoomMaintenance {
		return RoomMaintenance
	}
	if occupied >= capacity {
		return RoomOccupied
	}
	return RoomAvailable
}
