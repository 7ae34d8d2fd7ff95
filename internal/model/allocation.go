package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AllocationStatus is the lifecycle state of an allocation.
type AllocationStatus string

const (
	AllocationActive  AllocationStatus = "active"
	AllocationVacated AllocationStatus = "vacated"
)

// Allocation binds one student to one room.
type Allocation struct {
	ID             string           `gorm:"primaryKey;size:36" json:"id"`
	TenantID       string           `gorm:"size:64;not null;index:idx_allocations_tenant_student" json:"tenantId"`
	StudentID      string           `gorm:"size:64;not null;index:idx_allocations_tenant_student" json:"studentId"`
	RoomID         string           `gorm:"size:36;not null;index" json:"roomId"`
	HostelID       string           `gorm:"size:36;not null;index" json:"hostelId"`
	AllocationDate time.Time        `gorm:"type:date;not null" json:"allocationDate"`
	MonthlyFee     decimal.Decimal  `gorm:"type:decimal(12,2);not null" json:"monthlyFee"`
	Status         AllocationStatus `gorm:"size:16;not null;index" json:"status"`
	VacatedAt      *time.Time       `json:"vacatedAt,omitempty"`
	CreatedAt      time.Time        `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time        `gorm:"not null" json:"updatedAt"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (a *Allocation) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// IsActive reports whether the allocation still holds a bed.
func (a *Allocation) IsActive() bool {
	return a.Status == AllocationActive
}
