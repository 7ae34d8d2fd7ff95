package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Hostel represents a residence building owned by a tenant.
type Hostel struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID  string    `gorm:"size:64;not null;uniqueIndex:idx_hostels_tenant_name" json:"tenantId"`
	Name      string    `gorm:"size:128;not null;uniqueIndex:idx_hostels_tenant_name" json:"name"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`

	// Associations
	Rooms []Room `gorm:"foreignKey:HostelID" json:"rooms,omitempty"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (h *Hostel) BeforeCreate(*gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return nil
}
