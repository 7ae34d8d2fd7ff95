package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEventKind classifies an incident recorded against the capacity ledger.
type LedgerEventKind string

const (
	EventCompensated       LedgerEventKind = "compensated"
	EventInconsistentState LedgerEventKind = "inconsistent_state"
	EventDriftRepaired     LedgerEventKind = "drift_repaired"
	EventUnderflow         LedgerEventKind = "underflow"
)

// LedgerEvent is an audit record kept for manual or automated reconciliation.
type LedgerEvent struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	TenantID     string          `gorm:"size:64;not null;index" json:"tenantId"`
	RoomID       string          `gorm:"size:36;index" json:"roomId"`
	AllocationID string          `gorm:"size:36" json:"allocationId,omitempty"`
	Kind         LedgerEventKind `gorm:"size:32;not null;index" json:"kind"`
	Step         string          `gorm:"size:32" json:"step,omitempty"`
	Message      string          `gorm:"size:512" json:"message"`
	Details      datatypes.JSON  `json:"details,omitempty"`
	CreatedAt    time.Time       `gorm:"not null;index" json:"createdAt"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (e *LedgerEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
