package model

import "time"

// PushSubscription holds a browser push subscription watching a hostel for
// freed beds.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey;size:512"`
	TenantID  string    `gorm:"size:64;not null;index:idx_push_subscriptions_hostel"`
	HostelID  string    `gorm:"size:36;not null;index:idx_push_subscriptions_hostel"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
