package store

import "hostel-allocation-backend/internal/model"

// RoomFilter narrows ListRooms. Zero values mean "any".
type RoomFilter struct {
	HostelID         string
	Status           model.RoomStatus
	OnlyWithFreeBeds bool
}

// AllocationFilter narrows ListAllocations. Zero values mean "any".
type AllocationFilter struct {
	Status    model.AllocationStatus
	StudentID string
	RoomID    string
	HostelID  string
	Limit     int
}
