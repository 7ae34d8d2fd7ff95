package allocation

import (
	"errors"
	"fmt"

	"hostel-allocation-backend/internal/ledger"
)

var (
	ErrInvalidRequest          = errors.New("invalid allocation request")
	ErrStudentAlreadyAllocated = errors.New("student already has an active allocation")
	ErrHostelMismatch          = errors.New("room does not belong to hostel")
	ErrAllocationNotFound      = errors.New("allocation not found")
	ErrNotActive               = errors.New("allocation is not active")
	ErrInconsistentState       = errors.New("room occupancy is inconsistent with allocations")

	ErrRoomFull         = ledger.ErrRoomFull
	ErrRoomNotFound     = ledger.ErrRoomNotFound
	ErrUnderMaintenance = ledger.ErrUnderMaintenance
	ErrUnderflow        = ledger.ErrUnderflow
)

// Workflow steps that can leave the ledger out of step with allocations.
const (
	StepCompensateReservation = "compensate_reservation"
	StepReleaseBed            = "release_bed"
)

// InconsistentStateError reports that a bed could not be given back after
// the allocation side of the workflow had already moved on. The room's
// occupied bed count is off by one until it is repaired.
type InconsistentStateError struct {
	TenantID     string
	RoomID       string
	AllocationID string
	Step         string
	// Trigger is the failure that made compensation necessary, if any.
	Trigger error
	Cause   error
}

func (e *InconsistentStateError) Error() string {
	msg := fmt.Sprintf("inconsistent state at %s for room %s", e.Step, e.RoomID)
	if e.AllocationID != "" {
		msg += " (allocation " + e.AllocationID + ")"
	}
	if e.Trigger != nil {
		msg += fmt.Sprintf(" after %v", e.Trigger)
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *InconsistentStateError) Unwrap() error { return e.Cause }

func (e *InconsistentStateError) Is(target error) bool { return target == ErrInconsistentState }
