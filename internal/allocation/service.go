// Package allocation runs the allocate and vacate workflows. Each one pairs a
// capacity ledger write with an allocation record write and undoes the
// ledger write when the record write does not go through.
package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/metrics"
	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/store"
)

// Repository is the slice of the record store the workflow needs.
type Repository interface {
	GetRoom(ctx context.Context, tenantID, id string) (model.Room, error)
	CreateAllocation(ctx context.Context, a *model.Allocation) error
	GetAllocation(ctx context.Context, tenantID, id string) (model.Allocation, error)
	FindActiveAllocation(ctx context.Context, tenantID, studentID string) (model.Allocation, error)
	ListAllocations(ctx context.Context, tenantID string, filter store.AllocationFilter) ([]model.Allocation, error)
	MarkVacated(ctx context.Context, tenantID, id string, at time.Time) error
	RecordLedgerEvent(ctx context.Context, e *model.LedgerEvent) error
}

// Ledger reserves and releases beds.
type Ledger interface {
	TryReserveBed(ctx context.Context, tenantID, roomID string) (ledger.Reservation, error)
	ReleaseBed(ctx context.Context, tenantID, roomID string) (ledger.Reservation, error)
}

// Notifier is told when a bed frees up in a hostel.
type Notifier interface {
	NotifyBedReleased(tenantID, hostelID, roomID string)
}

// AllocateRequest describes one student moving into one room. A nil Fee
// takes the room's current monthly fee.
type AllocateRequest struct {
	TenantID       string
	StudentID      string
	RoomID         string
	HostelID       string
	AllocationDate time.Time
	Fee            *decimal.Decimal
}

func (r AllocateRequest) validate() error {
	var missing []string
	if r.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if r.StudentID == "" {
		missing = append(missing, "student")
	}
	if r.RoomID == "" {
		missing = append(missing, "room")
	}
	if r.HostelID == "" {
		missing = append(missing, "hostel")
	}
	if r.AllocationDate.IsZero() {
		missing = append(missing, "allocation date")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.Fee != nil && r.Fee.IsNegative() {
		return fmt.Errorf("%w: negative fee %s", ErrInvalidRequest, r.Fee)
	}
	return nil
}

const (
	defaultCleanupTimeout = 10 * time.Second
	defaultReleaseRetries = 3
	releaseBackoff        = 50 * time.Millisecond
)

type Service struct {
	repo           Repository
	ledger         Ledger
	notifier       Notifier
	logger         *slog.Logger
	cleanupTimeout time.Duration
	releaseRetries int
	now            func() time.Time
}

type Option func(*Service)

// WithCleanupTimeout bounds how long a compensating release may take once
// the caller's context is gone.
func WithCleanupTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}

func WithReleaseRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.releaseRetries = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, l Ledger, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		ledger:         l,
		logger:         slog.Default(),
		cleanupTimeout: defaultCleanupTimeout,
		releaseRetries: defaultReleaseRetries,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate reserves a bed and records the allocation. If the record cannot be
// written the bed is released again before returning.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (alloc model.Allocation, err error) {
	defer func() { metrics.Allocations.WithLabelValues(resultOf(err)).Inc() }()

	if err = req.validate(); err != nil {
		return model.Allocation{}, err
	}

	existing, err := s.repo.FindActiveAllocation(ctx, req.TenantID, req.StudentID)
	switch {
	case err == nil:
		return model.Allocation{}, fmt.Errorf("student %s in room %s: %w",
			req.StudentID, existing.RoomID, ErrStudentAlreadyAllocated)
	case !errors.Is(err, store.ErrNotFound):
		return model.Allocation{}, err
	}

	room, err := s.repo.GetRoom(ctx, req.TenantID, req.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Allocation{}, fmt.Errorf("room %s: %w", req.RoomID, ErrRoomNotFound)
		}
		return model.Allocation{}, err
	}
	if room.HostelID != req.HostelID {
		return model.Allocation{}, fmt.Errorf("room %s, hostel %s: %w", req.RoomID, req.HostelID, ErrHostelMismatch)
	}

	reservation, err := s.ledger.TryReserveBed(ctx, req.TenantID, req.RoomID)
	if err != nil {
		return model.Allocation{}, err
	}

	// The id is fixed before the insert so a compensation can name it.
	allocationID := uuid.NewString()
	committed := false
	defer func() {
		if committed {
			return
		}
		r := recover()
		trigger := err
		if r != nil {
			trigger = fmt.Errorf("panic: %v", r)
		}
		if _, cerr := s.release(ctx, req.TenantID, req.RoomID, allocationID, StepCompensateReservation, trigger); cerr != nil {
			err = cerr
		}
		if r != nil {
			panic(r)
		}
	}()

	if err = ctx.Err(); err != nil {
		return model.Allocation{}, err
	}

	fee := reservation.MonthlyFee
	if req.Fee != nil {
		fee = *req.Fee
	}
	alloc = model.Allocation{
		ID:             allocationID,
		TenantID:       req.TenantID,
		StudentID:      req.StudentID,
		RoomID:         req.RoomID,
		HostelID:       req.HostelID,
		AllocationDate: req.AllocationDate,
		MonthlyFee:     fee,
		Status:         model.AllocationActive,
	}
	if err = s.repo.CreateAllocation(ctx, &alloc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			err = fmt.Errorf("student %s: %w", req.StudentID, ErrStudentAlreadyAllocated)
		}
		return model.Allocation{}, err
	}

	committed = true
	s.logger.Info("bed allocated",
		"tenant_id", req.TenantID, "allocation_id", alloc.ID, "student_id", req.StudentID,
		"room_id", req.RoomID, "occupied_beds", reservation.OccupiedBeds, "capacity", reservation.Capacity)
	return alloc, nil
}

// Vacate ends an active allocation and gives its bed back. Only one of two
// racing calls can succeed; the other gets ErrNotActive.
func (s *Service) Vacate(ctx context.Context, tenantID, allocationID string) (alloc model.Allocation, err error) {
	defer func() { metrics.Vacates.WithLabelValues(resultOf(err)).Inc() }()

	alloc, err = s.Get(ctx, tenantID, allocationID)
	if err != nil {
		return model.Allocation{}, err
	}
	if !alloc.IsActive() {
		return model.Allocation{}, fmt.Errorf("allocation %s: %w", allocationID, ErrNotActive)
	}

	now := s.now()
	if err = s.repo.MarkVacated(ctx, tenantID, allocationID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Allocation{}, fmt.Errorf("allocation %s: %w", allocationID, ErrNotActive)
		}
		return model.Allocation{}, err
	}
	alloc.Status = model.AllocationVacated
	alloc.VacatedAt = &now
	alloc.UpdatedAt = now

	reservation, err := s.release(ctx, tenantID, alloc.RoomID, alloc.ID, StepReleaseBed, nil)
	if err != nil {
		return model.Allocation{}, err
	}

	s.logger.Info("bed released",
		"tenant_id", tenantID, "allocation_id", alloc.ID, "room_id", alloc.RoomID,
		"occupied_beds", reservation.OccupiedBeds, "capacity", reservation.Capacity)
	if s.notifier != nil && reservation.Status == model.RoomAvailable {
		s.notifier.NotifyBedReleased(tenantID, reservation.HostelID, alloc.RoomID)
	}
	return alloc, nil
}

func (s *Service) Get(ctx context.Context, tenantID, allocationID string) (model.Allocation, error) {
	alloc, err := s.repo.GetAllocation(ctx, tenantID, allocationID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Allocation{}, fmt.Errorf("allocation %s: %w", allocationID, ErrAllocationNotFound)
	}
	return alloc, err
}

func (s *Service) List(ctx context.Context, tenantID string, filter store.AllocationFilter) ([]model.Allocation, error) {
	return s.repo.ListAllocations(ctx, tenantID, filter)
}

// release gives a bed back on a context detached from the caller, so a
// cancelled request cannot strand a reserved bed. Transient failures are
// retried; a release that still fails becomes an InconsistentStateError.
func (s *Service) release(ctx context.Context, tenantID, roomID, allocationID, step string, trigger error) (ledger.Reservation, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()

	var (
		reservation ledger.Reservation
		err         error
	)
	for attempt := 0; attempt <= s.releaseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-cctx.Done():
			case <-time.After(releaseBackoff * time.Duration(attempt)):
			}
			if cctx.Err() != nil {
				break
			}
		}
		reservation, err = s.ledger.ReleaseBed(cctx, tenantID, roomID)
		if err == nil || !retryable(err) {
			break
		}
		s.logger.Warn("bed release failed, retrying",
			"tenant_id", tenantID, "room_id", roomID, "step", step, "attempt", attempt+1, "error", err)
	}

	if err == nil {
		if step == StepCompensateReservation {
			metrics.Compensations.WithLabelValues(metrics.ResultOK).Inc()
			s.record(ctx, &model.LedgerEvent{
				TenantID: tenantID,
				RoomID:   roomID,
				Kind:     model.EventCompensated,
				Step:     step,
				Message:  "reserved bed released after the allocation was not recorded",
				Details:  details(trigger, nil),
			})
		}
		return reservation, nil
	}

	if step == StepCompensateReservation {
		metrics.Compensations.WithLabelValues(metrics.ResultError).Inc()
	}
	metrics.InconsistentStates.WithLabelValues(step).Inc()
	incErr := &InconsistentStateError{
		TenantID:     tenantID,
		RoomID:       roomID,
		AllocationID: allocationID,
		Step:         step,
		Trigger:      trigger,
		Cause:        err,
	}
	s.logger.Error("room occupancy left inconsistent",
		"tenant_id", tenantID, "room_id", roomID, "allocation_id", allocationID,
		"step", step, "trigger", trigger, "error", err)

	kind := model.EventInconsistentState
	if errors.Is(err, ErrUnderflow) {
		kind = model.EventUnderflow
	}
	s.record(ctx, &model.LedgerEvent{
		TenantID:     tenantID,
		RoomID:       roomID,
		AllocationID: allocationID,
		Kind:         kind,
		Step:         step,
		Message:      incErr.Error(),
		Details:      details(trigger, err),
	})
	return ledger.Reservation{}, incErr
}

func (s *Service) record(ctx context.Context, e *model.LedgerEvent) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	if err := s.repo.RecordLedgerEvent(rctx, e); err != nil {
		s.logger.Warn("failed to record ledger event",
			"tenant_id", e.TenantID, "room_id", e.RoomID, "kind", e.Kind, "error", err)
	}
}

// Underflow and a missing room will not change on retry.
func retryable(err error) bool {
	return !errors.Is(err, ErrUnderflow) && !errors.Is(err, ErrRoomNotFound)
}

func details(trigger, cause error) []byte {
	d := map[string]string{}
	if trigger != nil {
		d["trigger"] = trigger.Error()
	}
	if cause != nil {
		d["cause"] = cause.Error()
	}
	b, _ := json.Marshal(d)
	return b
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrInconsistentState):
		return metrics.ResultError
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrStudentAlreadyAllocated),
		errors.Is(err, ErrHostelMismatch),
		errors.Is(err, ErrAllocationNotFound),
		errors.Is(err, ErrNotActive),
		errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrUnderMaintenance):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}
