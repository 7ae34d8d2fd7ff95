package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"hostel-allocation-backend/internal/allocation"
	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/store"
	"hostel-allocation-backend/internal/testutil"
)

const tenant = "tenant-a"

var moveIn = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	store  store.Store
	ledger *ledger.Ledger
	hostel model.Hostel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gormDB := testutil.NewSQLiteDB(t)
	return &fixture{
		db:     gormDB,
		store:  store.NewGormStore(gormDB),
		ledger: ledger.New(gormDB),
		hostel: testutil.SeedHostel(t, gormDB, tenant, "North Wing"),
	}
}

func (f *fixture) room(t *testing.T, number string, capacity, occupied int, maintenance bool) model.Room {
	return testutil.SeedRoom(t, f.db, f.hostel, number, capacity, occupied, maintenance)
}

func (f *fixture) request(student string, room model.Room) allocation.AllocateRequest {
	return allocation.AllocateRequest{
		TenantID:       tenant,
		StudentID:      student,
		RoomID:         room.ID,
		HostelID:       room.HostelID,
		AllocationDate: moveIn,
	}
}

// assertInvariant checks that every room's occupancy matches its active
// allocations.
func (f *fixture) assertInvariant(t *testing.T) {
	t.Helper()
	drift, err := f.ledger.Drift(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, drift)
}

// failingRepo makes allocation inserts fail.
type failingRepo struct {
	store.Store
	createErr   error
	panicMsg    string
	skipCheck   bool
	attemptedID string
}

func (r *failingRepo) CreateAllocation(ctx context.Context, a *model.Allocation) error {
	r.attemptedID = a.ID
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.createErr != nil {
		return r.createErr
	}
	return r.Store.CreateAllocation(ctx, a)
}

func (r *failingRepo) FindActiveAllocation(ctx context.Context, tenantID, studentID string) (model.Allocation, error) {
	if r.skipCheck {
		return model.Allocation{}, store.ErrNotFound
	}
	return r.Store.FindActiveAllocation(ctx, tenantID, studentID)
}

// flakyLedger fails releases and can run a hook after each reservation.
type flakyLedger struct {
	*ledger.Ledger
	releaseErr   error
	releaseCalls int
	afterReserve func()
}

func (l *flakyLedger) TryReserveBed(ctx context.Context, tenantID, roomID string) (ledger.Reservation, error) {
	res, err := l.Ledger.TryReserveBed(ctx, tenantID, roomID)
	if err == nil && l.afterReserve != nil {
		l.afterReserve()
	}
	return res, err
}

func (l *flakyLedger) ReleaseBed(ctx context.Context, tenantID, roomID string) (ledger.Reservation, error) {
	l.releaseCalls++
	if l.releaseErr != nil {
		return ledger.Reservation{}, l.releaseErr
	}
	return l.Ledger.ReleaseBed(ctx, tenantID, roomID)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyBedReleased(tenantID, hostelID, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, tenantID+"/"+hostelID+"/"+roomID)
}

func TestAllocateAndVacate_Scenarios(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	notifier := &recordingNotifier{}
	svc := allocation.NewService(f.store, f.ledger, allocation.WithNotifier(notifier))

	a, err := svc.Allocate(ctx, f.request("student-a", room))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationActive, a.Status)
	got := testutil.ReloadRoom(t, f.db, room.ID)
	assert.Equal(t, 1, got.OccupiedBeds)
	assert.Equal(t, model.RoomAvailable, got.Status)

	_, err = svc.Allocate(ctx, f.request("student-b", room))
	require.NoError(t, err)
	got = testutil.ReloadRoom(t, f.db, room.ID)
	assert.Equal(t, 2, got.OccupiedBeds)
	assert.Equal(t, model.RoomOccupied, got.Status)

	_, err = svc.Allocate(ctx, f.request("student-c", room))
	assert.ErrorIs(t, err, allocation.ErrRoomFull)
	assert.Equal(t, 2, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)

	vacated, err := svc.Vacate(ctx, tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationVacated, vacated.Status)
	got = testutil.ReloadRoom(t, f.db, room.ID)
	assert.Equal(t, 1, got.OccupiedBeds)
	assert.Equal(t, model.RoomAvailable, got.Status)

	stored, err := svc.Get(ctx, tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationVacated, stored.Status)
	assert.NotNil(t, stored.VacatedAt)

	assert.Equal(t, []string{tenant + "/" + f.hostel.ID + "/" + room.ID}, notifier.calls)
	f.assertInvariant(t)
}

func TestAllocate_MaintenanceRoomRejected(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "A-1-01", 3, 0, true)
	svc := allocation.NewService(f.store, f.ledger)

	_, err := svc.Allocate(context.Background(), f.request("student-a", room))
	assert.ErrorIs(t, err, allocation.ErrUnderMaintenance)
	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
	assert.Zero(t, testutil.CountActive(t, f.db, room.ID))
}

func TestAllocate_BoundaryUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "A-1-01", 1, 0, false)
	svc := allocation.NewService(f.store, f.ledger)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, student := range []string{"student-a", "student-b"} {
		wg.Add(1)
		go func(i int, student string) {
			defer wg.Done()
			_, errs[i] = svc.Allocate(context.Background(), f.request(student, room))
		}(i, student)
	}
	wg.Wait()

	var succeeded, full int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, allocation.ErrRoomFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
	f.assertInvariant(t)
}

func TestAllocate_NeverOverbooksUnderLoad(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "A-1-01", 4, 0, false)
	svc := allocation.NewService(f.store, f.ledger)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.request("student-"+string(rune('a'+i)), room)
			if _, err := svc.Allocate(context.Background(), req); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, allocation.ErrRoomFull)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, succeeded)
	assert.Equal(t, int64(4), testutil.CountActive(t, f.db, room.ID))
	f.assertInvariant(t)
}

func TestVacate_Twice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	svc := allocation.NewService(f.store, f.ledger)

	a, err := svc.Allocate(ctx, f.request("student-a", room))
	require.NoError(t, err)

	_, err = svc.Vacate(ctx, tenant, a.ID)
	require.NoError(t, err)
	_, err = svc.Vacate(ctx, tenant, a.ID)
	assert.ErrorIs(t, err, allocation.ErrNotActive)

	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
	f.assertInvariant(t)
}

func TestVacate_UnknownAllocation(t *testing.T) {
	f := newFixture(t)
	svc := allocation.NewService(f.store, f.ledger)

	_, err := svc.Vacate(context.Background(), tenant, "missing")
	assert.ErrorIs(t, err, allocation.ErrAllocationNotFound)
}

func TestAllocate_CompensatesFailedInsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 1, false)
	repo := &failingRepo{Store: f.store, createErr: errors.New("disk full")}
	svc := allocation.NewService(repo, f.ledger)

	_, err := svc.Allocate(ctx, f.request("student-a", room))
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 1, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)

	events, err := f.store.ListLedgerEvents(ctx, tenant, model.EventCompensated, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, room.ID, events[0].RoomID)
	assert.NotEmpty(t, repo.attemptedID)
	assert.Equal(t, repo.attemptedID, events[0].AllocationID)
	assert.Contains(t, string(events[0].Details), "disk full")
}

func TestAllocate_CompensatesPanic(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	svc := allocation.NewService(&failingRepo{Store: f.store, panicMsg: "boom"}, f.ledger)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = svc.Allocate(context.Background(), f.request("student-a", room))
	})
	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
}

func TestAllocate_CompensatesAfterCancellation(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &flakyLedger{Ledger: f.ledger, afterReserve: cancel}
	svc := allocation.NewService(f.store, l)

	_, err := svc.Allocate(ctx, f.request("student-a", room))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, l.releaseCalls)
	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
	f.assertInvariant(t)
}

func TestAllocate_FailedCompensationIsInconsistentState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	repo := &failingRepo{Store: f.store, createErr: errors.New("disk full")}
	l := &flakyLedger{Ledger: f.ledger, releaseErr: errors.New("connection reset")}
	svc := allocation.NewService(repo, l, allocation.WithReleaseRetries(2))

	_, err := svc.Allocate(ctx, f.request("student-a", room))
	require.Error(t, err)
	assert.ErrorIs(t, err, allocation.ErrInconsistentState)

	var incErr *allocation.InconsistentStateError
	require.ErrorAs(t, err, &incErr)
	assert.Equal(t, room.ID, incErr.RoomID)
	assert.Equal(t, allocation.StepCompensateReservation, incErr.Step)
	assert.NotEmpty(t, incErr.AllocationID)
	assert.Equal(t, repo.attemptedID, incErr.AllocationID)
	assert.EqualError(t, incErr.Trigger, "disk full")
	assert.EqualError(t, incErr.Cause, "connection reset")
	assert.Equal(t, 3, l.releaseCalls)

	// The reserved bed is stranded until the reconciler repairs it.
	assert.Equal(t, 1, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)

	events, err := f.store.ListLedgerEvents(ctx, tenant, model.EventInconsistentState, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, allocation.StepCompensateReservation, events[0].Step)
	assert.Equal(t, incErr.AllocationID, events[0].AllocationID)
}

func TestVacate_FailedReleaseIsInconsistentState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	l := &flakyLedger{Ledger: f.ledger}
	svc := allocation.NewService(f.store, l, allocation.WithReleaseRetries(0))

	a, err := svc.Allocate(ctx, f.request("student-a", room))
	require.NoError(t, err)

	l.releaseErr = errors.New("connection reset")
	_, err = svc.Vacate(ctx, tenant, a.ID)

	var incErr *allocation.InconsistentStateError
	require.ErrorAs(t, err, &incErr)
	assert.Equal(t, allocation.StepReleaseBed, incErr.Step)
	assert.Equal(t, a.ID, incErr.AllocationID)

	stored, err := svc.Get(ctx, tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationVacated, stored.Status)
	assert.Equal(t, 1, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
}

func TestVacate_UnderflowIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	require.NoError(t, f.db.Create(&model.Allocation{
		TenantID: tenant, StudentID: "student-a", RoomID: room.ID, HostelID: room.HostelID,
		AllocationDate: moveIn, MonthlyFee: room.MonthlyFee, Status: model.AllocationActive,
	}).Error)
	active, err := f.store.FindActiveAllocation(ctx, tenant, "student-a")
	require.NoError(t, err)

	l := &flakyLedger{Ledger: f.ledger}
	svc := allocation.NewService(f.store, l)

	_, err = svc.Vacate(ctx, tenant, active.ID)
	assert.ErrorIs(t, err, allocation.ErrUnderflow)
	assert.ErrorIs(t, err, allocation.ErrInconsistentState)
	assert.Equal(t, 1, l.releaseCalls)
	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)

	events, err := f.store.ListLedgerEvents(ctx, tenant, model.EventUnderflow, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAllocate_StudentAlreadyAllocated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.room(t, "A-1-01", 2, 0, false)
	second := f.room(t, "A-1-02", 2, 0, false)
	svc := allocation.NewService(f.store, f.ledger)

	_, err := svc.Allocate(ctx, f.request("student-a", first))
	require.NoError(t, err)

	_, err = svc.Allocate(ctx, f.request("student-a", second))
	assert.ErrorIs(t, err, allocation.ErrStudentAlreadyAllocated)
	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, second.ID).OccupiedBeds)

	t.Run("racing check falls back to the unique index", func(t *testing.T) {
		racing := allocation.NewService(&failingRepo{Store: f.store, skipCheck: true}, f.ledger)
		_, err := racing.Allocate(ctx, f.request("student-a", second))
		assert.ErrorIs(t, err, allocation.ErrStudentAlreadyAllocated)
		assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, second.ID).OccupiedBeds)
	})

	f.assertInvariant(t)
}

func TestAllocate_RequestValidation(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "A-1-01", 2, 0, false)
	other := testutil.SeedHostel(t, f.db, tenant, "South Wing")
	svc := allocation.NewService(f.store, f.ledger)
	negative := decimal.NewFromInt(-1)

	testCases := []struct {
		name     string
		mutate   func(r *allocation.AllocateRequest)
		expected error
	}{
		{"missing student", func(r *allocation.AllocateRequest) { r.StudentID = "" }, allocation.ErrInvalidRequest},
		{"missing room", func(r *allocation.AllocateRequest) { r.RoomID = "" }, allocation.ErrInvalidRequest},
		{"missing date", func(r *allocation.AllocateRequest) { r.AllocationDate = time.Time{} }, allocation.ErrInvalidRequest},
		{"negative fee", func(r *allocation.AllocateRequest) { r.Fee = &negative }, allocation.ErrInvalidRequest},
		{"hostel mismatch", func(r *allocation.AllocateRequest) { r.HostelID = other.ID }, allocation.ErrHostelMismatch},
		{"unknown room", func(r *allocation.AllocateRequest) { r.RoomID = "missing" }, allocation.ErrRoomNotFound},
		{"other tenant", func(r *allocation.AllocateRequest) { r.TenantID = "tenant-b" }, allocation.ErrRoomNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.request("student-a", room)
			tc.mutate(&req)
			_, err := svc.Allocate(context.Background(), req)
			assert.ErrorIs(t, err, tc.expected)
		})
	}

	assert.Equal(t, 0, testutil.ReloadRoom(t, f.db, room.ID).OccupiedBeds)
}

func TestAllocate_FeeSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "A-1-01", 3, 0, false)
	svc := allocation.NewService(f.store, f.ledger)

	defaulted, err := svc.Allocate(ctx, f.request("student-a", room))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1500").Equal(defaulted.MonthlyFee))

	override := decimal.RequireFromString("999.50")
	req := f.request("student-b", room)
	req.Fee = &override
	overridden, err := svc.Allocate(ctx, req)
	require.NoError(t, err)
	assert.True(t, override.Equal(overridden.MonthlyFee))

	newFee := decimal.NewFromInt(1800)
	_, err = f.ledger.UpdateRoom(ctx, tenant, room.ID, ledger.RoomPatch{MonthlyFee: &newFee})
	require.NoError(t, err)

	stored, err := svc.Get(ctx, tenant, defaulted.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1500").Equal(stored.MonthlyFee))

	later, err := svc.Allocate(ctx, f.request("student-c", room))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1800).Equal(later.MonthlyFee))

	listed, err := svc.List(ctx, tenant, store.AllocationFilter{RoomID: room.ID})
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestInconsistentStateError_Message(t *testing.T) {
	err := &allocation.InconsistentStateError{
		RoomID:       "room-1",
		AllocationID: "alloc-1",
		Step:         allocation.StepReleaseBed,
		Cause:        errors.New("connection reset"),
	}
	assert.Equal(t, "inconsistent state at release_bed for room room-1 (allocation alloc-1): connection reset", err.Error())
	assert.True(t, errors.Is(err, allocation.ErrInconsistentState))
}
