package store_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"hostel-allocation-backend/internal/model"
	"hostel-allocation-backend/internal/store"
	"hostel-allocation-backend/internal/testutil"
)

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}

func TestGormStore_GetRoom_ScopedByTenant(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := store.NewGormStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "rooms" WHERE .*tenant_id = \$1 AND id = \$2`).
		WithArgs("tenant-b", "room-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id"}))

	_, err := s.GetRoom(context.Background(), "tenant-b", "room-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_MarkVacated_ConditionalOnActive(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := store.NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "allocations" SET .* WHERE .*status = \$`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.MarkVacated(context.Background(), "tenant-a", "alloc-1", time.Now())
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_RoomsAndAllocations(t *testing.T) {
	ctx := context.Background()
	gormDB := testutil.NewSQLiteDB(t)
	s := store.NewGormStore(gormDB)

	hostel := &model.Hostel{TenantID: "tenant-a", Name: "North Wing"}
	require.NoError(t, s.CreateHostel(ctx, hostel))
	assert.NotEmpty(t, hostel.ID)

	err := s.CreateHostel(ctx, &model.Hostel{TenantID: "tenant-a", Name: "North Wing"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	t.Run("create room starts with an empty ledger", func(t *testing.T) {
		room := &model.Room{
			TenantID:     "tenant-a",
			HostelID:     hostel.ID,
			RoomNumber:   "A-1-01",
			Capacity:     2,
			OccupiedBeds: 2, // ignored
			MonthlyFee:   decimal.NewFromInt(1200),
		}
		require.NoError(t, s.CreateRoom(ctx, room))

		got, err := s.GetRoom(ctx, "tenant-a", room.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.OccupiedBeds)
		assert.Equal(t, model.RoomAvailable, got.Status)
		assert.True(t, decimal.NewFromInt(1200).Equal(got.MonthlyFee))
	})

	t.Run("room in another tenant's hostel is rejected", func(t *testing.T) {
		err := s.CreateRoom(ctx, &model.Room{TenantID: "tenant-b", HostelID: hostel.ID, RoomNumber: "X", Capacity: 1})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate room number", func(t *testing.T) {
		err := s.CreateRoom(ctx, &model.Room{TenantID: "tenant-a", HostelID: hostel.ID, RoomNumber: "A-1-01", Capacity: 1})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("tenant isolation on reads", func(t *testing.T) {
		rooms, err := s.ListRooms(ctx, "tenant-b", store.RoomFilter{})
		require.NoError(t, err)
		assert.Empty(t, rooms)

		rooms, err = s.ListRooms(ctx, "tenant-a", store.RoomFilter{HostelID: hostel.ID, OnlyWithFreeBeds: true})
		require.NoError(t, err)
		assert.Len(t, rooms, 1)
	})

	t.Run("allocation lifecycle", func(t *testing.T) {
		rooms, err := s.ListRooms(ctx, "tenant-a", store.RoomFilter{})
		require.NoError(t, err)
		require.Len(t, rooms, 1)

		a := &model.Allocation{
			TenantID:       "tenant-a",
			StudentID:      "student-1",
			RoomID:         rooms[0].ID,
			HostelID:       hostel.ID,
			AllocationDate: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			MonthlyFee:     rooms[0].MonthlyFee,
			Status:         model.AllocationActive,
		}
		require.NoError(t, s.CreateAllocation(ctx, a))

		dup := *a
		dup.ID = ""
		assert.ErrorIs(t, s.CreateAllocation(ctx, &dup), store.ErrDuplicate)

		active, err := s.FindActiveAllocation(ctx, "tenant-a", "student-1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, active.ID)

		require.NoError(t, s.MarkVacated(ctx, "tenant-a", a.ID, time.Now().UTC()))
		assert.ErrorIs(t, s.MarkVacated(ctx, "tenant-a", a.ID, time.Now().UTC()), store.ErrConflict)

		_, err = s.FindActiveAllocation(ctx, "tenant-a", "student-1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		vacated, err := s.ListAllocations(ctx, "tenant-a", store.AllocationFilter{Status: model.AllocationVacated})
		require.NoError(t, err)
		require.Len(t, vacated, 1)
		assert.NotNil(t, vacated[0].VacatedAt)
	})
}

func TestGormStore_LedgerEvents(t *testing.T) {
	ctx := context.Background()
	s := store.NewGormStore(testutil.NewSQLiteDB(t))

	require.NoError(t, s.RecordLedgerEvent(ctx, &model.LedgerEvent{
		TenantID: "tenant-a", RoomID: "room-1", Kind: model.EventCompensated, Message: "released",
	}))
	require.NoError(t, s.RecordLedgerEvent(ctx, &model.LedgerEvent{
		TenantID: "tenant-a", RoomID: "room-1", Kind: model.EventInconsistentState, Message: "stuck",
	}))

	all, err := s.ListLedgerEvents(ctx, "tenant-a", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inconsistent, err := s.ListLedgerEvents(ctx, "tenant-a", model.EventInconsistentState, 10)
	require.NoError(t, err)
	require.Len(t, inconsistent, 1)
	assert.Equal(t, "stuck", inconsistent[0].Message)

	other, err := s.ListLedgerEvents(ctx, "tenant-b", "", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestIsUniqueViolation(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"gorm duplicated key", gorm.ErrDuplicatedKey, true},
		{"postgres unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"postgres fk", &pgconn.PgError{Code: "23503"}, false},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, true},
		{"mysql other", &mysql.MySQLError{Number: 1213}, false},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, store.IsUniqueViolation(tc.err))
		})
	}
}
