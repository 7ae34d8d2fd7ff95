// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hostel-allocation-backend/internal/db"
	"hostel-allocation-backend/internal/model"
)

// NewSQLiteDB returns a migrated, file-backed SQLite database that lives in
// the test's temp dir. The pool is limited to one connection so concurrent
// goroutines queue on the pool instead of failing with SQLITE_BUSY.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(t.TempDir(), "hostel.db"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return gormDB
}

// SeedHostel inserts a hostel for the tenant.
func SeedHostel(t *testing.T, gormDB *gorm.DB, tenantID, name string) model.Hostel {
	t.Helper()
	h := model.Hostel{TenantID: tenantID, Name: name}
	require.NoError(t, gormDB.Create(&h).Error)
	return h
}

// SeedRoom inserts a room with the given capacity and occupancy. The status
// is derived unless the caller forces maintenance.
func SeedRoom(t *testing.T, gormDB *gorm.DB, hostel model.Hostel, number string, capacity, occupied int, maintenance bool) model.Room {
	t.Helper()
	status := model.DeriveStatus(model.RoomAvailable, occupied, capacity)
	if maintenance {
		status = model.RoomMaintenance
	}
	r := model.Room{
		TenantID:     hostel.TenantID,
		HostelID:     hostel.ID,
		RoomNumber:   number,
		Capacity:     capacity,
		OccupiedBeds: occupied,
		Status:       status,
		MonthlyFee:   decimal.RequireFromString("1500.00"),
	}
	require.NoError(t, gormDB.Create(&r).Error)
	return r
}

// ReloadRoom reads a room back from the database.
func ReloadRoom(t *testing.T, gormDB *gorm.DB, id string) model.Room {
	t.Helper()
	var r model.Room
	require.NoError(t, gormDB.First(&r, "id = ?", id).Error)
	return r
}

// CountActive counts active allocations for a room.
func CountActive(t *testing.T, gormDB *gorm.DB, roomID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, gormDB.Model(&model.Allocation{}).
		Where("room_id = ? AND status = ?", roomID, model.AllocationActive).
		Count(&n).Error)
	return n
}
