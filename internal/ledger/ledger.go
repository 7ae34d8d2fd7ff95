// Package ledger owns the occupied bed count of every room. All writes are
// single conditional UPDATE statements so that concurrent callers can never
// push a room past its capacity or below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"hostel-allocation-backend/internal/metrics"
	"hostel-allocation-backend/internal/model"
)

var (
	ErrRoomFull               = errors.New("room is at full capacity")
	ErrRoomNotFound           = errors.New("room not found")
	ErrUnderMaintenance       = errors.New("room is under maintenance")
	ErrUnderflow              = errors.New("room has no occupied beds to release")
	ErrContention             = errors.New("room kept changing concurrently")
	ErrCapacityBelowOccupancy = errors.New("capacity below occupied beds")
	ErrInvalidCapacity        = errors.New("capacity must be positive")
)

const defaultMaxAttempts = 5

// The status assignment comes first and reads the pre-update columns, so the
// statements behave the same on MySQL, which applies SET left to right.
const (
	reserveSQL = `UPDATE rooms SET ` +
		`status = CASE WHEN occupied_beds + 1 >= capacity THEN 'occupied' ELSE 'available' END, ` +
		`occupied_beds = occupied_beds + 1, version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ? AND status <> 'maintenance' AND occupied_beds < capacity`

	releaseSQL = `UPDATE rooms SET ` +
		`status = CASE WHEN status = 'maintenance' THEN 'maintenance' ` +
		`WHEN occupied_beds - 1 >= capacity THEN 'occupied' ELSE 'available' END, ` +
		`occupied_beds = occupied_beds - 1, version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ? AND occupied_beds > 0`

	maintenanceOnSQL = `UPDATE rooms SET status = 'maintenance', version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ?`

	maintenanceOffSQL = `UPDATE rooms SET ` +
		`status = CASE WHEN occupied_beds >= capacity THEN 'occupied' ELSE 'available' END, ` +
		`version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ?`

	capacitySQL = `UPDATE rooms SET ` +
		`status = CASE WHEN status = 'maintenance' THEN 'maintenance' ` +
		`WHEN occupied_beds >= ? THEN 'occupied' ELSE 'available' END, ` +
		`capacity = ?, version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ? AND occupied_beds <= ?`

	feeSQL = `UPDATE rooms SET monthly_fee = ?, version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ?`

	repairSQL = `UPDATE rooms SET ` +
		`status = CASE WHEN status = 'maintenance' THEN 'maintenance' ` +
		`WHEN ? >= capacity THEN 'occupied' ELSE 'available' END, ` +
		`occupied_beds = ?, version = version + 1, updated_at = ? ` +
		`WHERE tenant_id = ? AND id = ? AND version = ?`

	driftSQL = `SELECT r.tenant_id, r.id AS room_id, r.hostel_id, r.occupied_beds, r.capacity, r.version, ` +
		`COUNT(a.id) AS active_count ` +
		`FROM rooms r LEFT JOIN allocations a ` +
		`ON a.room_id = r.id AND a.tenant_id = r.tenant_id AND a.status = 'active' ` +
		`%s` +
		`GROUP BY r.tenant_id, r.id, r.hostel_id, r.occupied_beds, r.capacity, r.version ` +
		`HAVING COUNT(a.id) <> r.occupied_beds ` +
		`ORDER BY r.tenant_id, r.id`
)

// Reservation is the room as it stood right after a ledger write.
type Reservation struct {
	RoomID       string           `json:"roomId"`
	HostelID     string           `json:"hostelId"`
	Capacity     int              `json:"capacity"`
	OccupiedBeds int              `json:"occupiedBeds"`
	Status       model.RoomStatus `json:"status"`
	MonthlyFee   decimal.Decimal  `json:"monthlyFee"`
	Version      int64            `json:"version"`
}

// Drift is a room whose occupied bed count disagrees with its active
// allocations.
type Drift struct {
	TenantID     string `json:"tenantId"`
	RoomID       string `json:"roomId"`
	HostelID     string `json:"hostelId"`
	OccupiedBeds int    `json:"occupiedBeds"`
	Capacity     int    `json:"capacity"`
	Version      int64  `json:"version"`
	ActiveCount  int    `json:"activeCount"`
}

// RoomPatch is a set of room edits applied together. Nil fields are left
// untouched.
type RoomPatch struct {
	MonthlyFee  *decimal.Decimal
	Capacity    *int
	Maintenance *bool
}

// Ledger performs atomic occupancy changes on rooms.
type Ledger struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxAttempts bounds how often a conditional update is retried after a
// concurrent change.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:          db,
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// classifyFunc explains why a conditional update matched no row. A nil
// return means the guard held when read and the update should be retried.
type classifyFunc func(room model.Room) error

// TryReserveBed takes one bed in the room.
func (l *Ledger) TryReserveBed(ctx context.Context, tenantID, roomID string) (Reservation, error) {
	return l.mutate(ctx, "reserve", tenantID, roomID, func(now time.Time) (string, []any) {
		return reserveSQL, []any{now, tenantID, roomID}
	}, func(room model.Room) error {
		if room.Status == model.RoomMaintenance {
			return ErrUnderMaintenance
		}
		if room.OccupiedBeds >= room.Capacity {
			return ErrRoomFull
		}
		return nil
	})
}

// ReleaseBed gives one bed back. Releasing from an empty room is an error,
// never a silent no-op.
func (l *Ledger) ReleaseBed(ctx context.Context, tenantID, roomID string) (Reservation, error) {
	return l.mutate(ctx, "release", tenantID, roomID, func(now time.Time) (string, []any) {
		return releaseSQL, []any{now, tenantID, roomID}
	}, func(room model.Room) error {
		if room.OccupiedBeds <= 0 {
			return ErrUnderflow
		}
		return nil
	})
}

// SetMaintenance toggles the manual maintenance override. Leaving
// maintenance recomputes the status from occupancy.
func (l *Ledger) SetMaintenance(ctx context.Context, tenantID, roomID string, on bool) (Reservation, error) {
	query := maintenanceOffSQL
	if on {
		query = maintenanceOnSQL
	}
	return l.mutate(ctx, "maintenance", tenantID, roomID, func(now time.Time) (string, []any) {
		return query, []any{now, tenantID, roomID}
	}, func(model.Room) error { return nil })
}

// SetCapacity changes the number of beds. It refuses to drop below the beds
// already occupied.
func (l *Ledger) SetCapacity(ctx context.Context, tenantID, roomID string, capacity int) (Reservation, error) {
	if capacity <= 0 {
		return Reservation{}, fmt.Errorf("room %s capacity %d: %w", roomID, capacity, ErrInvalidCapacity)
	}
	return l.mutate(ctx, "capacity", tenantID, roomID, func(now time.Time) (string, []any) {
		return capacitySQL, []any{capacity, capacity, now, tenantID, roomID, capacity}
	}, func(room model.Room) error {
		if room.OccupiedBeds > capacity {
			return ErrCapacityBelowOccupancy
		}
		return nil
	})
}

// UpdateRoom applies every edit in p in one transaction. Either all of them
// take effect or none do.
func (l *Ledger) UpdateRoom(ctx context.Context, tenantID, roomID string, p RoomPatch) (Reservation, error) {
	if p.Capacity != nil && *p.Capacity <= 0 {
		return Reservation{}, fmt.Errorf("room %s capacity %d: %w", roomID, *p.Capacity, ErrInvalidCapacity)
	}

	var snapshot Reservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := l.withDB(tx)
		if p.MonthlyFee != nil {
			res := tx.Exec(feeSQL, *p.MonthlyFee, l.now(), tenantID, roomID)
			if res.Error != nil {
				return fmt.Errorf("fee room %s: %w", roomID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("fee room %s: %w", roomID, ErrRoomNotFound)
			}
		}
		if p.Capacity != nil {
			if _, err := scoped.SetCapacity(ctx, tenantID, roomID, *p.Capacity); err != nil {
				return err
			}
		}
		if p.Maintenance != nil {
			if _, err := scoped.SetMaintenance(ctx, tenantID, roomID, *p.Maintenance); err != nil {
				return err
			}
		}

		room, err := loadRoom(tx, tenantID, roomID)
		if err != nil {
			return fmt.Errorf("room %s: %w", roomID, err)
		}
		snapshot = reservationOf(room)
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return snapshot, nil
}

// withDB returns a copy of the ledger writing through db, typically an open
// transaction.
func (l *Ledger) withDB(db *gorm.DB) *Ledger {
	scoped := *l
	scoped.db = db
	return &scoped
}

func (l *Ledger) mutate(
	ctx context.Context,
	op, tenantID, roomID string,
	build func(now time.Time) (string, []any),
	classify classifyFunc,
) (Reservation, error) {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		var (
			snapshot Reservation
			retry    bool
		)
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			query, args := build(l.now())
			res := tx.Exec(query, args...)
			if res.Error != nil {
				return res.Error
			}

			room, err := loadRoom(tx, tenantID, roomID)
			if err != nil {
				return err
			}
			if res.RowsAffected == 0 {
				if err := classify(room); err != nil {
					return err
				}
				retry = true
				return nil
			}
			snapshot = reservationOf(room)
			return nil
		})
		if err != nil {
			return Reservation{}, fmt.Errorf("%s room %s: %w", op, roomID, err)
		}
		if !retry {
			return snapshot, nil
		}

		metrics.LedgerRetries.WithLabelValues(op).Inc()
		l.logger.Debug("conditional room update lost a race, retrying",
			"op", op, "tenant_id", tenantID, "room_id", roomID, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return Reservation{}, err
		}
	}
	return Reservation{}, fmt.Errorf("%s room %s after %d attempts: %w", op, roomID, l.maxAttempts, ErrContention)
}

// Drift lists rooms whose occupancy disagrees with their active allocations.
// An empty tenantID audits every tenant.
func (l *Ledger) Drift(ctx context.Context, tenantID string) ([]Drift, error) {
	where, args := "", []any{}
	if tenantID != "" {
		where, args = "WHERE r.tenant_id = ? ", append(args, tenantID)
	}

	var drift []Drift
	if err := l.db.WithContext(ctx).Raw(fmt.Sprintf(driftSQL, where), args...).Scan(&drift).Error; err != nil {
		return nil, fmt.Errorf("failed to audit room occupancy: %w", err)
	}
	return drift, nil
}

// Repair rewrites the occupied bed count to the active allocation count, but
// only if the room has not changed since the drift was observed. It reports
// whether the write applied.
func (l *Ledger) Repair(ctx context.Context, d Drift) (bool, error) {
	if d.ActiveCount > d.Capacity {
		return false, fmt.Errorf("room %s has %d active allocations for %d beds: %w",
			d.RoomID, d.ActiveCount, d.Capacity, ErrCapacityBelowOccupancy)
	}
	res := l.db.WithContext(ctx).Exec(repairSQL,
		d.ActiveCount, d.ActiveCount, l.now(), d.TenantID, d.RoomID, d.Version)
	if res.Error != nil {
		return false, fmt.Errorf("failed to repair room %s: %w", d.RoomID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func loadRoom(tx *gorm.DB, tenantID, roomID string) (model.Room, error) {
	var room model.Room
	err := tx.Where("tenant_id = ? AND id = ?", tenantID, roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room, ErrRoomNotFound
	}
	return room, err
}

func reservationOf(room model.Room) Reservation {
	return Reservation{
		RoomID:       room.ID,
		HostelID:     room.HostelID,
		Capacity:     room.Capacity,
		OccupiedBeds: room.OccupiedBeds,
		Status:       room.Status,
		MonthlyFee:   room.MonthlyFee,
		Version:      room.Version,
	}
}
