package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hostel-allocation-backend/internal/model"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record was changed concurrently")
	ErrDuplicate = errors.New("record already exists")
)

// Store defines the tenant-scoped record operations. Room occupancy is not
// writable here; it belongs to the capacity ledger.
type Store interface {
	DB() *gorm.DB

	CreateHostel(ctx context.Context, h *model.Hostel) error
	ListHostels(ctx context.Context, tenantID string) ([]model.Hostel, error)
	GetHostel(ctx context.Context, tenantID, id string) (model.Hostel, error)

	CreateRoom(ctx context.Context, r *model.Room) error
	GetRoom(ctx context.Context, tenantID, id string) (model.Room, error)
	ListRooms(ctx context.Context, tenantID string, filter RoomFilter) ([]model.Room, error)

	CreateAllocation(ctx context.Context, a *model.Allocation) error
	GetAllocation(ctx context.Context, tenantID, id string) (model.Allocation, error)
	FindActiveAllocation(ctx context.Context, tenantID, studentID string) (model.Allocation, error)
	ListAllocations(ctx context.Context, tenantID string, filter AllocationFilter) ([]model.Allocation, error)
	MarkVacated(ctx context.Context, tenantID, id string, at time.Time) error

	RecordLedgerEvent(ctx context.Context, e *model.LedgerEvent) error
	ListLedgerEvents(ctx context.Context, tenantID string, kind model.LedgerEventKind, limit int) ([]model.LedgerEvent, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, tenantID, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, tenantID, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

var _ Store = (*gormStore)(nil)

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for components that run their own queries.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) CreateHostel(ctx context.Context, h *model.Hostel) error {
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("hostel %q: %w", h.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create hostel %q: %w", h.Name, err)
	}
	return nil
}

func (s *gormStore) ListHostels(ctx context.Context, tenantID string) ([]model.Hostel, error) {
	var hostels []model.Hostel
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("name").
		Find(&hostels).Error; err != nil {
		return nil, fmt.Errorf("failed to list hostels: %w", err)
	}
	return hostels, nil
}

func (s *gormStore) GetHostel(ctx context.Context, tenantID, id string) (model.Hostel, error) {
	var h model.Hostel
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&h).Error
	return h, notFound(err, "hostel", id)
}

// CreateRoom inserts a room with an empty ledger: no occupied beds and a
// status derived from capacity.
func (s *gormStore) CreateRoom(ctx context.Context, r *model.Room) error {
	if _, err := s.GetHostel(ctx, r.TenantID, r.HostelID); err != nil {
		return err
	}

	r.OccupiedBeds = 0
	r.Version = 0
	if r.Status != model.RoomMaintenance {
		r.Status = model.DeriveStatus(model.RoomAvailable, 0, r.Capacity)
	}

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("room %q: %w", r.RoomNumber, ErrDuplicate)
		}
		return fmt.Errorf("failed to create room %q: %w", r.RoomNumber, err)
	}
	return nil
}

func (s *gormStore) GetRoom(ctx context.Context, tenantID, id string) (model.Room, error) {
	var r model.Room
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&r).Error
	return r, notFound(err, "room", id)
}

func (s *gormStore) ListRooms(ctx context.Context, tenantID string, filter RoomFilter) ([]model.Room, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.HostelID != "" {
		q = q.Where("hostel_id = ?", filter.HostelID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.OnlyWithFreeBeds {
		q = q.Where("status <> ? AND occupied_beds < capacity", model.RoomMaintenance)
	}

	var rooms []model.Room
	if err := q.Order("room_number").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

func (s *gormStore) CreateAllocation(ctx context.Context, a *model.Allocation) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("allocation for student %s: %w", a.StudentID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create allocation for student %s: %w", a.StudentID, err)
	}
	return nil
}

func (s *gormStore) GetAllocation(ctx context.Context, tenantID, id string) (model.Allocation, error) {
	var a model.Allocation
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&a).Error
	return a, notFound(err, "allocation", id)
}

func (s *gormStore) FindActiveAllocation(ctx context.Context, tenantID, studentID string) (model.Allocation, error) {
	var a model.Allocation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND student_id = ? AND status = ?", tenantID, studentID, model.AllocationActive).
		First(&a).Error
	return a, notFound(err, "active allocation of student", studentID)
}

func (s *gormStore) ListAllocations(ctx context.Context, tenantID string, filter AllocationFilter) ([]model.Allocation, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.StudentID != "" {
		q = q.Where("student_id = ?", filter.StudentID)
	}
	if filter.RoomID != "" {
		q = q.Where("room_id = ?", filter.RoomID)
	}
	if filter.HostelID != "" {
		q = q.Where("hostel_id = ?", filter.HostelID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var allocations []model.Allocation
	if err := q.Order("created_at DESC").Find(&allocations).Error; err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return allocations, nil
}

// MarkVacated flips an active allocation to vacated. The update only applies
// while the row is still active, so two racing vacates cannot both win.
func (s *gormStore) MarkVacated(ctx context.Context, tenantID, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Allocation{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, id, model.AllocationActive).
		Updates(map[string]any{
			"status":     model.AllocationVacated,
			"vacated_at": at,
			"updated_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to vacate allocation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("allocation %s: %w", id, ErrConflict)
	}
	return nil
}

func (s *gormStore) RecordLedgerEvent(ctx context.Context, e *model.LedgerEvent) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to record %s event for room %s: %w", e.Kind, e.RoomID, err)
	}
	return nil
}

func (s *gormStore) ListLedgerEvents(ctx context.Context, tenantID string, kind model.LedgerEventKind, limit int) ([]model.LedgerEvent, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if limit <= 0 {
		limit = 100
	}

	var events []model.LedgerEvent
	if err := q.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger events: %w", err)
	}
	return events, nil
}

func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	if _, err := s.GetHostel(ctx, sub.TenantID, sub.HostelID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "hostel_id", "p256dh", "auth"}),
	}).Create(sub).Error
}

func (s *gormStore) GetSubscription(ctx context.Context, tenantID, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND endpoint = ?", tenantID, endpoint).First(&sub).Error
	return sub, notFound(err, "subscription", endpoint)
}

func (s *gormStore) DeleteSubscription(ctx context.Context, tenantID, endpoint string) error {
	return s.db.WithContext(ctx).
		Where("tenant_id = ? AND endpoint = ?", tenantID, endpoint).
		Delete(&model.PushSubscription{}).Error
}

func notFound(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}
