// Package reconcile periodically audits that every room's occupied bed count
// matches its active allocations and repairs rooms that stay out of step.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"hostel-allocation-backend/config"
	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/metrics"
	"hostel-allocation-backend/internal/model"
)

// Auditor finds and repairs drifting rooms.
type Auditor interface {
	Drift(ctx context.Context, tenantID string) ([]ledger.Drift, error)
	Repair(ctx context.Context, d ledger.Drift) (bool, error)
}

// Recorder keeps an audit trail of repairs.
type Recorder interface {
	RecordLedgerEvent(ctx context.Context, e *model.LedgerEvent) error
}

// Report summarises one audit pass.
type Report struct {
	Drifting int
	Repaired int
	Skipped  int
}

// Service runs the audit loop. A room is only repaired once the same drift
// (same version) has been seen on two consecutive passes, so a workflow that
// is between its two writes is left alone.
type Service struct {
	cfg      *config.ReconcilerConfig
	interval time.Duration
	auditor  Auditor
	recorder Recorder
	suspects *cache.Cache
	onRepair func(tenantID string)
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRepairHook registers fn to run after every applied repair, for example
// to drop cached reads of the tenant.
func WithRepairHook(fn func(tenantID string)) Option {
	return func(s *Service) { s.onRepair = fn }
}

func NewService(cfg *config.ReconcilerConfig, auditor Auditor, recorder Recorder, opts ...Option) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Service{
		cfg:      cfg,
		interval: interval,
		auditor:  auditor,
		recorder: recorder,
		suspects: cache.New(3*interval, 6*interval),
		logger:   slog.Default().With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run audits once immediately and then on every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("reconciler is disabled, not starting")
		return
	}
	s.logger.Info("starting reconciler", "interval", s.interval)

	s.audit(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciler shutting down")
			return
		case <-timer.C:
			s.audit(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Service) audit(ctx context.Context) {
	report, err := s.AuditOnce(ctx)
	if err != nil {
		s.logger.Error("occupancy audit failed", "error", err)
		return
	}
	if report.Drifting > 0 {
		s.logger.Warn("occupancy audit found drift",
			"drifting", report.Drifting, "repaired", report.Repaired, "skipped", report.Skipped)
	}
}

// AuditOnce runs a single pass over all tenants.
func (s *Service) AuditOnce(ctx context.Context) (Report, error) {
	drift, err := s.auditor.Drift(ctx, "")
	if err != nil {
		return Report{}, err
	}
	metrics.DriftObserved.Set(float64(len(drift)))

	report := Report{Drifting: len(drift)}
	seen := make(map[string]struct{}, len(drift))
	for _, d := range drift {
		key := suspectKey(d)
		seen[key] = struct{}{}

		prev, ok := s.suspects.Get(key)
		if !ok || !sameDrift(prev.(ledger.Drift), d) {
			s.suspects.SetDefault(key, d)
			continue
		}
		s.suspects.Delete(key)

		applied, err := s.auditor.Repair(ctx, d)
		if err != nil {
			report.Skipped++
			s.logger.Error("failed to repair room occupancy",
				"tenant_id", d.TenantID, "room_id", d.RoomID, "error", err)
			continue
		}
		if !applied {
			report.Skipped++
			continue
		}

		report.Repaired++
		metrics.DriftRepairs.Inc()
		s.logger.Warn("room occupancy repaired",
			"tenant_id", d.TenantID, "room_id", d.RoomID,
			"occupied_beds", d.OccupiedBeds, "active_allocations", d.ActiveCount)
		s.record(ctx, d)
		if s.onRepair != nil {
			s.onRepair(d.TenantID)
		}
	}

	for key := range s.suspects.Items() {
		if _, ok := seen[key]; !ok {
			s.suspects.Delete(key)
		}
	}
	return report, nil
}

func (s *Service) record(ctx context.Context, d ledger.Drift) {
	details, _ := json.Marshal(map[string]any{
		"occupiedBeds": d.OccupiedBeds,
		"activeCount":  d.ActiveCount,
		"version":      d.Version,
	})
	err := s.recorder.RecordLedgerEvent(ctx, &model.LedgerEvent{
		TenantID: d.TenantID,
		RoomID:   d.RoomID,
		Kind:     model.EventDriftRepaired,
		Message:  fmt.Sprintf("occupied beds reset from %d to %d", d.OccupiedBeds, d.ActiveCount),
		Details:  details,
	})
	if err != nil {
		s.logger.Warn("failed to record repair", "room_id", d.RoomID, "error", err)
	}
}

func suspectKey(d ledger.Drift) string {
	return d.TenantID + "/" + d.RoomID
}

func sameDrift(a, b ledger.Drift) bool {
	return a.Version == b.Version && a.OccupiedBeds == b.OccupiedBeds && a.ActiveCount == b.ActiveCount
}
