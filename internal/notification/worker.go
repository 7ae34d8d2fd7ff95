package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"hostel-allocation-backend/internal/metrics"
	"hostel-allocation-backend/internal/model"
)

const queueDepth = 64

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Job is a bed that became free in a hostel.
type Job struct {
	TenantID string
	HostelID string
	RoomID   string
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Job
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueDepth),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  slog.Default().With("component", "notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("worker started", "worker", id)
	for {
		select {
		case job := <-wp.jobs:
			wp.sendNotificationsForHostel(ctx, job)
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// NotifyBedReleased queues a notification for everyone watching the hostel.
// It never blocks the caller; when the queue is full the job is dropped.
func (wp *WorkerPool) NotifyBedReleased(tenantID, hostelID, roomID string) {
	select {
	case wp.jobs <- Job{TenantID: tenantID, HostelID: hostelID, RoomID: roomID}:
	default:
		metrics.Notifications.WithLabelValues(metrics.ResultDropped).Inc()
		wp.logger.Warn("notification queue full, dropping job",
			"tenant_id", tenantID, "hostel_id", hostelID, "room_id", roomID)
	}
}

func (wp *WorkerPool) sendNotificationsForHostel(ctx context.Context, job Job) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Where("tenant_id = ? AND hostel_id = ?", job.TenantID, job.HostelID).
		Find(&subscriptions).Error
	if err != nil {
		wp.logger.Error("failed to fetch subscriptions", "hostel_id", job.HostelID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	label := job.HostelID
	var hostel model.Hostel
	if err := wp.db.WithContext(ctx).
		Select("name").
		Where("tenant_id = ? AND id = ?", job.TenantID, job.HostelID).
		First(&hostel).Error; err != nil {
		wp.logger.Warn("failed to fetch hostel name", "hostel_id", job.HostelID, "error", err)
	} else if hostel.Name != "" {
		label = hostel.Name
	}

	wp.logger.Info("sending bed available notifications",
		"tenant_id", job.TenantID, "hostel_id", job.HostelID, "room_id", job.RoomID, "count", len(subscriptions))
	message := fmt.Sprintf("A bed is now available in %s", label)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(message))
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		metrics.Notifications.WithLabelValues(metrics.ResultError).Inc()
		wp.logger.Warn("failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		metrics.Notifications.WithLabelValues(metrics.ResultExpired).Inc()
		wp.logger.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.logger.Warn("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
		return
	}
	metrics.Notifications.WithLabelValues(metrics.ResultOK).Inc()
}
