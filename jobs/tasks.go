package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskQuotationExpiry sweeps quotations past their vigency deadline.
	TaskQuotationExpiry = "quotation:expiry"
	// TaskReleaseReconcile finishes reservation releases interrupted mid-flight.
	TaskReleaseReconcile = "reservation:reconcile"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// SweepPayload carries scheduling metadata.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewQuotationExpiryTask constructs the expiry sweep task.
func NewQuotationExpiryTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQuotationExpiry, body, asynq.Queue(QueueDefault)), nil
}

// NewReleaseReconcileTask constructs the release reconciliation task.
func NewReleaseReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReleaseReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the idempotency cleanup task.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// QuotationExpirer is the slice of the quotation service the sweep needs.
type QuotationExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// NewQuotationExpiryHandler builds the handler for TaskQuotationExpiry.
func NewQuotationExpiryHandler(svc QuotationExpirer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		expired, err := svc.ExpireDue(ctx, 200)
		if err != nil {
			return err
		}
		if expired > 0 {
			logger.Info("quotation expiry sweep", slog.Int("expired", expired))
		}
		return nil
	}
}

// ReleaseReconciler is the slice of the reservation service the sweep needs.
type ReleaseReconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
}

// NewReleaseReconcileHandler builds the handler for TaskReleaseReconcile.
func NewReleaseReconcileHandler(svc ReleaseReconciler, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		done, err := svc.ReconcilePending(ctx)
		if err != nil {
			return err
		}
		if done > 0 {
			logger.Info("release reconciliation", slog.Int("reconciled", done))
		}
		return nil
	}
}

// IdempotencyCleaner prunes stored idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupHandler builds the handler for TaskIdempotencyCleanup.
func NewIdempotencyCleanupHandler(store IdempotencyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if err := store.Cleanup(ctx, 30*24*time.Hour); err != nil {
			logger.Warn("idempotency cleanup failed", slog.Any("error", err))
			return err
		}
		return nil
	}
}
