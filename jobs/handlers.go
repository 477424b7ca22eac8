package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-crm/meridian-crm/internal/audit"
	jobmetrics "github.com/meridian-crm/meridian-crm/internal/jobs"
)

// AuditRetryJob replays failed audit trail writes.
type AuditRetryJob struct {
	auditor *audit.Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAuditRetryJob constructs the retry handler.
func NewAuditRetryJob(auditor *audit.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRetryJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRetryJob{auditor: auditor, logger: logger, metrics: metrics}
}

// Handle processes TaskAuditRetry tasks. A returned error drives asynq's
// exponential backoff; malformed payloads are dropped rather than retried.
func (j *AuditRetryJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("audit_retry")
	var entry audit.Entry
	if err := json.Unmarshal(t.Payload(), &entry); err != nil {
		j.logger.Error("audit retry payload", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}
	if err := j.auditor.Retry(ctx, entry); err != nil {
		j.logger.Warn("audit retry attempt failed",
			slog.String("action", entry.Action),
			slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

// RoleChangeNotifyJob delivers role transition notifications to affected
// users. Delivery failures are retried by asynq without affecting the
// committed transition.
type RoleChangeNotifyJob struct {
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewRoleChangeNotifyJob constructs the notification handler.
func NewRoleChangeNotifyJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleChangeNotifyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleChangeNotifyJob{logger: logger, metrics: metrics}
}

// Handle processes TaskRoleChangeNotify tasks.
func (j *RoleChangeNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("role_change_notify")
	var payload RoleChangePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	// This record is the delivery boundary. Downstream notification
	// transports consume the stream; none live inside this service.
	j.logger.Info("role change notification",
		slog.Int64("user_id", payload.UserID),
		slog.String("old_role", payload.OldRole),
		slog.String("new_role", payload.NewRole))
	return tracker.End(nil)
}
