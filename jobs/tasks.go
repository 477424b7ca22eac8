// Package jobs defines the background tasks the engine enqueues: audit write
// retries and role-change notifications.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/meridian-crm/meridian-crm/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRetry re-attempts a failed audit trail write.
	TaskAuditRetry = "audit:retry"
	// TaskRoleChangeNotify delivers a role transition notification.
	TaskRoleChangeNotify = "authz:role_change"
)

// RoleChangePayload describes a committed role transition.
type RoleChangePayload struct {
	UserID  int64  `json:"user_id"`
	OldRole string `json:"old_role"`
	NewRole string `json:"new_role"`
}

// NewAuditRetryTask constructs an Asynq task carrying the unwritten entry.
func NewAuditRetryTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetry, data, asynq.MaxRetry(10)), nil
}

// NewRoleChangeNotifyTask constructs a notification task.
func NewRoleChangeNotifyTask(payload RoleChangePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleChangeNotify, data), nil
}

// Client submits jobs to the queue. It implements audit.RetryEnqueuer and
// the engine's Notifier contract.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueAuditRetry queues a failed audit write for a later attempt.
func (c *Client) EnqueueAuditRetry(ctx context.Context, entry audit.Entry) error {
	task, err := NewAuditRetryTask(entry)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// RoleChanged queues a role transition notification. Delivery is best-effort
// relative to the transition commit.
func (c *Client) RoleChanged(ctx context.Context, userID int64, oldRole, newRole string) error {
	task, err := NewRoleChangeNotifyTask(RoleChangePayload{UserID: userID, OldRole: oldRole, NewRole: newRole})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
