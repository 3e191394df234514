// Package delivery hands due reminders to the user. QueueChannel posts them
// to an Azure Storage queue drained by the push service; LogChannel only logs
// them and is used when no queue is configured.
package delivery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

type queue interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueChannel delivers reminders as JSON messages on a storage queue.
type QueueChannel struct {
	queue  queue
	logger *log.Logger
}

// NewQueueChannel connects to the named queue.
func NewQueueChannel(connStr, queueName string, logger *log.Logger) (*QueueChannel, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 10 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueChannel{queue: q, logger: logger}, nil
}

// EnsureQueue creates the queue when it does not exist yet.
func (c *QueueChannel) EnsureQueue(ctx context.Context) error {
	if _, err := c.queue.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

type reminderMessage struct {
	Type    string    `json:"type"`
	TaskID  string    `json:"taskId"`
	BoardID string    `json:"boardId"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	FireAt  time.Time `json:"fireAt"`
}

// Deliver enqueues the reminder.
func (c *QueueChannel) Deliver(ctx context.Context, r domain.Reminder) (domain.DeliveryResult, error) {
	data, err := sonic.Marshal(reminderMessage{
		Type:    "task-reminder",
		TaskID:  r.TaskID,
		BoardID: r.BoardID,
		Title:   r.Title,
		Body:    r.Body,
		FireAt:  r.FireAt.UTC(),
	})
	if err != nil {
		return domain.DeliveryResult{}, &domain.DeliveryError{TaskID: r.TaskID, Err: err}
	}
	resp, err := c.queue.EnqueueMessage(ctx, string(data), nil)
	if err != nil {
		var respErr *azcore.ResponseError
		perm := errors.As(err, &respErr) &&
			(respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden)
		return domain.DeliveryResult{}, &domain.DeliveryError{TaskID: r.TaskID, Permission: perm, Err: err}
	}

	res := domain.DeliveryResult{DeliveredAt: time.Now().UTC()}
	if len(resp.Messages) > 0 && resp.Messages[0] != nil {
		m := resp.Messages[0]
		if m.MessageID != nil {
			res.MessageID = *m.MessageID
		}
		if m.InsertionTime != nil {
			res.DeliveredAt = m.InsertionTime.UTC()
		}
	}
	c.logger.WithFields(log.Fields{"task_id": r.TaskID, "message_id": res.MessageID}).Debug("reminder enqueued")
	return res, nil
}

// LogChannel writes reminders to the log.
type LogChannel struct {
	Logger *log.Logger
}

func (c LogChannel) Deliver(ctx context.Context, r domain.Reminder) (domain.DeliveryResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{
		"task_id":  r.TaskID,
		"board_id": r.BoardID,
		"fire_at":  r.FireAt.UTC().Format(time.RFC3339),
	}).Info("reminder: " + r.Title)
	return domain.DeliveryResult{MessageID: uuid.NewString(), DeliveredAt: time.Now().UTC()}, nil
}
