package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"cinema-orders/internal/models"
	"cinema-orders/internal/util"

	"go.uber.org/zap"
)

// publisher is the producer surface the dispatcher needs.
type publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Dispatcher serializes notification jobs onto the broker. At-least-once:
// the consumer side deduplicates on (order, job type).
type Dispatcher struct {
	producer publisher
	logger   *zap.Logger
}

// NewDispatcher creates a new job dispatcher
func NewDispatcher(producer publisher) *Dispatcher {
	return &Dispatcher{
		producer: producer,
		logger:   util.GetLogger(),
	}
}

// Enqueue publishes the job and returns its ID.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType string, job *models.NotificationJob) (string, error) {
	job.JobType = jobType

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	key := fmt.Sprintf("order-%d", job.OrderID)
	if err := d.producer.Publish(ctx, key, payload); err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}

	d.logger.Info("Job enqueued",
		zap.String("job_id", job.JobID),
		zap.String("job_type", jobType),
		zap.Int64("order_id", job.OrderID))
	return job.JobID, nil
}
