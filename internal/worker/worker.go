package worker

import (
	"context"
	"encoding/json"

	"cinema-orders/internal/dispatch"
	"cinema-orders/internal/models"
	"cinema-orders/internal/notify"
	"cinema-orders/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// JobClaimer marks a (order, job type) pair as processed exactly once.
type JobClaimer interface {
	ClaimJob(ctx context.Context, orderID int64, jobType string) (bool, error)
}

// NotificationWorker consumes notification jobs and sends email. The
// broker delivers at least once; the claim table collapses duplicates.
type NotificationWorker struct {
	consumer *dispatch.Consumer
	claimer  JobClaimer
	sender   notify.EmailSender
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *dispatch.Consumer, claimer JobClaimer, sender notify.EmailSender) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		claimer:  claimer,
		sender:   sender,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var job models.NotificationJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		// a malformed message never becomes valid; commit past it
		w.logger.Error("Dropping malformed job message", zap.Error(err))
		util.JobsProcessedTotal.WithLabelValues("unknown", "malformed").Inc()
		return nil
	}

	claimed, err := w.claimer.ClaimJob(ctx, job.OrderID, job.JobType)
	if err != nil {
		return err
	}
	if !claimed {
		w.logger.Info("Job already processed, skipping",
			zap.String("job_id", job.JobID),
			zap.Int64("order_id", job.OrderID),
			zap.String("job_type", job.JobType))
		util.JobsProcessedTotal.WithLabelValues(job.JobType, "duplicate").Inc()
		return nil
	}

	switch job.JobType {
	case models.JobTypeSendConfirmation:
		err = w.sender.SendOrderConfirmation(ctx, &job)
	case models.JobTypeSendRefundConfirmation:
		err = w.sender.SendRefundConfirmation(ctx, &job)
	default:
		w.logger.Warn("Unknown job type", zap.String("job_type", job.JobType))
		util.JobsProcessedTotal.WithLabelValues(job.JobType, "unknown").Inc()
		return nil
	}

	if err != nil {
		w.logger.Error("Job failed",
			zap.String("job_id", job.JobID),
			zap.Int64("order_id", job.OrderID),
			zap.Error(err))
		util.JobsProcessedTotal.WithLabelValues(job.JobType, "error").Inc()
		// the claim stands, so redelivery will not resend the email;
		// surfaced by the metric instead of a retry storm
		return nil
	}

	w.logger.Info("Job processed",
		zap.String("job_id", job.JobID),
		zap.Int64("order_id", job.OrderID),
		zap.String("job_type", job.JobType))
	util.JobsProcessedTotal.WithLabelValues(job.JobType, "ok").Inc()
	return nil
}
