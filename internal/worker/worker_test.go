package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"cinema-orders/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	claimed map[string]bool
	fail    error
}

func newFakeClaimer() *fakeClaimer {
	return &fakeClaimer{claimed: make(map[string]bool)}
}

func (c *fakeClaimer) ClaimJob(ctx context.Context, orderID int64, jobType string) (bool, error) {
	if c.fail != nil {
		return false, c.fail
	}
	key := fmt.Sprintf("%d/%s", orderID, jobType)
	if c.claimed[key] {
		return false, nil
	}
	c.claimed[key] = true
	return true, nil
}

type fakeSender struct {
	confirmations []int64
	refunds       []int64
	fail          error
}

func (s *fakeSender) SendOrderConfirmation(ctx context.Context, job *models.NotificationJob) error {
	if s.fail != nil {
		return s.fail
	}
	s.confirmations = append(s.confirmations, job.OrderID)
	return nil
}

func (s *fakeSender) SendRefundConfirmation(ctx context.Context, job *models.NotificationJob) error {
	if s.fail != nil {
		return s.fail
	}
	s.refunds = append(s.refunds, job.OrderID)
	return nil
}

func message(t *testing.T, job *models.NotificationJob) kafka.Message {
	t.Helper()
	value, err := json.Marshal(job)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestHandleMessageConfirmation(t *testing.T) {
	claimer := newFakeClaimer()
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, claimer, sender)

	msg := message(t, &models.NotificationJob{
		JobID:   "job-1",
		JobType: models.JobTypeSendConfirmation,
		OrderID: 42,
		UserID:  7,
	})

	require.NoError(t, w.handleMessage(context.Background(), msg))
	assert.Equal(t, []int64{42}, sender.confirmations)
}

func TestHandleMessageRefund(t *testing.T) {
	claimer := newFakeClaimer()
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, claimer, sender)

	msg := message(t, &models.NotificationJob{
		JobID:   "job-1",
		JobType: models.JobTypeSendRefundConfirmation,
		OrderID: 42,
	})

	require.NoError(t, w.handleMessage(context.Background(), msg))
	assert.Equal(t, []int64{42}, sender.refunds)
}

func TestHandleMessageDuplicateDelivery(t *testing.T) {
	claimer := newFakeClaimer()
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, claimer, sender)

	msg := message(t, &models.NotificationJob{
		JobID:   "job-1",
		JobType: models.JobTypeSendConfirmation,
		OrderID: 42,
	})

	require.NoError(t, w.handleMessage(context.Background(), msg))
	require.NoError(t, w.handleMessage(context.Background(), msg))

	// the email went out exactly once
	assert.Len(t, sender.confirmations, 1)
}

func TestHandleMessageMalformed(t *testing.T) {
	claimer := newFakeClaimer()
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, claimer, sender)

	// committed past without touching the claim table
	require.NoError(t, w.handleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
	assert.Empty(t, claimer.claimed)
	assert.Empty(t, sender.confirmations)
}

func TestHandleMessageClaimError(t *testing.T) {
	claimer := newFakeClaimer()
	claimer.fail = errors.New("db down")
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, claimer, sender)

	msg := message(t, &models.NotificationJob{
		JobID:   "job-1",
		JobType: models.JobTypeSendConfirmation,
		OrderID: 42,
	})

	// surfaced so the message stays uncommitted and is redelivered
	assert.Error(t, w.handleMessage(context.Background(), msg))
	assert.Empty(t, sender.confirmations)
}

func TestHandleMessageUnknownJobType(t *testing.T) {
	claimer := newFakeClaimer()
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, claimer, sender)

	msg := message(t, &models.NotificationJob{
		JobID:   "job-1",
		JobType: "send_carrier_pigeon",
		OrderID: 42,
	})

	require.NoError(t, w.handleMessage(context.Background(), msg))
	assert.Empty(t, sender.confirmations)
	assert.Empty(t, sender.refunds)
}
