package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cinema-orders/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	keys   []string
	values [][]byte
	fail   error
}

func (p *fakePublisher) Publish(ctx context.Context, key string, value []byte) error {
	if p.fail != nil {
		return p.fail
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func TestEnqueue(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub)

	job := &models.NotificationJob{
		JobID:       "job-1",
		OrderID:     42,
		UserID:      7,
		AmountCents: 1498,
		Currency:    "usd",
	}

	jobID, err := d.Enqueue(context.Background(), models.JobTypeSendConfirmation, job)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	// keyed by order so all jobs for one order share a partition
	require.Len(t, pub.keys, 1)
	assert.Equal(t, "order-42", pub.keys[0])

	var decoded models.NotificationJob
	require.NoError(t, json.Unmarshal(pub.values[0], &decoded))
	assert.Equal(t, models.JobTypeSendConfirmation, decoded.JobType)
	assert.Equal(t, int64(42), decoded.OrderID)
}

func TestEnqueuePublishFailure(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("broker unavailable")}
	d := NewDispatcher(pub)

	_, err := d.Enqueue(context.Background(), models.JobTypeSendConfirmation, &models.NotificationJob{JobID: "job-1"})
	assert.Error(t, err)
}
