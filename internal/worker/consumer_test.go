package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/keyword-intel/shared/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	return a.Nack(tag, false, false)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	err        error
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.deliveries, nil
}

func TestConsumeWakeups(t *testing.T) {
	w := NewWorker(Config{WorkerID: "w", Concurrency: 1}, nil, nil, nil, nil, logger.NewDiscard().Logger)
	ack := &fakeAcknowledger{}
	src := &fakeSource{deliveries: make(chan amqp.Delivery, 3)}

	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"event":"job.enqueued","job_id":"j1"}`)}
	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)}
	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"event":"job.completed","job_id":"j1"}`)}
	close(src.deliveries)

	require.NoError(t, w.ConsumeWakeups(context.Background(), src))

	assert.Equal(t, []uint64{1, 3}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)

	select {
	case <-w.wake:
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up")
	}
	select {
	case <-w.wake:
		t.Fatal("only job.enqueued wakes the pool")
	default:
	}
}

func TestConsumeWakeups_Error(t *testing.T) {
	w := NewWorker(Config{}, nil, nil, nil, nil, logger.NewDiscard().Logger)
	err := w.ConsumeWakeups(context.Background(), &fakeSource{err: errors.New("not connected")})
	assert.ErrorContains(t, err, "not connected")
}

func TestWake_NeverBlocks(t *testing.T) {
	w := NewWorker(Config{Concurrency: 1}, nil, nil, nil, nil, logger.NewDiscard().Logger)
	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			w.Wake()
		}
	})
	assert.Len(t, w.wake, 1)
}
