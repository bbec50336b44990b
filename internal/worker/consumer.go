package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/keyword-intel/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliverySource starts a RabbitMQ consumer.
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// ConsumeWakeups wakes the pool whenever a job.enqueued event arrives.
// Messages are hints only: the queue table stays the source of truth, so
// every well-formed message is acked.
func (w *Worker) ConsumeWakeups(ctx context.Context, source DeliverySource) error {
	deliveries, err := source.Consume(w.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Wake-up consumer started",
		slog.String("consumer_tag", w.workerID),
	)
	w.dispatchWakeups(ctx, deliveries)
	return nil
}

func (w *Worker) dispatchWakeups(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake-up consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var event notify.Event
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				w.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages go to the dead-letter exchange if one is bound
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if event.Type == notify.EventJobEnqueued {
				w.logger.Debug("Job enqueued, waking worker pool",
					slog.String("job_id", event.JobID),
				)
				w.Wake()
			}

			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}
