package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// JSONPublisher is the part of the RabbitMQ client the bridge needs.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// AMQPHandler forwards events to a message broker.
type AMQPHandler struct {
	publisher JSONPublisher
	logger    *slog.Logger
}

// NewAMQPHandler creates a handler publishing through publisher.
func NewAMQPHandler(publisher JSONPublisher, logger *slog.Logger) *AMQPHandler {
	return &AMQPHandler{publisher: publisher, logger: logger.With("component", "amqp_notifier")}
}

func (h *AMQPHandler) Handle(ctx context.Context, event Event) error {
	if err := h.publisher.PublishJSON(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	h.logger.Debug("Event published",
		slog.String("event", string(event.Type)),
		slog.String("job_id", event.JobID),
	)
	return nil
}
