// Package notify delivers pipeline events to handlers registered when the
// process is wired together.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/quota"
)

// EventType names an event.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCancelled EventType = "job.cancelled"
	EventQuotaAlert   EventType = "quota.alert"
)

// Event is one notification. Job events carry the job fields; quota alerts
// carry Alert.
type Event struct {
	Type       EventType        `json:"event"`
	JobID      string           `json:"job_id,omitempty"`
	OwnerID    string           `json:"owner_id,omitempty"`
	JobType    domain.JobType   `json:"job_type,omitempty"`
	Status     domain.JobStatus `json:"status,omitempty"`
	Priority   domain.Priority  `json:"priority,omitempty"`
	Message    string           `json:"message,omitempty"`
	RetryCount int              `json:"retry_count,omitempty"`
	Alert      *quota.Alert     `json:"alert,omitempty"`
	At         time.Time        `json:"at"`
}

// JobEvent builds an event from a job snapshot.
func JobEvent(t EventType, job *domain.Job) Event {
	e := Event{
		Type:       t,
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		JobType:    job.Type,
		Status:     job.Status,
		Priority:   job.Priority,
		RetryCount: job.RetryCount,
		At:         time.Now().UTC(),
	}
	if job.ErrorMessage != nil {
		e.Message = *job.ErrorMessage
	}
	return e
}

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus fans events out synchronously to subscribed handlers. Handler errors
// are logged and never reach the publisher.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger.With("component", "event_bus"),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers h for the given event types, or for every event when
// none are given.
func (b *Bus) Subscribe(h Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Publish delivers event to its handlers. A nil bus drops the event.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Error("Event handler failed",
				slog.String("event", string(event.Type)),
				slog.String("job_id", event.JobID),
				slog.Any("error", err),
			)
		}
	}
}

// HandleQuotaAlert lets the bus receive alerts from the quota tracker.
func (b *Bus) HandleQuotaAlert(ctx context.Context, alert quota.Alert) {
	b.Publish(ctx, Event{Type: EventQuotaAlert, Alert: &alert, At: alert.RaisedAt})
}
