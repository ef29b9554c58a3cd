package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/models"
)

// Channel names carried over the pub/sub service.
const (
	// ChannelJobUpdates carries JSON JobUpdate notifications for dashboards.
	ChannelJobUpdates = "job_updates"

	// ChannelBatchCompleted fires once per batch when its coordinator returns.
	ChannelBatchCompleted = "batch_completed"

	// jobProgressPrefix prefixes the per-work-item progress channels.
	jobProgressPrefix = "job_progress:"
)

// JobUpdate is the notification payload published on job_updates.
type JobUpdate struct {
	JobID     int64  `json:"job_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// Handler receives the raw payload published on a channel.
type Handler func(ctx context.Context, payload []byte)

// Service is an in-process pub/sub bus. Handlers run asynchronously; a slow
// subscriber never blocks a publisher.
type Service struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[string][]Handler),
		logger:      logger,
	}
}

// Subscribe registers a handler for a channel
func (s *Service) Subscribe(channel string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[channel] = append(s.subscribers[channel], handler)

	s.logger.Debug().
		Str("channel", channel).
		Int("subscriber_count", len(s.subscribers[channel])).
		Msg("Event handler subscribed")

	return nil
}

// Publish sends a payload to all subscribers of a channel asynchronously
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) {
	s.mu.RLock()
	handlers := s.subscribers[channel]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		go func(h Handler) {
			h(ctx, payload)
		}(handler)
	}
}

// PublishJobUpdate publishes a job_updates notification.
func (s *Service) PublishJobUpdate(ctx context.Context, jobID int64, status models.Status, message string) {
	update := JobUpdate{
		JobID:     jobID,
		Status:    status.String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   message,
	}
	data, err := json.Marshal(update)
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to marshal job update")
		return
	}
	s.Publish(ctx, ChannelJobUpdates, data)
}

// PublishBatchCompleted publishes the batch_completed notification for a job.
func (s *Service) PublishBatchCompleted(ctx context.Context, jobID int64, status models.Status, message string) {
	update := JobUpdate{
		JobID:     jobID,
		Status:    status.String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   message,
	}
	data, err := json.Marshal(update)
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to marshal batch notification")
		return
	}
	s.Publish(ctx, ChannelBatchCompleted, data)
}

// PublishProgress publishes a "<percent>|<message>" string on the per-item
// progress channel.
func (s *Service) PublishProgress(ctx context.Context, queueID string, percent int, message string) {
	payload := fmt.Sprintf("%d|%s", percent, message)
	s.Publish(ctx, ProgressChannel(queueID), []byte(payload))
}

// ProgressChannel returns the per-work-item progress channel name.
func ProgressChannel(queueID string) string {
	return jobProgressPrefix + queueID
}
