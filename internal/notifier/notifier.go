package notifier

import (
	"time"

	"github.com/google/uuid"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/kafka"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

// Notifier pushes job state changes to WebSocket subscribers and the
// Kafka job events topic. Either sink may be absent; failures in one do
// not block the other.
type Notifier struct {
	hub      *Hub
	producer *kafka.Producer
	logger   logging.Logger
}

func New(hub *Hub, producer *kafka.Producer, logger logging.Logger) *Notifier {
	return &Notifier{
		hub:      hub,
		producer: producer,
		logger:   logger,
	}
}

// Notify fans a state change out to all sinks.
func (n *Notifier) Notify(change models.JobStateChange) {
	if n.hub != nil {
		n.hub.NotifyOwner(change)
	}

	if n.producer != nil {
		event := &kafka.JobEvent{
			EventID:       uuid.New().String(),
			EventType:     "job_state_change",
			Timestamp:     time.Now().UTC(),
			Source:        "reel",
			JobID:         change.JobID,
			OwnerID:       change.OwnerID,
			OldStatus:     change.OldStatus,
			NewStatus:     change.NewStatus,
			Progress:      change.Progress,
			ErrorReason:   change.ErrorReason,
			SchemaVersion: "1.0",
		}
		if err := n.producer.PublishJobEvent(event); err != nil {
			n.logger.WithError(err).WithFields(logging.Fields{
				"job_id":     change.JobID,
				"new_status": change.NewStatus,
			}).Warn("Failed to publish job event")
		}
	}
}
