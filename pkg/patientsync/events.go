package patientsync

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
)

// EventHandler applies patient.move commands read from Kafka.
type EventHandler struct {
	service *Service
	dlq     EventPublisher
}

// NewEventHandler returns a handler that dead-letters permanent failures on
// dlq. A nil dlq drops them after logging.
func NewEventHandler(service *Service, dlq EventPublisher) *EventHandler {
	return &EventHandler{service: service, dlq: dlq}
}

// Handle has the signature of kafka.EventHandler. Only storage failures are
// returned; the consumer retries those before it moves past the message.
func (h *EventHandler) Handle(ctx context.Context, event models.Event) error {
	if event.Type != "" && event.Type != EventTypeMove {
		logger.WithField("event_type", event.Type).Debug("ignoring event")
		return nil
	}

	req := moveRequestFromEvent(event.Data)
	_, err := h.service.MovePatient(ctx, req)
	if err == nil {
		return nil
	}
	if !IsPermanent(err) {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"event_id":    event.ID,
		"customer_id": req.CustomerID,
	}).WithError(err).Warn("dead-lettering patient move")

	if h.dlq == nil {
		return nil
	}
	payload := map[string]interface{}{
		"customer_id":    req.CustomerID,
		"source_event":   event.ID,
		"error":          err.Error(),
		"original_event": event.Data,
	}
	if pubErr := h.dlq.PublishEvent(ctx, EventTypeMoveFailed, serviceName, payload); pubErr != nil {
		return fmt.Errorf("publishing dead letter: %w", pubErr)
	}
	return nil
}

func moveRequestFromEvent(data map[string]interface{}) models.MoveRequest {
	return models.MoveRequest{
		CustomerID:        stringField(data, "customer_id"),
		Country:           stringField(data, "country"),
		LastConsultedDate: stringField(data, "last_consulted_date"),
	}
}

func stringField(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}
