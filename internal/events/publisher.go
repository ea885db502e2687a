package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// KafkaPublisher pushes lifecycle events onto the otp-events topic. The
// recipient leaves the service hashed; downstream consumers correlate on the
// hash, never the raw address.
type KafkaPublisher struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaPublisher(producer *client.KafkaProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
	}
}

var _ model.EventPublisher = (*KafkaPublisher)(nil)

type eventMessage struct {
	EventType     string    `json:"event_type"`
	RequestID     string    `json:"request_id"`
	RecipientHash string    `json:"recipient_hash"`
	Purpose       string    `json:"purpose"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	recipientHash := hashing.RecipientHash(event.Recipient)

	payload, err := json.Marshal(eventMessage{
		EventType:     string(event.Type),
		RequestID:     event.RequestID,
		RecipientHash: recipientHash,
		Purpose:       string(event.Purpose),
		OccurredAt:    event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal OTP event: %w", err)
	}

	// Keyed by recipient hash so one recipient's events stay ordered.
	err = p.producer.ProduceMessage(ctx, p.topic, []byte(recipientHash), payload, map[string]string{
		"event_type": string(event.Type),
	})
	if err != nil {
		util.Error("Failed to publish OTP event",
			zap.String("event_type", string(event.Type)),
			zap.String("request_id", event.RequestID),
			zap.Error(err))
		return fmt.Errorf("failed to publish OTP event: %w", err)
	}

	return nil
}
