// Package events publishes activity change notifications to Kafka so the
// community dashboard and reporting jobs can react without polling.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types carried in the event_type header and payload.
const (
	TypeActivityCreated = "ride_activity.created"
	TypeActivityUpdated = "ride_activity.updated"
	TypeActivityDeleted = "ride_activity.deleted"
)

// ActivityEvent is the JSON payload written to the activity topic.
type ActivityEvent struct {
	EventType        string    `json:"event_type"`
	UserID           string    `json:"user_id"`
	StravaActivityID string    `json:"strava_activity_id"`
	ActivityType     string    `json:"activity_type,omitempty"`
	DistanceMeters   float64   `json:"distance_meters,omitempty"`
	StartDate        time.Time `json:"start_date"`
	IsWednesdayRide  bool      `json:"is_wednesday_ride"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes activity events to a single Kafka topic, partitioned
// by user so one rider's events stay ordered.
type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a Publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			Async:        false,
		},
	}
}

// Publish writes one event. The caller decides whether failures matter;
// the sync engine treats them as log-and-continue.
func (p *Publisher) Publish(ctx context.Context, event ActivityEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
