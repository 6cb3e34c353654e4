// Package ingest moves driver location updates through Kafka: the API
// produces to the location topic, and the consumer binary drains it into the
// Redis geo index and the locations table.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// LocationUpdate is the wire format of the driver-locations topic.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	At       time.Time `json:"at"`
}

// LocationProducer publishes updates keyed by driver id so each driver's
// stream stays ordered.
type LocationProducer struct {
	writer *kafka.Writer
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	return &LocationProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *LocationProducer) Publish(ctx context.Context, u LocationUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location update: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(u.DriverID),
		Value: data,
		Time:  u.At,
	})
	if err != nil {
		return fmt.Errorf("publish location update: %w", err)
	}
	return nil
}

func (p *LocationProducer) Close() error { return p.writer.Close() }
