package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// BillingEventTopic is the topic all ledger and payment events go to.
const BillingEventTopic = "billing_events"

// BillingEvent is the envelope published for every ledger mutation.
type BillingEvent struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	Source         string                 `json:"source"`
	HouseID        string                 `json:"house_id,omitempty"`
	HouseServiceID string                 `json:"house_service_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Producer wraps a franz-go client for publishing billing events.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
}

// NewProducer creates a Kafka producer for billing events.
func NewProducer(brokers []string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("bursar"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage publishes a raw message to a topic.
func (p *Producer) ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// PublishBillingEvent publishes a single typed billing event, keyed by event ID.
func (p *Producer) PublishBillingEvent(event *BillingEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"source":     event.Source,
		"event_type": event.EventType,
	}
	if event.HouseID != "" {
		headers["house_id"] = event.HouseID
	}

	return p.ProduceMessage(BillingEventTopic, []byte(event.EventID), value, headers)
}

func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
