package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"cloudpico-stations/internal/reading"
)

// TelemetryTopic is the MQTT topic a station's readings are published on.
func TelemetryTopic(station string) string {
	return fmt.Sprintf("stations/%s/telemetry", station)
}

type mqttPublisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// MQTTPublisher publishes every reading as Telemetry JSON.
type MQTTPublisher struct {
	client mqttPublisher
	// Retain keeps the last reading on the broker for late subscribers.
	Retain bool
}

func NewMQTTPublisher(client mqttPublisher) *MQTTPublisher {
	return &MQTTPublisher{client: client}
}

func (m *MQTTPublisher) Persist(_ context.Context, station string, r reading.Reading) error {
	data, err := json.Marshal(NewTelemetry(station, r))
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	return m.client.Publish(TelemetryTopic(station), data, m.Retain)
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaWriteCloser interface {
	Close() error
}

// KafkaPublisher writes every reading to one topic, keyed by station name so
// a station's readings stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaMessageWriter
	closer kafkaWriteCloser
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, w, logger), nil
}

func newKafkaPublisher(w kafkaMessageWriter, c kafkaWriteCloser, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, closer: c, logger: logger}
}

func (k *KafkaPublisher) Persist(ctx context.Context, station string, r reading.Reading) error {
	data, err := json.Marshal(NewTelemetry(station, r))
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(station),
		Value: data,
		Time:  r.Time,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", station, err)
	}
	k.logger.Debug("kafka reading written", "station", station)
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.closer == nil {
		return nil
	}
	return k.closer.Close()
}
