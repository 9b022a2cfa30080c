package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

type ConfluentProducer struct {
	producer *kafka.Producer
	topic    string
	instance string
	doneCh   chan struct{}
}

// envelope is the record value on the room event topic.
type envelope struct {
	domain.RoomEvent
	Instance string `json:"instance"`
}

func NewConfluentProducer(brokers, topic string, partitions int, instance string) (*ConfluentProducer, error) {
	if err := ensureTopic(brokers, topic, partitions); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", topic).Msg("failed to ensure topic (may already exist)")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		topic:    topic,
		instance: instance,
		doneCh:   make(chan struct{}),
	}

	go cp.deliveryReportHandler()

	return cp, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}
	return nil
}

func (cp *ConfluentProducer) deliveryReportHandler() {
	for e := range cp.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l := log.L()
			l.Warn().Err(m.TopicPartition.Error).Str(log.FieldRoomID, string(m.Key)).Msg("kafka delivery failed")
		}
	}
	close(cp.doneCh)
}

// ProduceRoomEvent keys records by room so one room's events stay ordered
// within a partition.
func (cp *ConfluentProducer) ProduceRoomEvent(_ context.Context, ev domain.RoomEvent) error {
	msg, err := buildMessage(cp.topic, cp.instance, ev)
	if err != nil {
		return err
	}
	if err := cp.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce room event: %w", err)
	}
	return nil
}

func buildMessage(topic, instance string, ev domain.RoomEvent) (*kafka.Message, error) {
	value, err := json.Marshal(envelope{RoomEvent: ev, Instance: instance})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room event: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:       []byte(ev.RoomID),
		Value:     value,
		Timestamp: ev.Timestamp,
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
	}, nil
}

func (cp *ConfluentProducer) Close() error {
	cp.producer.Flush(5000)
	cp.producer.Close()
	<-cp.doneCh
	return nil
}
