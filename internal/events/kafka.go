package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/model"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON keyed by batch ID, so one batch's
// events stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink creates an asynchronous writer; delivery failures are logged.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, eris.New("events: kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				zap.L().Warn("kafka event delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaSink{w: w}, nil
}

// Send implements Sink.
func (k *KafkaSink) Send(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "events: marshal")
	}
	msg := kafka.Message{
		Key:   []byte(ev.BatchID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
		Time: ev.At,
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return eris.Wrap(err, "events: kafka write")
	}
	return nil
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
