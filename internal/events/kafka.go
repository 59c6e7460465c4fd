package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lexiqai/speech-client/internal/observability"
)

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Enabled      bool
}

// KafkaPublisher writes partial and final transcript events to separate
// topics, keyed by capture session. Without brokers it only logs.
type KafkaPublisher struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	topicPartial  string
	topicFinal    string
	enabled       bool
	logger        zerolog.Logger
}

// NewKafkaPublisher creates a publisher. A nil or disabled config yields
// log-only mode.
func NewKafkaPublisher(cfg *KafkaConfig, logger zerolog.Logger) *KafkaPublisher {
	logger = observability.WithComponent(logger, "kafka")

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &KafkaPublisher{logger: logger}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return &KafkaPublisher{
			topicPartial: cfg.TopicPartial,
			topicFinal:   cfg.TopicFinal,
			logger:       logger,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_partial", cfg.TopicPartial).
		Str("topic_final", cfg.TopicFinal).
		Msg("Kafka publisher initialized")

	return &KafkaPublisher{
		writerPartial: newWriter(cfg.TopicPartial),
		writerFinal:   newWriter(cfg.TopicFinal),
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		enabled:       true,
		logger:        logger,
	}
}

// Publish writes transcript events. Lifecycle events are not published to Kafka.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	switch ev.Type {
	case TypePartial:
		return p.publish(ctx, p.writerPartial, p.topicPartial, ev)
	case TypeFinal:
		return p.publish(ctx, p.writerFinal, p.topicFinal, ev)
	default:
		return nil
	}
}

// publish writes ev to one topic keyed by session.
func (p *KafkaPublisher) publish(ctx context.Context, writer *kafka.Writer, topic string, ev Event) error {
	start := time.Now()

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("topic", topic).
		Str("key", ev.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		observability.RecordEventPublish("kafka", string(ev.Type), start, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte(ev.Source)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", ev.SessionID).
			Msg("Failed to write to Kafka")
		observability.RecordEventPublish("kafka", string(ev.Type), start, err)
		return err
	}

	observability.RecordEventPublish("kafka", string(ev.Type), start, nil)
	return nil
}

// Close closes both Kafka writers.
func (p *KafkaPublisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
