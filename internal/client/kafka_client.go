package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"attack-feed/internal/config"
)

type KafkaProducer struct {
	Writer  *kafka.Writer
	brokers []string
	logger  *zap.Logger
}

type KafkaConsumer struct {
	Reader *kafka.Reader
	logger *zap.Logger
}

// NewKafkaProducer builds a synchronous writer. Topics are set per message.
func NewKafkaProducer(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer requires at least one broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              100,
		BatchBytes:             1048576, // 1MB
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)

	return &KafkaProducer{
		Writer:  writer,
		brokers: cfg.Brokers,
		logger:  logger,
	}, nil
}

func NewKafkaConsumer(cfg config.KafkaConfig, groupID string, logger *zap.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	}
	if groupID == "" {
		rc.StartOffset = kafka.LastOffset
	}
	reader := kafka.NewReader(rc)

	logger.Info("Kafka consumer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", groupID),
	)

	return &KafkaConsumer{Reader: reader, logger: logger}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka producer", zap.Error(err))
		return err
	}
	p.logger.Info("Kafka producer closed")
	return nil
}

func (c *KafkaConsumer) Close() error {
	if c.Reader == nil {
		return nil
	}
	if err := c.Reader.Close(); err != nil {
		c.logger.Error("Failed to close Kafka consumer", zap.Error(err))
		return err
	}
	c.logger.Info("Kafka consumer closed")
	return nil
}

func (p *KafkaProducer) ProduceMessages(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.Writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}

	p.logger.Debug("Produced kafka messages",
		zap.String("topic", msgs[0].Topic),
		zap.Int("count", len(msgs)),
	)
	return nil
}

func (c *KafkaConsumer) ConsumeMessage(ctx context.Context) (*kafka.Message, error) {
	msg, err := c.Reader.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read kafka message: %w", err)
	}

	c.logger.Debug("Consumed kafka message",
		zap.String("topic", msg.Topic),
		zap.ByteString("key", msg.Key),
		zap.Int("value_size", len(msg.Value)),
		zap.Time("time", msg.Time),
	)
	return &msg, nil
}

// HealthCheck dials the first broker and lists partitions. insecureTLS selects a TLS
// dialer that skips verification; false dials plain TCP.
func (p *KafkaProducer) HealthCheck(ctx context.Context, useTLS, insecureTLS bool) error {
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}
	if useTLS {
		dialer.TLS = &tls.Config{InsecureSkipVerify: insecureTLS} //nolint:gosec // dev brokers
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}
