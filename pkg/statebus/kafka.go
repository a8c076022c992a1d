package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one security event on the bus.
type Message struct {
	Value []byte
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func cleanBrokers(raw []string) []string {
	brokers := make([]string, 0, len(raw))
	for _, b := range raw {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer mirrors security audit events to a kafka topic so SIEM-style
// consumers can tail them without polling the engine.
type Producer struct {
	writer kafkaWriter
}

func NewKafkaProducer(cfg KafkaConfig) (*Producer, error) {
	brokers := cleanBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
	}
	return &Producer{writer: w}, nil
}

// Publish JSON-encodes value and writes it to the topic.
func (p *Producer) Publish(ctx context.Context, value any) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Value: raw})
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer tails the security event topic.
type Consumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*Consumer, error) {
	brokers := cleanBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r}, nil
}

func (c *Consumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
