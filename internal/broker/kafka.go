package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tabletide/relay/internal/events"
)

// KafkaConfig holds configuration for the Kafka-backed broker.
type KafkaConfig struct {
	Brokers       []string // broker addresses
	Topic         string   // single relay topic, e.g. "relay.events"
	ConsumerGroup string
}

// KafkaBroker implements Broker over a single Kafka topic. Kafka has no
// native channel-pattern subscription, so the channel key travels as the
// message key and pattern filtering happens client-side after the read.
type KafkaBroker struct {
	config KafkaConfig
	writer *kafka.Writer
	mu     sync.Mutex
	closed bool
}

func NewKafkaBroker(config KafkaConfig) (*KafkaBroker, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if config.Topic == "" {
		config.Topic = "relay.events"
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "tabletide-relay"
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{}, // same channel key -> same partition, keeps per-channel order
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}

	return &KafkaBroker{config: config, writer: writer}, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: broker is closed", ErrBrokerUnavailable)
	}
	b.mu.Unlock()

	msg := kafka.Message{
		Key:   []byte(channel),
		Value: payload,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: write to kafka: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

type kafkaSubscription struct {
	reader   *kafka.Reader
	patterns []string
	msgs     chan Message
	cancel   context.CancelFunc
	closeOne sync.Once
}

func (s *kafkaSubscription) Messages() <-chan Message { return s.msgs }

func (s *kafkaSubscription) Close() error {
	var err error
	s.closeOne.Do(func() {
		s.cancel()
		err = s.reader.Close()
	})
	return err
}

func (b *KafkaBroker) Subscribe(ctx context.Context, patterns []string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: broker is closed", ErrBrokerUnavailable)
	}
	b.mu.Unlock()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		Topic:    b.config.Topic,
		GroupID:  b.config.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		reader:   reader,
		patterns: append([]string(nil), patterns...),
		msgs:     make(chan Message, 256),
		cancel:   cancel,
	}
	go sub.consume(subCtx)
	return sub, nil
}

// consume reads until the context is cancelled or the connection errors.
// A read error closes the stream so the relay above performs its backoff
// and re-subscribe cycle.
func (s *kafkaSubscription) consume(ctx context.Context) {
	defer close(s.msgs)
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("broker: kafka read error: %v", err)
			}
			return
		}
		channel := string(msg.Key)
		if !events.MatchAny(s.patterns, channel) {
			continue
		}
		select {
		case s.msgs <- Message{Channel: channel, Payload: msg.Value}:
		case <-ctx.Done():
			return
		}
	}
}

func (b *KafkaBroker) Healthy(ctx context.Context) bool {
	conn, err := kafka.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return false
	}
	conn.Close() //nolint:errcheck
	return true
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.writer.Close()
}
