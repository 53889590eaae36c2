package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	kafkaWriteTimeout = 10 * time.Second
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaQueueSize    = 1024
)

var (
	ErrKafkaQueueFull = errors.New("kafka status queue is full")
	ErrKafkaClosed    = errors.New("kafka publisher is closed")
)

// KafkaPublisher writes changes to a topic keyed by user id, which keeps one
// user's changes ordered within a partition. Publish only enqueues; a single
// goroutine hands messages to an async writer and broker failures are logged.
type KafkaPublisher struct {
	writer       *kafka.Writer
	brokers      []string
	logger       *zap.Logger
	writeTimeout time.Duration
	queue        chan kafka.Message
	stop         chan struct{}
	done         chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: kafkaBatchTimeout,
		WriteTimeout: kafkaWriteTimeout,
	}
	p := newKafkaPublisher(writer, logger, kafkaWriteTimeout, kafkaQueueSize)
	p.brokers = brokers
	return p
}

func newKafkaPublisher(writer *kafka.Writer, logger *zap.Logger, writeTimeout time.Duration, queueSize int) *KafkaPublisher {
	p := &KafkaPublisher{
		writer:       writer,
		logger:       logger,
		writeTimeout: writeTimeout,
		queue:        make(chan kafka.Message, queueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	writer.Completion = p.completed
	go p.run()
	return p
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for {
		select {
		case msg := <-p.queue:
			p.write(msg)
		case <-p.stop:
			for {
				select {
				case msg := <-p.queue:
					p.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Failed to write status change to Kafka",
			zap.String("topic", p.writer.Topic),
			zap.ByteString("user_id", msg.Key),
			zap.Error(err),
		)
	}
}

func (p *KafkaPublisher) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.logger.Warn("Failed to deliver status changes to Kafka",
		zap.String("topic", p.writer.Topic),
		zap.Int("messages", len(messages)),
		zap.Error(err),
	)
}

func (p *KafkaPublisher) Publish(_ context.Context, change StatusChange) error {
	select {
	case <-p.stop:
		return ErrKafkaClosed
	default:
	}

	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode status change: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(change.UserID),
		Value: value,
		Time:  change.OccurredAt,
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		return ErrKafkaQueueFull
	}
}

// Ping dials the brokers until one answers
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains queued changes, then flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	select {
	case <-p.stop:
		return nil
	default:
		close(p.stop)
	}
	<-p.done
	return p.writer.Close()
}
