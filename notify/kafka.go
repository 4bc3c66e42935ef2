/*
Package notify publishes allocation notifications to Kafka.

The publisher is an allocation.Notifier. Notify only enqueues: a single
background goroutine drains the queue into the broker, so a slow or
unreachable broker never holds a resource lock or delays a response. When
the queue is full the notification is refused with ErrQueueFull and the
service counts it as dropped.

Messages are keyed by resource id so all notifications for one resource
land on the same partition in commit order.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/metrics"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("publisher closed")
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer       messageWriter
	queue        chan allocation.Notification
	log          *zap.Logger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewKafkaPublisher writes to topic on brokers. queueSize bounds how many
// notifications may wait for the broker.
func NewKafkaPublisher(brokers []string, topic string, queueSize int, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newPublisher(w, queueSize, log)
}

func newPublisher(w messageWriter, queueSize int, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &KafkaPublisher{
		writer:       w,
		queue:        make(chan allocation.Notification, queueSize),
		log:          log,
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

var _ allocation.Notifier = (*KafkaPublisher)(nil)

// Notify enqueues n without blocking.
func (p *KafkaPublisher) Notify(_ context.Context, n allocation.Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting notifications, flushes what is queued and closes
// the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for n := range p.queue {
		msg, err := encode(n)
		if err != nil {
			p.drop(n, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		err = p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.drop(n, err)
		}
	}
}

func (p *KafkaPublisher) drop(n allocation.Notification, err error) {
	metrics.NotificationsDropped.Inc()
	p.log.Warn("kafka publish failed",
		zap.String("type", string(n.Type)),
		zap.String("resource_id", string(n.ResourceID)),
		zap.Error(err))
}

func encode(n allocation.Notification) (kafka.Message, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(n.ResourceID),
		Value: body,
		Time:  n.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	}, nil
}
