// Package export publishes a copy of every broker event to Kafka for
// downstream consumers (analytics, audit). Same contract as the broker:
// fire-and-forget, drop on backpressure.
package export

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"minichat/gateway"
)

const (
	kafkaWriteTimeout = 10 * time.Second
	queueSize         = 256
)

// record is the JSON value written per event.
type record struct {
	User  string      `json:"user,omitempty"` // empty for broadcasts
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Time  time.Time   `json:"time"`
}

// KafkaTap implements gateway.Tap on a kafka topic, keyed by user so one
// user's events land in one partition, in order.
type KafkaTap struct {
	mu     sync.RWMutex
	closed bool

	writer *kafka.Writer
	queue  chan kafka.Message
	wg     sync.WaitGroup
}

func NewKafkaTap(brokers []string, topic string) *KafkaTap {
	t := &KafkaTap{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		}),
		queue: make(chan kafka.Message, queueSize),
	}

	t.wg.Add(1)
	go t.writeLoop()
	return t
}

// Event implements gateway.Tap. Never blocks the publisher: a full queue
// drops the record.
func (t *KafkaTap) Event(user string, evt gateway.Event) {
	buf, err := json.Marshal(&record{
		User:  user,
		Event: evt.Name,
		Data:  evt.Payload,
		Time:  time.Now(),
	})
	if err != nil {
		glog.Errorf("export: marshal event %s err: %v", evt.Name, err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(user),
		Value: buf,
		Time:  time.Now(),
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- msg:
	default:
		glog.V(5).Infof("export: queue full, dropped %s", evt.Name)
	}
}

func (t *KafkaTap) writeLoop() {
	defer t.wg.Done()
	for msg := range t.queue {
		if err := t.writer.WriteMessages(context.Background(), msg); err != nil {
			glog.Errorf("export: write kafka message err: %v", err)
		}
	}
}

// Close drains the queue and closes the writer.
func (t *KafkaTap) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	t.wg.Wait()
	return t.writer.Close()
}
