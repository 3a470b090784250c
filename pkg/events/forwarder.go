// Package events forwards committed order events to downstream consumers.
// Delivery is best effort: the journal holds the durable record.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/edniaj/centralised-exchange/pkg/intake"
	"github.com/edniaj/centralised-exchange/pkg/metrics"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

type Publisher interface {
	Publish(ctx context.Context, e intake.Event) error
}

// Forwarder queues events from the coordinator and publishes them from Run.
// OnOrderEvent never blocks; a full queue drops the event.
type Forwarder struct {
	queue chan intake.Event
	pub   Publisher
	log   *zap.SugaredLogger
}

func NewForwarder(pub Publisher, size int, log *zap.SugaredLogger) *Forwarder {
	if size <= 0 {
		size = 1024
	}
	return &Forwarder{
		queue: make(chan intake.Event, size),
		pub:   pub,
		log:   util.OrNop(log),
	}
}

func (f *Forwarder) OnOrderEvent(e intake.Event) {
	select {
	case f.queue <- e:
	default:
		metrics.EventsDropped.Inc()
		f.log.Warnw("event_dropped", "order", e.Order.ID, "type", e.Type)
	}
}

// Run publishes queued events until ctx is canceled, then flushes what is
// already queued with a short grace period.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case e := <-f.queue:
			f.publish(ctx, e)
		case <-ctx.Done():
			f.drain()
			return
		}
	}
}

func (f *Forwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-f.queue:
			f.publish(ctx, e)
		default:
			return
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, e intake.Event) {
	if err := f.pub.Publish(ctx, e); err != nil {
		f.log.Warnw("event_publish_failed", "order", e.Order.ID, "type", e.Type, "err", err)
	}
}

// KafkaPublisher writes one message per event, keyed by order id so all events
// of an order land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e intake.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Order.ID),
		Value: value,
		Time:  e.At,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
