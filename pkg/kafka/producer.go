package pkgkafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

type Record struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// KafkaProducer publishes synchronously: Publish returns once the broker
// acknowledged every record or one of them failed.
type KafkaProducer struct {
	producer *kafka.Producer
	exitCH   chan struct{}
}

func NewKafkaProducer(cfg *KafkaConfig) (*KafkaProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Host,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, err
	}

	kp := &KafkaProducer{
		producer: p,
		exitCH:   make(chan struct{}),
	}
	go kp.logEvents()
	return kp, nil
}

// logEvents drains the shared event channel. Per-message reports go to the
// channel given to Produce, so only client level events show up here.
func (p *KafkaProducer) logEvents() {
	defer close(p.exitCH)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				logrus.WithFields(logrus.Fields{
					"TOPIC_PRTN": ev.TopicPartition,
				}).Info("Delivery failed")
			}
		case kafka.Error:
			logrus.WithError(ev).Error("Producer error")
		}
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	deliveryCH := make(chan kafka.Event, len(records))
	produced := 0
	var produceErr error
	for _, r := range records {
		msg := &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            []byte(r.Key),
			Value:          r.Value,
			Headers:        toHeaders(r.Headers),
		}
		if err := p.produce(ctx, msg, deliveryCH); err != nil {
			produceErr = fmt.Errorf("produce to %s: %w", topic, err)
			break
		}
		produced++
	}

	var deliveryErr error
	for i := 0; i < produced; i++ {
		select {
		case e := <-deliveryCH:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				logrus.WithFields(logrus.Fields{
					"TOPIC_PRTN": m.TopicPartition,
					"KEY":        string(m.Key),
				}).Error("Delivery failed")
				if deliveryErr == nil {
					deliveryErr = fmt.Errorf("deliver to %s: %w", topic, m.TopicPartition.Error)
				}
				continue
			}
			logrus.WithFields(logrus.Fields{
				"TOPIC_PRTN": m.TopicPartition,
				"KEY":        string(m.Key),
			}).Debug("Delivery success")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if produceErr != nil {
		return produceErr
	}
	return deliveryErr
}

func (p *KafkaProducer) produce(ctx context.Context, msg *kafka.Message, deliveryCH chan kafka.Event) error {
	for {
		err := p.producer.Produce(msg, deliveryCH)
		var kErr kafka.Error
		if err == nil || !errors.As(err, &kErr) || kErr.Code() != kafka.ErrQueueFull {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *KafkaProducer) Close() {
	remaining := p.producer.Flush(10_000)
	if remaining > 0 {
		logrus.WithField("REMAINING", remaining).Warn("Producer closed with undelivered messages")
	}
	p.producer.Close()
	select {
	case <-p.exitCH:
	case <-time.After(time.Second):
	}
}

func toHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// HeaderValue returns the value of the header named key, or "".
func HeaderValue(msg *kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
