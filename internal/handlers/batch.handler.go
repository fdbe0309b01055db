package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/metrics"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/sirupsen/logrus"
)

const staleMessage = "stored record moved to a newer version or is not older than the event"

// BatchHandler drives the batches of a primary topic through the
// persistence engine and routes whatever was not applied. Handle returns nil
// once the batch reached a terminal state and every routed record was
// delivered; only then may the offsets be committed.
type BatchHandler[E domain.UpdateEvent] struct {
	engine    Engine[E]
	encoder   pkgkafka.MsgEncoder[E]
	publisher Publisher
	topics    Topics
	policy    RetryPolicy
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewBatchHandler[E domain.UpdateEvent](
	engine Engine[E],
	encoder pkgkafka.MsgEncoder[E],
	publisher Publisher,
	topics Topics,
	policy RetryPolicy,
	m *metrics.Metrics,
	log logrus.FieldLogger,
) *BatchHandler[E] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BatchHandler[E]{
		engine:    engine,
		encoder:   encoder,
		publisher: publisher,
		topics:    topics,
		policy:    policy,
		metrics:   m,
		log:       log.WithFields(logrus.Fields{"KIND": engine.Kind(), "TOPIC": topics.Primary}),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Handle matches pkgkafka.BatchHandler.
func (h *BatchHandler[E]) Handle(ctx context.Context, msgs []*kafka.Message) error {
	started := h.now()
	batchID := uuid.NewString()
	log := h.log.WithFields(logrus.Fields{
		"BATCH_ID": batchID,
		"MSGS":     len(msgs),
	})
	if len(msgs) > 0 {
		log = log.WithFields(logrus.Fields{
			"PRTN":   msgs[0].TopicPartition.Partition,
			"OFFSET": msgs[0].TopicPartition.Offset,
		})
	}

	events, malformed := h.decode(batchID, msgs)
	if len(malformed) > 0 {
		if err := h.publish(ctx, h.topics.DeadLetter, malformed); err != nil {
			return err
		}
		h.metrics.Events(h.kind(), metrics.Outcome_Malformed, len(malformed))
		log.WithField("COUNT", len(malformed)).Warn("BATCH:MALFORMED")
	}
	if len(events) == 0 {
		log.Debug("BATCH:EMPTY")
		return nil
	}

	state, err := h.Process(ctx, batchID, events)
	if err != nil {
		log.WithField("STATE", state).WithError(err).Error("BATCH:UNROUTED")
		return err
	}
	h.metrics.BatchFinished(h.kind(), string(state), len(events), h.now().Sub(started))
	return nil
}

// Process runs decoded events to a terminal state: Committed,
// PartiallyConflicted or DeadLettered. An error means routing did not
// complete and the batch must be handed over again.
func (h *BatchHandler[E]) Process(ctx context.Context, batchID string, events []E) (BatchState, error) {
	log := h.log.WithFields(logrus.Fields{
		"BATCH_ID": batchID,
		"SIZE":     len(events),
	})
	if len(events) == 0 {
		return BatchState_Committed, nil
	}

	state := BatchState_Received
	maxAttempts := h.policy.maxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state = BatchState_Processing
		err := h.engine.ApplyBatch(ctx, events)
		if err == nil {
			h.metrics.Events(h.kind(), metrics.Outcome_Applied, len(events))
			log.WithField("ATTEMPT", attempt).Info("BATCH:COMMITTED")
			return BatchState_Committed, nil
		}

		var conflict *domain.BatchWriteConflict[E]
		if errors.As(err, &conflict) {
			return h.routeConflict(ctx, log, batchID, attempt, len(events), conflict)
		}
		if pkgerrors.IsMalformedError(err) {
			return h.deadLetter(ctx, log, batchID, attempt, events, ErrorClass_Malformed, err)
		}
		if ctx.Err() != nil {
			return BatchState_Failed, ctx.Err()
		}

		state = BatchState_Failed
		lastErr = err
		log.WithFields(logrus.Fields{
			"ATTEMPT": attempt,
			"MAX":     maxAttempts,
		}).WithError(err).Warn("BATCH:FAILED")
		if attempt == maxAttempts {
			break
		}
		h.metrics.Retried(h.kind())
		if err := h.sleep(ctx, h.policy.nextDelay(attempt)); err != nil {
			return state, err
		}
	}
	return h.deadLetter(ctx, log, batchID, maxAttempts, events, ErrorClass_Unclassified, lastErr)
}

func (h *BatchHandler[E]) routeConflict(ctx context.Context, log logrus.FieldLogger, batchID string, attempt, total int, c *domain.BatchWriteConflict[E]) (BatchState, error) {
	now := h.now()
	retry := make([]pkgkafka.Record, 0, len(c.Report.HardFailures))
	for i, ev := range c.Report.HardFailures {
		msg := ""
		if i < len(c.WriteErrors) {
			msg = c.WriteErrors[i]
		}
		rec, err := eventRecord(ev, routeMeta{
			class:         ErrorClass_HardFailure,
			message:       msg,
			originalTopic: h.topics.Primary,
			attempts:      attempt,
			batchID:       batchID,
		}, now)
		if err != nil {
			return BatchState_PartiallyConflicted, fmt.Errorf("encode %s %q: %w", h.kind(), ev.Key(), err)
		}
		retry = append(retry, rec)
	}

	stale := make([]pkgkafka.Record, 0, len(c.Report.StaleRejections))
	for _, ev := range c.Report.StaleRejections {
		rec, err := eventRecord(ev, routeMeta{
			class:         ErrorClass_StaleRejection,
			message:       staleMessage,
			originalTopic: h.topics.Primary,
			attempts:      attempt,
			batchID:       batchID,
		}, now)
		if err != nil {
			return BatchState_PartiallyConflicted, fmt.Errorf("encode %s %q: %w", h.kind(), ev.Key(), err)
		}
		stale = append(stale, rec)
	}

	if err := h.publish(ctx, h.topics.Retry, retry); err != nil {
		return BatchState_PartiallyConflicted, err
	}
	if err := h.publish(ctx, h.topics.DeadLetter, stale); err != nil {
		return BatchState_PartiallyConflicted, err
	}

	applied := total - c.Report.Len()
	h.metrics.Events(h.kind(), metrics.Outcome_Applied, applied)
	h.metrics.Events(h.kind(), metrics.Outcome_HardFailure, len(retry))
	h.metrics.Events(h.kind(), metrics.Outcome_Stale, len(stale))
	log.WithFields(logrus.Fields{
		"APPLIED": applied,
		"RETRY":   len(retry),
		"DLQ":     len(stale),
	}).Warn("BATCH:PARTIALLY_CONFLICTED")
	return BatchState_PartiallyConflicted, nil
}

func (h *BatchHandler[E]) deadLetter(ctx context.Context, log logrus.FieldLogger, batchID string, attempts int, events []E, class ErrorClass, cause error) (BatchState, error) {
	now := h.now()
	meta := routeMeta{
		class:         class,
		message:       cause.Error(),
		originalTopic: h.topics.Primary,
		attempts:      attempts,
		batchID:       batchID,
	}
	records := make([]pkgkafka.Record, 0, len(events))
	for _, ev := range events {
		rec, err := eventRecord(ev, meta, now)
		if err != nil {
			return BatchState_Failed, fmt.Errorf("encode %s %q: %w", h.kind(), ev.Key(), err)
		}
		records = append(records, rec)
	}
	if err := h.publish(ctx, h.topics.DeadLetter, records); err != nil {
		return BatchState_Failed, err
	}

	h.metrics.Events(h.kind(), metrics.Outcome_DeadLettered, len(records))
	log.WithFields(logrus.Fields{
		"ATTEMPTS": attempts,
		"CLASS":    class,
	}).WithError(cause).Error("BATCH:DEAD_LETTERED")
	return BatchState_DeadLettered, nil
}

// decode splits the batch into valid events and dead letter records for
// payloads that cannot be decoded or events that fail validation.
func (h *BatchHandler[E]) decode(batchID string, msgs []*kafka.Message) ([]E, []pkgkafka.Record) {
	now := h.now()
	events := make([]E, 0, len(msgs))
	var malformed []pkgkafka.Record
	for _, msg := range msgs {
		meta := routeMeta{
			class:         ErrorClass_Malformed,
			originalTopic: topicOf(msg, h.topics.Primary),
			attempts:      1,
			batchID:       batchID,
		}
		decoded, err := h.encoder.Decoder(&msg.TopicPartition, msg.Value)
		if err != nil {
			meta.message = err.Error()
			malformed = append(malformed, rawRecord(msg, meta, now))
			continue
		}
		for _, ev := range decoded {
			if err := ev.Validate(); err != nil {
				meta.message = err.Error()
				rec, encErr := eventRecord(ev, meta, now)
				if encErr != nil {
					rec = rawRecord(msg, meta, now)
				}
				malformed = append(malformed, rec)
				continue
			}
			events = append(events, ev)
		}
	}
	return events, malformed
}

func (h *BatchHandler[E]) publish(ctx context.Context, topic string, records []pkgkafka.Record) error {
	if len(records) == 0 {
		return nil
	}
	err := h.publisher.Publish(ctx, topic, records)
	h.metrics.Published(topic, len(records), err)
	if err != nil {
		return fmt.Errorf("route %d records to %s: %w", len(records), topic, err)
	}
	return nil
}

func (h *BatchHandler[E]) kind() string {
	return string(h.engine.Kind())
}

func rawRecord(msg *kafka.Message, meta routeMeta, now time.Time) pkgkafka.Record {
	return pkgkafka.Record{
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: meta.headers(now),
	}
}

func topicOf(msg *kafka.Message, fallback string) string {
	if msg.TopicPartition.Topic != nil && *msg.TopicPartition.Topic != "" {
		return *msg.TopicPartition.Topic
	}
	return fallback
}
