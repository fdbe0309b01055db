package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/metrics"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/sirupsen/logrus"
)

// RetryHandler consumes a retry topic. Every event gets exactly one more
// attempt through the single event path; whatever still fails is forwarded
// to the dead letter topic, never back to the retry topic. The message is
// always acknowledged once routing succeeds.
type RetryHandler[E domain.UpdateEvent] struct {
	engine     Engine[E]
	encoder    pkgkafka.MsgEncoder[E]
	publisher  Publisher
	deadLetter string
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewRetryHandler[E domain.UpdateEvent](
	engine Engine[E],
	encoder pkgkafka.MsgEncoder[E],
	publisher Publisher,
	deadLetterTopic string,
	m *metrics.Metrics,
	log logrus.FieldLogger,
) *RetryHandler[E] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetryHandler[E]{
		engine:     engine,
		encoder:    encoder,
		publisher:  publisher,
		deadLetter: deadLetterTopic,
		metrics:    m,
		log:        log.WithFields(logrus.Fields{"KIND": engine.Kind(), "HANDLER": "retry"}),
		now:        time.Now,
	}
}

// Handle matches pkgkafka.BatchHandler.
func (h *RetryHandler[E]) Handle(ctx context.Context, msgs []*kafka.Message) error {
	kind := string(h.engine.Kind())
	var dlq []pkgkafka.Record
	applied := 0

	for _, msg := range msgs {
		meta := routeMeta{
			originalTopic: pkgkafka.HeaderValue(msg, Header_OriginalTopic),
			batchID:       pkgkafka.HeaderValue(msg, Header_BatchID),
		}
		if meta.originalTopic == "" {
			meta.originalTopic = topicOf(msg, "")
		}
		prior := attemptsOf(pkgkafka.HeaderValue(msg, Header_Attempts))

		decoded, err := h.encoder.Decoder(&msg.TopicPartition, msg.Value)
		if err != nil {
			meta.class, meta.message, meta.attempts = ErrorClass_Malformed, err.Error(), prior
			dlq = append(dlq, rawRecord(msg, meta, h.now()))
			h.metrics.Events(kind, metrics.Outcome_Malformed, 1)
			continue
		}

		for _, ev := range decoded {
			class, err := h.apply(ctx, ev)
			if err == nil {
				applied++
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			meta.class, meta.message, meta.attempts = class, err.Error(), prior+1
			rec, encErr := eventRecord(ev, meta, h.now())
			if encErr != nil {
				rec = rawRecord(msg, meta, h.now())
			}
			dlq = append(dlq, rec)
			h.log.WithFields(logrus.Fields{
				"KEY":      ev.Key(),
				"CLASS":    class,
				"ATTEMPTS": meta.attempts,
				"OFFSET":   msg.TopicPartition.Offset,
			}).WithError(err).Warn("RETRY:DEAD_LETTERED")
		}
	}

	if len(dlq) > 0 {
		err := h.publisher.Publish(ctx, h.deadLetter, dlq)
		h.metrics.Published(h.deadLetter, len(dlq), err)
		if err != nil {
			return fmt.Errorf("route %d records to %s: %w", len(dlq), h.deadLetter, err)
		}
		h.metrics.Events(kind, metrics.Outcome_DeadLettered, len(dlq))
	}
	h.metrics.Events(kind, metrics.Outcome_Applied, applied)
	if len(msgs) > 0 {
		h.log.WithFields(logrus.Fields{
			"APPLIED": applied,
			"DLQ":     len(dlq),
			"PRTN":    msgs[0].TopicPartition.Partition,
		}).Info("RETRY:DONE")
	}
	return nil
}

// apply makes the single attempt and classifies its failure.
func (h *RetryHandler[E]) apply(ctx context.Context, ev E) (ErrorClass, error) {
	err := h.engine.ApplyOne(ctx, ev)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, domain.ErrStaleRejection):
		return ErrorClass_StaleRejection, err
	case pkgerrors.IsMalformedError(err):
		return ErrorClass_Malformed, err
	case pkgerrors.IsDuplicateKeyError(err):
		return ErrorClass_HardFailure, err
	}
	return ErrorClass_Unclassified, err
}
