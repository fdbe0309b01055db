package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
)

// Headers set on every routed record.
const (
	Header_ErrorClass    = "x-error-class"
	Header_ErrorMessage  = "x-error-message"
	Header_OriginalTopic = "x-original-topic"
	Header_Attempts      = "x-attempts"
	Header_BatchID       = "x-batch-id"
	Header_FailedAt      = "x-failed-at"
)

type ErrorClass string

const (
	ErrorClass_StaleRejection ErrorClass = "stale_rejection"
	ErrorClass_HardFailure    ErrorClass = "hard_failure"
	ErrorClass_Unclassified   ErrorClass = "unclassified"
	ErrorClass_Malformed      ErrorClass = "malformed"
)

type BatchState string

const (
	BatchState_Received            BatchState = "received"
	BatchState_Processing          BatchState = "processing"
	BatchState_Committed           BatchState = "committed"
	BatchState_PartiallyConflicted BatchState = "partially_conflicted"
	BatchState_Failed              BatchState = "failed"
	BatchState_DeadLettered        BatchState = "dead_lettered"
)

// Publisher is satisfied by *pkgkafka.KafkaProducer. Publish must return
// only after every record was acknowledged by the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, records []pkgkafka.Record) error
}

// Engine is the persistence side of one entity kind.
type Engine[E domain.UpdateEvent] interface {
	Kind() domain.EntityKind
	ApplyOne(ctx context.Context, ev E) error
	ApplyBatch(ctx context.Context, events []E) error
}

type Topics struct {
	Primary    string
	Retry      string
	DeadLetter string
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps a single pause. Zero means no cap.
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
	}
}

// nextDelay is the pause after the given failed attempt, counted from 1.
func (p RetryPolicy) nextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	result := time.Duration(delay)
	if p.MaxDelay > 0 && result > p.MaxDelay {
		result = p.MaxDelay
	}
	return result
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type routeMeta struct {
	class         ErrorClass
	message       string
	originalTopic string
	attempts      int
	batchID       string
}

func (m routeMeta) headers(now time.Time) map[string]string {
	h := map[string]string{
		Header_ErrorClass:    string(m.class),
		Header_OriginalTopic: m.originalTopic,
		Header_Attempts:      strconv.Itoa(m.attempts),
		Header_BatchID:       m.batchID,
		Header_FailedAt:      now.UTC().Format(time.RFC3339Nano),
	}
	if m.message != "" {
		h[Header_ErrorMessage] = m.message
	}
	return h
}

// eventRecord renders an event as JSON keyed by its business key.
func eventRecord[E domain.UpdateEvent](ev E, meta routeMeta, now time.Time) (pkgkafka.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return pkgkafka.Record{}, err
	}
	return pkgkafka.Record{
		Key:     ev.Key(),
		Value:   value,
		Headers: meta.headers(now),
	}, nil
}

// attemptsOf reads the attempt count a record was routed with.
func attemptsOf(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
