package pkgkafka

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

// BatchHandler processes the messages of one partition batch. A nil error
// acknowledges all of them. On error the same batch is handed over again
// after a pause, until it succeeds or the partition goes away.
type BatchHandler func(ctx context.Context, msgs []*kafka.Message) error

type worker struct {
	handler   BatchHandler
	batchSize int
	linger    time.Duration
	backoff   time.Duration
}

func newWorker(handler BatchHandler, batchSize int, linger, backoff time.Duration) *worker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &worker{
		handler:   handler,
		batchSize: batchSize,
		linger:    linger,
		backoff:   backoff,
	}
}

func (w *worker) run(ps *PartitionState) {
	for {
		select {
		case <-ps.Done():
			return
		case first := <-ps.MsgCH:
			batch := w.collect(ps.Done(), first, ps.MsgCH)
			// select picks at random once both channels are ready; a stopped
			// partition must not start another batch
			if ps.ctx.Err() != nil {
				return
			}
			w.process(ps, batch)
		}
	}
}

// collect gathers up to batchSize messages, waiting at most linger for
// followers of the first one.
func (w *worker) collect(done <-chan struct{}, first *kafka.Message, ch <-chan *kafka.Message) []*kafka.Message {
	batch := []*kafka.Message{first}
	if w.batchSize == 1 {
		return batch
	}

	timer := time.NewTimer(w.linger)
	defer timer.Stop()
	for len(batch) < w.batchSize {
		select {
		case msg := <-ch:
			batch = append(batch, msg)
		case <-timer.C:
			return batch
		case <-done:
			return batch
		}
	}
	return batch
}

func (w *worker) process(ps *PartitionState, batch []*kafka.Message) {
	for attempt := 1; ; attempt++ {
		err := w.handler(ps.workCtx, batch)
		if err == nil {
			for _, msg := range batch {
				ps.UpdateState(msg.TopicPartition.Offset, MsgState_Success)
			}
			return
		}

		logrus.WithFields(logrus.Fields{
			"PRTN":    ps.ID,
			"TOPIC":   ps.Topic,
			"OFFSET":  batch[0].TopicPartition.Offset,
			"SIZE":    len(batch),
			"ATTEMPT": attempt,
		}).WithError(err).Error("BATCH:UNACKED")

		select {
		case <-ps.Done():
			// left pending, redelivered to whoever owns the partition next
			return
		case <-time.After(w.backoff):
		}
	}
}
