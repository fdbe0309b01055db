package pkgkafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

type MsgState = int32

const (
	MsgState_Pending MsgState = iota
	MsgState_Success MsgState = iota
)

var ErrNothingToCommit = errors.New("nothing to commit")

type CommitFunc func([]kafka.TopicPartition) ([]kafka.TopicPartition, error)

// PartitionState tracks the offsets of one assigned partition and owns the
// worker that processes its messages in order.
type PartitionState struct {
	ID           int32
	Topic        string
	State        map[kafka.Offset]MsgState
	MaxReceived  *kafka.TopicPartition
	Mu           *sync.RWMutex
	LastCommited kafka.Offset
	MsgCH        chan *kafka.Message
	commitFunc   CommitFunc
	// paused is set while the partition is paused on the consumer because
	// MsgCH was full.
	paused atomic.Bool

	ctx    context.Context
	Cancel context.CancelFunc
	// workCtx is handed to the batch handler. It outlives ctx so the batch
	// in flight at revoke time can finish.
	workCtx    context.Context
	workCancel context.CancelFunc
	wg         *sync.WaitGroup
	ExitCH     chan struct{}
}

// NewPartitionState starts from the committed position of the partition,
// which is the next offset to read, or a logical offset when none is stored.
func NewPartitionState(start *kafka.TopicPartition, commitFunc CommitFunc, bufSize int) *PartitionState {
	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	lastCommited := start.Offset
	if start.Offset < 0 {
		lastCommited = -1
	}
	topic := ""
	if start.Topic != nil {
		topic = *start.Topic
	}
	return &PartitionState{
		ID:           start.Partition,
		Topic:        topic,
		Mu:           &sync.RWMutex{},
		State:        map[kafka.Offset]MsgState{},
		LastCommited: lastCommited,
		MsgCH:        make(chan *kafka.Message, bufSize),
		commitFunc:   commitFunc,

		ctx:        ctx,
		Cancel:     cancel,
		workCtx:    workCtx,
		workCancel: workCancel,
		wg:         &sync.WaitGroup{},
		ExitCH:     make(chan struct{}),
	}
}

// Start launches the commit loop and the partition worker.
func (ps *PartitionState) Start(commitDur time.Duration, w *worker) {
	ps.wg.Add(2)
	go func() {
		defer ps.wg.Done()
		ps.commitOffsetLoop(commitDur)
	}()
	go func() {
		defer ps.wg.Done()
		w.run(ps)
	}()
	go func() {
		ps.wg.Wait()
		close(ps.ExitCH)
	}()
}

// Stop stops accepting new work and waits for the worker. After grace the
// in-flight batch is cancelled as well.
func (ps *PartitionState) Stop(grace time.Duration) {
	ps.Cancel()
	select {
	case <-ps.ExitCH:
	case <-time.After(grace):
		logrus.WithField("PRTN", ps.ID).Warn("Grace period over, cancelling batch")
		ps.workCancel()
		<-ps.ExitCH
	}
	ps.workCancel()
}

func (ps *PartitionState) Done() <-chan struct{} {
	return ps.ctx.Done()
}

func (ps *PartitionState) commitOffsetLoop(commitDur time.Duration) {
	ticker := time.NewTicker(commitDur)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ps.Commit(); err != nil && !errors.Is(err, ErrNothingToCommit) {
				logrus.WithFields(logrus.Fields{
					"PRTN": ps.ID,
				}).WithError(err).Error("Commit on CRON failed")
			}
		case <-ps.ctx.Done():
			return
		}
	}
}

// Commit commits the current position of the partition if it moved.
func (ps *PartitionState) Commit() error {
	latestToCommit, err := ps.FindLatestToCommit()
	if err != nil {
		return err
	}
	if _, err := ps.commitFunc([]kafka.TopicPartition{*latestToCommit}); err != nil {
		return fmt.Errorf("commit offset %d prtn %d: %w", latestToCommit.Offset, ps.ID, err)
	}

	ps.Mu.Lock()
	if latestToCommit.Offset > ps.LastCommited {
		ps.LastCommited = latestToCommit.Offset
	}
	ps.Mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"COMMITED_OFFSET": latestToCommit.Offset,
		"PRTN":            ps.ID,
		"TOPIC":           ps.Topic,
	}).Debug("Commited")
	return nil
}

// FindLatestToCommit returns the position to commit: the lowest offset
// still pending, or one past the highest received offset when nothing is.
// Offsets below that position are dropped from State.
func (ps *PartitionState) FindLatestToCommit() (*kafka.TopicPartition, error) {
	ps.Mu.Lock()
	defer ps.Mu.Unlock()

	if ps.MaxReceived == nil {
		return nil, ErrNothingToCommit
	}

	next := ps.MaxReceived.Offset + 1
	for offset, state := range ps.State {
		if state == MsgState_Pending && offset < next {
			next = offset
		}
	}
	for offset := range ps.State {
		if offset < next {
			delete(ps.State, offset)
		}
	}

	if next <= ps.LastCommited {
		return nil, ErrNothingToCommit
	}

	latestToCommit := *ps.MaxReceived
	latestToCommit.Offset = next
	return &latestToCommit, nil
}

func (ps *PartitionState) Append(tp *kafka.TopicPartition) {
	ps.Mu.Lock()
	defer ps.Mu.Unlock()
	ps.State[tp.Offset] = MsgState_Pending
	if ps.MaxReceived == nil || ps.MaxReceived.Offset < tp.Offset {
		ps.MaxReceived = &kafka.TopicPartition{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    tp.Offset,
		}
	}
}

func (ps *PartitionState) UpdateState(offset kafka.Offset, newState MsgState) {
	ps.Mu.Lock()
	defer ps.Mu.Unlock()
	if _, ok := ps.State[offset]; ok {
		ps.State[offset] = newState
	}
}

func (ps *PartitionState) ReadOffset(offset kafka.Offset) (MsgState, bool) {
	ps.Mu.RLock()
	defer ps.Mu.RUnlock()

	state, exists := ps.State[offset]
	return state, exists
}
