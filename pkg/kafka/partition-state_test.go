package pkgkafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTopic = "inventory.update"

func tp(offset kafka.Offset) *kafka.TopicPartition {
	return &kafka.TopicPartition{Topic: &testTopic, Partition: 1, Offset: offset}
}

func noopCommit(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	return offsets, nil
}

func TestFindLatestToCommitNothingReceived(t *testing.T) {
	ps := NewPartitionState(tp(kafka.OffsetBeginning), noopCommit, 1)
	_, err := ps.FindLatestToCommit()
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestFindLatestToCommitStopsAtFirstPending(t *testing.T) {
	ps := NewPartitionState(tp(10), noopCommit, 1)
	for o := kafka.Offset(10); o < 15; o++ {
		ps.Append(tp(o))
	}
	ps.UpdateState(10, MsgState_Success)
	ps.UpdateState(11, MsgState_Success)
	ps.UpdateState(13, MsgState_Success)

	latest, err := ps.FindLatestToCommit()
	require.NoError(t, err)
	assert.Equal(t, kafka.Offset(12), latest.Offset)

	_, exists := ps.ReadOffset(10)
	assert.False(t, exists)
	state, exists := ps.ReadOffset(13)
	assert.True(t, exists)
	assert.Equal(t, MsgState_Success, state)
}

func TestFindLatestToCommitAllDone(t *testing.T) {
	ps := NewPartitionState(tp(0), noopCommit, 1)
	for o := kafka.Offset(0); o < 3; o++ {
		ps.Append(tp(o))
		ps.UpdateState(o, MsgState_Success)
	}

	latest, err := ps.FindLatestToCommit()
	require.NoError(t, err)
	assert.Equal(t, kafka.Offset(3), latest.Offset)
}

func TestCommitOnlyWhenMoved(t *testing.T) {
	var commits [][]kafka.TopicPartition
	ps := NewPartitionState(tp(0), func(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
		commits = append(commits, offsets)
		return offsets, nil
	}, 1)
	ps.Append(tp(0))
	ps.UpdateState(0, MsgState_Success)

	require.NoError(t, ps.Commit())
	assert.ErrorIs(t, ps.Commit(), ErrNothingToCommit)
	require.Len(t, commits, 1)
	assert.Equal(t, kafka.Offset(1), commits[0][0].Offset)
	assert.Equal(t, kafka.Offset(1), ps.LastCommited)
}

func TestCommitFailureKeepsPosition(t *testing.T) {
	ps := NewPartitionState(tp(0), func(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
		return nil, errors.New("coordinator not available")
	}, 1)
	ps.Append(tp(0))
	ps.UpdateState(0, MsgState_Success)

	assert.Error(t, ps.Commit())
	assert.Equal(t, kafka.Offset(0), ps.LastCommited)
}

func msgAt(offset kafka.Offset) *kafka.Message {
	return &kafka.Message{TopicPartition: *tp(offset), Value: []byte("{}")}
}

func TestWorkerProcessesInOrderAndAcks(t *testing.T) {
	var mu sync.Mutex
	var batches [][]kafka.Offset
	handled := make(chan struct{}, 10)
	handler := func(ctx context.Context, msgs []*kafka.Message) error {
		offs := make([]kafka.Offset, 0, len(msgs))
		for _, m := range msgs {
			offs = append(offs, m.TopicPartition.Offset)
		}
		mu.Lock()
		batches = append(batches, offs)
		mu.Unlock()
		handled <- struct{}{}
		return nil
	}

	ps := NewPartitionState(tp(0), noopCommit, 8)
	for o := kafka.Offset(0); o < 3; o++ {
		ps.Append(tp(o))
		ps.MsgCH <- msgAt(o)
	}
	ps.Start(time.Hour, newWorker(handler, 3, 50*time.Millisecond, 10*time.Millisecond))
	<-handled
	ps.Stop(time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Equal(t, []kafka.Offset{0, 1, 2}, batches[0])

	latest, err := ps.FindLatestToCommit()
	require.NoError(t, err)
	assert.Equal(t, kafka.Offset(3), latest.Offset)
}

func TestWorkerRetriesFailedBatch(t *testing.T) {
	calls := 0
	done := make(chan struct{})
	handler := func(ctx context.Context, msgs []*kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("dead letter topic unavailable")
		}
		close(done)
		return nil
	}

	ps := NewPartitionState(tp(0), noopCommit, 1)
	ps.Append(tp(0))
	ps.MsgCH <- msgAt(0)
	ps.Start(time.Hour, newWorker(handler, 1, 0, time.Millisecond))
	<-done
	ps.Stop(time.Second)

	assert.Equal(t, 3, calls)
	state, exists := ps.ReadOffset(0)
	require.True(t, exists)
	assert.Equal(t, MsgState_Success, state)
}

func TestWorkerLeavesFailedBatchPendingOnStop(t *testing.T) {
	attempted := make(chan struct{}, 100)
	handler := func(ctx context.Context, msgs []*kafka.Message) error {
		attempted <- struct{}{}
		return errors.New("store down")
	}

	ps := NewPartitionState(tp(0), noopCommit, 1)
	ps.Append(tp(0))
	ps.MsgCH <- msgAt(0)
	ps.Start(time.Hour, newWorker(handler, 1, 0, 5*time.Millisecond))
	<-attempted
	ps.Stop(time.Second)

	_, err := ps.FindLatestToCommit()
	assert.ErrorIs(t, err, ErrNothingToCommit)
	state, _ := ps.ReadOffset(0)
	assert.Equal(t, MsgState_Pending, state)
}

func TestWorkerStartsNoBatchAfterStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		var calls sync.Map
		started := make(chan struct{})
		release := make(chan struct{})
		handler := func(ctx context.Context, msgs []*kafka.Message) error {
			calls.Store(msgs[0].TopicPartition.Offset, true)
			if msgs[0].TopicPartition.Offset == 0 {
				close(started)
				<-release
			}
			return nil
		}

		ps := NewPartitionState(tp(0), noopCommit, 3)
		for o := kafka.Offset(0); o < 3; o++ {
			ps.Append(tp(o))
			ps.MsgCH <- msgAt(o)
		}
		ps.Start(time.Hour, newWorker(handler, 1, 0, time.Millisecond))
		<-started

		stopped := make(chan struct{})
		go func() {
			ps.Stop(time.Second)
			close(stopped)
		}()
		<-ps.Done()
		close(release)
		<-stopped

		_, second := calls.Load(kafka.Offset(1))
		require.False(t, second, "run %d started a batch after stop", i)
		state, _ := ps.ReadOffset(1)
		assert.Equal(t, MsgState_Pending, state)

		latest, err := ps.FindLatestToCommit()
		require.NoError(t, err)
		assert.Equal(t, kafka.Offset(1), latest.Offset)
	}
}

func BenchmarkFindLatestToCommit(b *testing.B) {
	ps := NewPartitionState(tp(0), noopCommit, 1)
	for i := 0; i < b.N; i++ {
		o := kafka.Offset(i)
		ps.Append(tp(o))
		if i%3 != 0 {
			ps.UpdateState(o, MsgState_Success)
		}
		if i%100 == 0 {
			ps.FindLatestToCommit()
		}
	}
}
