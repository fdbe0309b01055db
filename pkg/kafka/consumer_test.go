package pkgkafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlow struct {
	mu      sync.Mutex
	paused  []int32
	resumed []int32
	seeks   []kafka.TopicPartition
	seekErr error
}

func (f *fakeFlow) Pause(partitions []kafka.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range partitions {
		f.paused = append(f.paused, p.Partition)
	}
	return nil
}

func (f *fakeFlow) Resume(partitions []kafka.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range partitions {
		f.resumed = append(f.resumed, p.Partition)
	}
	return nil
}

func (f *fakeFlow) SeekPartitions(partitions []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seekErr != nil {
		return nil, f.seekErr
	}
	f.seeks = append(f.seeks, partitions...)
	return partitions, nil
}

func newTestConsumer(flow *fakeFlow) *KafkaConsumer {
	return &KafkaConsumer{
		flow:         flow,
		Mu:           new(sync.RWMutex),
		msgsStateMap: map[int32]*PartitionState{},
		cfg:          &KafkaConfig{ShutdownGrace: time.Second},
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
}

func (c *KafkaConsumer) addPartition(partition int32, bufSize int) *PartitionState {
	ps := NewPartitionState(&kafka.TopicPartition{Topic: &testTopic, Partition: partition}, noopCommit, bufSize)
	c.msgsStateMap[partition] = ps
	return ps
}

func msgOn(partition int32, offset kafka.Offset) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &testTopic, Partition: partition, Offset: offset},
		Value:          []byte("{}"),
	}
}

func TestDispatchPausesFullPartitionAndRewinds(t *testing.T) {
	flow := &fakeFlow{}
	c := newTestConsumer(flow)
	ps := c.addPartition(1, 2)
	ctx := context.Background()

	c.dispatch(ctx, msgOn(1, 0))
	c.dispatch(ctx, msgOn(1, 1))
	c.dispatch(ctx, msgOn(1, 2))

	assert.Len(t, ps.MsgCH, 2)
	assert.True(t, ps.paused.Load())
	assert.Equal(t, []int32{1}, flow.paused)
	require.Len(t, flow.seeks, 1)
	assert.Equal(t, kafka.Offset(2), flow.seeks[0].Offset)

	_, tracked := ps.ReadOffset(2)
	assert.False(t, tracked, "rewound offset must not hold back commits")

	// fetched before the pause took effect
	c.dispatch(ctx, msgOn(1, 3))
	assert.Len(t, ps.MsgCH, 2)
	assert.Len(t, flow.seeks, 1)
	_, tracked = ps.ReadOffset(3)
	assert.False(t, tracked)
}

func TestDispatchKeepsOtherPartitionsFlowing(t *testing.T) {
	flow := &fakeFlow{}
	c := newTestConsumer(flow)
	stuck := c.addPartition(1, 1)
	free := c.addPartition(2, 4)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.dispatch(ctx, msgOn(1, 0))
		c.dispatch(ctx, msgOn(1, 1))
		for o := kafka.Offset(0); o < 3; o++ {
			c.dispatch(ctx, msgOn(2, o))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full partition")
	}
	assert.True(t, stuck.paused.Load())
	assert.False(t, free.paused.Load())
	assert.Len(t, free.MsgCH, 3)
}

func TestResumeDrainedPartition(t *testing.T) {
	flow := &fakeFlow{}
	c := newTestConsumer(flow)
	ps := c.addPartition(1, 2)
	ctx := context.Background()
	for o := kafka.Offset(0); o < 3; o++ {
		c.dispatch(ctx, msgOn(1, o))
	}
	require.True(t, ps.paused.Load())

	c.resumeDrained()
	assert.Empty(t, flow.resumed, "buffer still full")

	<-ps.MsgCH
	c.resumeDrained()
	assert.Equal(t, []int32{1}, flow.resumed)
	assert.False(t, ps.paused.Load())

	// redelivered after the rewind
	c.dispatch(ctx, msgOn(1, 2))
	assert.Len(t, ps.MsgCH, 2)
	state, tracked := ps.ReadOffset(2)
	require.True(t, tracked)
	assert.Equal(t, MsgState_Pending, state)
}

func TestDispatchWaitsWhenRewindFails(t *testing.T) {
	flow := &fakeFlow{seekErr: errors.New("not assigned")}
	c := newTestConsumer(flow)
	ps := c.addPartition(1, 1)
	ctx := context.Background()
	c.dispatch(ctx, msgOn(1, 0))

	done := make(chan struct{})
	go func() {
		c.dispatch(ctx, msgOn(1, 1))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("message dropped without rewind")
	case <-time.After(20 * time.Millisecond):
	}
	<-ps.MsgCH
	<-done

	assert.Empty(t, flow.paused)
	assert.False(t, ps.paused.Load())
	msg := <-ps.MsgCH
	assert.Equal(t, kafka.Offset(1), msg.TopicPartition.Offset)
}

func TestStopPartitionResumesPaused(t *testing.T) {
	flow := &fakeFlow{}
	c := newTestConsumer(flow)
	ps := c.addPartition(1, 1)
	ctx := context.Background()
	c.dispatch(ctx, msgOn(1, 0))
	c.dispatch(ctx, msgOn(1, 1))
	require.True(t, ps.paused.Load())

	handler := func(ctx context.Context, msgs []*kafka.Message) error { return nil }
	ps.Start(time.Hour, newWorker(handler, 1, 0, time.Millisecond))

	c.stopPartition(1)

	assert.Equal(t, []int32{1}, flow.resumed)
	assert.False(t, ps.paused.Load())
	assert.NotContains(t, c.msgsStateMap, int32(1))
}

func TestDispatchIgnoresStoppedPartition(t *testing.T) {
	c := newTestConsumer(&fakeFlow{})
	ps := c.addPartition(1, 2)
	ps.Cancel()

	c.dispatch(context.Background(), msgOn(1, 0))

	assert.Empty(t, ps.MsgCH)
	_, tracked := ps.ReadOffset(0)
	assert.False(t, tracked)
}
