package pkgkafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ConsumerOptions struct {
	Topic string
	// GroupID overrides the configured consumer group.
	GroupID     string
	BatchSize   int
	BatchLinger time.Duration
	// HandlerBackoff is the pause before a failed batch is handed over again.
	HandlerBackoff time.Duration
}

// partitionFlow is the part of *kafka.Consumer used to hold back a single
// partition while its worker catches up.
type partitionFlow interface {
	Pause(partitions []kafka.TopicPartition) error
	Resume(partitions []kafka.TopicPartition) error
	SeekPartitions(partitions []kafka.TopicPartition) ([]kafka.TopicPartition, error)
}

// KafkaConsumer reads one topic with manual commits. Every assigned
// partition gets its own PartitionState whose worker runs batches strictly
// in offset order; an offset is committed only once its batch was handled.
type KafkaConsumer struct {
	ID           string
	ReadyCH      chan struct{}
	exitCH       chan struct{}
	consumer     *kafka.Consumer
	flow         partitionFlow
	topic        string
	msgsStateMap map[int32]*PartitionState
	Mu           *sync.RWMutex
	isReady      atomic.Bool
	cfg          *KafkaConfig
	opts         ConsumerOptions
	handler      BatchHandler
	log          logrus.FieldLogger
}

func NewKafkaConsumer(cfg *KafkaConfig, opts ConsumerOptions, handler BatchHandler) (*KafkaConsumer, error) {
	groupID := opts.GroupID
	if groupID == "" {
		groupID = cfg.ConsumerGroup
	}
	if opts.HandlerBackoff <= 0 {
		opts.HandlerBackoff = time.Second
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":               cfg.Host,
		"group.id":                        groupID,
		"enable.auto.commit":              false,
		"auto.offset.reset":               "earliest",
		"go.application.rebalance.enable": true,
		"partition.assignment.strategy":   cfg.ParititionAssignStrategy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", opts.Topic, err)
	}

	consumer := &KafkaConsumer{
		ID:           uuid.NewString(),
		consumer:     c,
		flow:         c,
		ReadyCH:      make(chan struct{}),
		exitCH:       make(chan struct{}),
		topic:        opts.Topic,
		Mu:           new(sync.RWMutex),
		msgsStateMap: map[int32]*PartitionState{},
		cfg:          cfg,
		opts:         opts,
		handler:      handler,
	}
	consumer.log = logrus.WithFields(logrus.Fields{
		"CONSUMER": consumer.ID,
		"TOPIC":    opts.Topic,
	})

	if cfg.CreateTopics {
		if err := EnsureTopics(context.Background(), cfg, opts.Topic); err != nil {
			c.Close()
			return nil, err
		}
	}

	if err := c.SubscribeTopics([]string{consumer.topic}, consumer.rebalanceCB); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", opts.Topic, err)
	}

	return consumer, nil
}

// RunConsumer polls until ctx is cancelled, then drains every partition,
// commits the final positions and closes the consumer.
func (c *KafkaConsumer) RunConsumer(ctx context.Context) {
	go c.checkReadyToAccept(ctx)
	c.consumeLoop(ctx)
	c.shutdown()
}

func (c *KafkaConsumer) Ready() bool {
	return c.isReady.Load()
}

func (c *KafkaConsumer) Done() <-chan struct{} {
	return c.exitCH
}

func (c *KafkaConsumer) commit(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	return c.consumer.CommitOffsets(offsets)
}

func (c *KafkaConsumer) assignPrntCB(ev *kafka.AssignedPartitions) error {
	committed, err := c.consumer.Committed(ev.Partitions, 5000)
	if err != nil {
		c.log.Errorf("Failed to get committed offsets: %v", err)
		committed = ev.Partitions
	}

	c.Mu.Lock()
	for _, tp := range committed {
		startOffset := tp.Offset
		if startOffset < 0 {
			startOffset = kafka.OffsetBeginning
		}

		c.log.WithFields(logrus.Fields{
			"PRTN":         tp.Partition,
			"START_OFFSET": startOffset,
		}).Info("Assigned partition")

		tpCopy := kafka.TopicPartition{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    startOffset,
		}
		if oldPS, exists := c.msgsStateMap[tp.Partition]; exists {
			oldPS.Stop(c.cfg.ShutdownGrace)
		}
		prtnState := NewPartitionState(&tpCopy, c.commit, c.bufferSize())
		c.msgsStateMap[tp.Partition] = prtnState
		prtnState.Start(c.cfg.CommitInterval, newWorker(c.handler, c.opts.BatchSize, c.opts.BatchLinger, c.opts.HandlerBackoff))
	}
	c.Mu.Unlock()

	if c.cfg.isCooperative() {
		err = c.consumer.IncrementalAssign(ev.Partitions)
	} else {
		err = c.consumer.Assign(ev.Partitions)
	}
	if err != nil {
		c.log.Errorf("Failed to assign partitions: %v", err)
		return err
	}

	c.log.WithFields(logrus.Fields{
		"count":      len(ev.Partitions),
		"partitions": formatPartitions(ev.Partitions),
	}).Info("Successfully assigned partitions")
	return nil
}

// stopPartition drains the worker of a partition and returns the position
// to commit for it, nil when there is nothing new.
func (c *KafkaConsumer) stopPartition(partition int32) *kafka.TopicPartition {
	c.Mu.Lock()
	partitionState, exists := c.msgsStateMap[partition]
	delete(c.msgsStateMap, partition)
	c.Mu.Unlock()
	if !exists {
		return nil
	}

	partitionState.Stop(c.cfg.ShutdownGrace)
	if partitionState.paused.Load() {
		c.resume(partitionState)
	}
	latestToCommit, err := partitionState.FindLatestToCommit()
	if err != nil {
		if !errors.Is(err, ErrNothingToCommit) {
			c.log.WithField("PRTN", partition).WithError(err).Error("Failed to find offset to commit")
		}
		return nil
	}
	return latestToCommit
}

func (c *KafkaConsumer) commitFinal(toCommit []kafka.TopicPartition, reason string) {
	if len(toCommit) == 0 {
		return
	}
	if _, err := c.consumer.CommitOffsets(toCommit); err != nil {
		c.log.Errorf("Failed to commit on %s: %v", reason, err)
		return
	}
	for _, tp := range toCommit {
		c.log.WithFields(logrus.Fields{
			"PRTN":   tp.Partition,
			"OFFSET": tp.Offset,
		}).Infof("Committed before %s", reason)
	}
}

func (c *KafkaConsumer) revokePrtnCB(ev *kafka.RevokedPartitions) error {
	var toCommit []kafka.TopicPartition
	for _, tp := range ev.Partitions {
		c.log.WithField("PRTN", tp.Partition).Info("Revoking partition")
		if latest := c.stopPartition(tp.Partition); latest != nil {
			toCommit = append(toCommit, *latest)
		}
	}
	c.commitFinal(toCommit, "revoke")

	var err error
	if c.cfg.isCooperative() {
		err = c.consumer.IncrementalUnassign(ev.Partitions)
	} else {
		err = c.consumer.Unassign()
	}
	if err != nil {
		c.log.Errorf("Failed to unassign partitions: %v", err)
		return err
	}

	c.log.Infof("Successfully revoked %d partitions", len(ev.Partitions))
	return nil
}

func (c *KafkaConsumer) rebalanceCB(_ *kafka.Consumer, event kafka.Event) error {
	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		return c.assignPrntCB(&ev)
	case kafka.RevokedPartitions:
		return c.revokePrtnCB(&ev)
	default:
		c.log.Warnf("Unexpected event type: %T", ev)
	}
	return nil
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context) {
	firstMsg := true

	for ctx.Err() == nil {
		c.resumeDrained()

		msg, err := c.consumer.ReadMessage(time.Second)
		if err != nil {
			var kErr kafka.Error
			if errors.As(err, &kErr) && kErr.IsTimeout() {
				continue
			}
			c.log.WithError(err).Error("Consumer error")
			continue
		}
		if msg == nil {
			continue
		}

		if firstMsg {
			close(c.ReadyCH)
			firstMsg = false
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch hands msg to the worker of its partition. The poll loop is the
// only sender on MsgCH, so a free slot seen here cannot be taken by anyone
// else. A full buffer pauses the partition and rewinds it to msg instead of
// blocking, so the other partitions keep flowing.
func (c *KafkaConsumer) dispatch(ctx context.Context, msg *kafka.Message) {
	c.Mu.RLock()
	prtnState := c.msgsStateMap[msg.TopicPartition.Partition]
	c.Mu.RUnlock()
	if prtnState == nil {
		c.log.WithField("PRTN", msg.TopicPartition.Partition).Warn("Message for unassigned partition")
		return
	}
	if prtnState.paused.Load() || prtnState.ctx.Err() != nil {
		// fetched again after resume or by the next owner
		return
	}

	if len(prtnState.MsgCH) < cap(prtnState.MsgCH) {
		prtnState.Append(&msg.TopicPartition)
		prtnState.MsgCH <- msg
		return
	}

	if err := c.rewind(msg.TopicPartition); err != nil {
		c.log.WithFields(logrus.Fields{
			"PRTN":   msg.TopicPartition.Partition,
			"OFFSET": msg.TopicPartition.Offset,
		}).WithError(err).Error("Failed to rewind partition, waiting for worker")
		prtnState.Append(&msg.TopicPartition)
		select {
		case prtnState.MsgCH <- msg:
		case <-prtnState.Done():
		case <-ctx.Done():
		}
		return
	}
	if err := c.flow.Pause([]kafka.TopicPartition{partitionOf(msg.TopicPartition)}); err != nil {
		// rewound but still fetching, msg comes back on a later poll
		c.log.WithField("PRTN", msg.TopicPartition.Partition).WithError(err).Warn("Failed to pause partition")
		return
	}
	prtnState.paused.Store(true)
	c.log.WithFields(logrus.Fields{
		"PRTN":   msg.TopicPartition.Partition,
		"OFFSET": msg.TopicPartition.Offset,
	}).Warn("PARTITION:PAUSED")
}

// resumeDrained resumes paused partitions whose worker has emptied at least
// half of its buffer.
func (c *KafkaConsumer) resumeDrained() {
	c.Mu.RLock()
	var drained []*PartitionState
	for _, ps := range c.msgsStateMap {
		if ps.paused.Load() && len(ps.MsgCH) <= cap(ps.MsgCH)/2 {
			drained = append(drained, ps)
		}
	}
	c.Mu.RUnlock()

	for _, ps := range drained {
		if c.resume(ps) {
			c.log.WithField("PRTN", ps.ID).Info("PARTITION:RESUMED")
		}
	}
}

func (c *KafkaConsumer) resume(ps *PartitionState) bool {
	tp := kafka.TopicPartition{Topic: &ps.Topic, Partition: ps.ID}
	if err := c.flow.Resume([]kafka.TopicPartition{tp}); err != nil {
		c.log.WithField("PRTN", ps.ID).WithError(err).Error("Failed to resume partition")
		return false
	}
	ps.paused.Store(false)
	return true
}

// rewind moves the fetch position of a partition back to tp.Offset. Messages
// fetched past it are dropped by the client.
func (c *KafkaConsumer) rewind(tp kafka.TopicPartition) error {
	res, err := c.flow.SeekPartitions([]kafka.TopicPartition{tp})
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Error != nil {
			return r.Error
		}
	}
	return nil
}

func partitionOf(tp kafka.TopicPartition) kafka.TopicPartition {
	return kafka.TopicPartition{Topic: tp.Topic, Partition: tp.Partition}
}

func (c *KafkaConsumer) shutdown() {
	defer close(c.exitCH)

	c.Mu.RLock()
	partitions := make([]int32, 0, len(c.msgsStateMap))
	for p := range c.msgsStateMap {
		partitions = append(partitions, p)
	}
	c.Mu.RUnlock()

	var toCommit []kafka.TopicPartition
	for _, p := range partitions {
		if latest := c.stopPartition(p); latest != nil {
			toCommit = append(toCommit, *latest)
		}
	}
	c.commitFinal(toCommit, "shutdown")

	if err := c.consumer.Close(); err != nil {
		c.log.WithError(err).Error("Failed to close consumer")
	}
	c.log.Info("Consumer closed")
}

func (c *KafkaConsumer) bufferSize() int {
	if c.opts.BatchSize < 1 {
		return 1
	}
	return c.opts.BatchSize * 2
}

func (c *KafkaConsumer) checkReadyToAccept(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ReadyCH:
			c.isReady.Store(true)
			return
		case <-ticker.C:
			isReady, err := c.readyCheck()
			if err != nil {
				c.log.WithError(err).Error("Error on consumer readycheck")
				continue
			}
			if isReady {
				c.log.WithField("STATUS", isReady).Info("Consumer ready to accept")
				c.isReady.Store(true)
				return
			}
		}
	}
}

func (c *KafkaConsumer) readyCheck() (bool, error) {
	assignment, err := c.consumer.Assignment()
	if err != nil {
		return false, err
	}
	return len(assignment) > 0, nil
}

func formatPartitions(partitions []kafka.TopicPartition) string {
	parts := make([]string, len(partitions))
	for i, p := range partitions {
		parts[i] = fmt.Sprintf("%d@%d", p.Partition, p.Offset)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
