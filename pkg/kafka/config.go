package pkgkafka

import (
	"time"
)

type KafkaConfig struct {
	Host                     string        `yaml:"host"`
	ConsumerGroup            string        `yaml:"consumer_group"`
	ParititionAssignStrategy string        `yaml:"partition_assign_strategy"`
	NumPartitions            int           `yaml:"num_partitions"`
	ReplicationFactor        int           `yaml:"replication_factor"`
	CommitInterval           time.Duration `yaml:"commit_interval"`
	MsgEncoderType           KafkaEncoder  `yaml:"encoder"`
	// ShutdownGrace bounds how long an in-flight batch may run after its
	// partition was revoked.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// CreateTopics makes the consumer create its topic when missing.
	CreateTopics bool `yaml:"create_topics"`
}

func NewKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Host:                     "localhost",
		ConsumerGroup:            "warehouse_ingest",
		ParititionAssignStrategy: "cooperative-sticky",
		NumPartitions:            4,
		ReplicationFactor:        1,
		CommitInterval:           5 * time.Second,
		MsgEncoderType:           KafkaEncoder_JSON,
		ShutdownGrace:            30 * time.Second,
		CreateTopics:             true,
	}
}

func (c *KafkaConfig) isCooperative() bool {
	return c.ParititionAssignStrategy == "cooperative-sticky"
}
