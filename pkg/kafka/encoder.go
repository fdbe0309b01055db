package pkgkafka

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
)

type KafkaEncoder string

const (
	KafkaEncoder_JSON KafkaEncoder = "json"
	KafkaEncoder_AVRO KafkaEncoder = "avro"
)

// MsgEncoder converts between message payloads and events. One payload may
// carry several events.
type MsgEncoder[E any] interface {
	Decoder(metadata *kafka.TopicPartition, data []byte) ([]E, error)
	Encoder(ev E) ([]byte, error)
	GetType() KafkaEncoder
}

type JsonEncoder[E any] struct {
	msgEncoderType KafkaEncoder
}

func NewJsonEncoder[E any]() *JsonEncoder[E] {
	return &JsonEncoder[E]{
		msgEncoderType: KafkaEncoder_JSON,
	}
}

// Decoder accepts a single JSON object or an array of them.
func (e *JsonEncoder[E]) Decoder(metadata *kafka.TopicPartition, data []byte) ([]E, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, pkgerrors.NewJSONParsingError(fmt.Errorf("empty payload"))
	}

	if data[0] == '[' {
		var payload []E
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, pkgerrors.NewJSONParsingError(fmt.Errorf("failed to unmarshal message: %w", err))
		}
		return payload, nil
	}

	var payload E
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, pkgerrors.NewJSONParsingError(fmt.Errorf("failed to unmarshal message: %w", err))
	}
	return []E{payload}, nil
}

func (e *JsonEncoder[E]) Encoder(ev E) ([]byte, error) {
	return json.Marshal(ev)
}

func (e *JsonEncoder[E]) GetType() KafkaEncoder {
	return e.msgEncoderType
}
