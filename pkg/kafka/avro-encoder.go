package pkgkafka

import (
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
	goavro "github.com/linkedin/goavro/v2"
)

// AvroMapping ties an Avro record schema to an event type.
type AvroMapping[E any] struct {
	Schema     string
	ToNative   func(ev E) map[string]any
	FromNative func(native map[string]any) (E, error)
}

// AvroEncoder handles plain Avro binary, one event per message.
type AvroEncoder[E any] struct {
	msgEncoderType KafkaEncoder
	codec          *goavro.Codec
	mapping        AvroMapping[E]
}

func NewAvroEncoder[E any](mapping AvroMapping[E]) (*AvroEncoder[E], error) {
	codec, err := goavro.NewCodec(mapping.Schema)
	if err != nil {
		return nil, fmt.Errorf("parse avro schema: %w", err)
	}
	return &AvroEncoder[E]{
		msgEncoderType: KafkaEncoder_AVRO,
		codec:          codec,
		mapping:        mapping,
	}, nil
}

func (e *AvroEncoder[E]) Decoder(metadata *kafka.TopicPartition, data []byte) ([]E, error) {
	native, rest, err := e.codec.NativeFromBinary(data)
	if err != nil {
		return nil, pkgerrors.NewValidationError("avro decode: %v", err)
	}
	if len(rest) > 0 {
		return nil, pkgerrors.NewValidationError("avro decode: %d trailing bytes", len(rest))
	}
	record, ok := native.(map[string]any)
	if !ok {
		return nil, pkgerrors.NewValidationError("avro decode: expected record, got %T", native)
	}
	ev, err := e.mapping.FromNative(record)
	if err != nil {
		return nil, pkgerrors.NewValidationError("avro decode: %v", err)
	}
	return []E{ev}, nil
}

func (e *AvroEncoder[E]) Encoder(ev E) ([]byte, error) {
	return e.codec.BinaryFromNative(nil, e.mapping.ToNative(ev))
}

func (e *AvroEncoder[E]) GetType() KafkaEncoder {
	return e.msgEncoderType
}
