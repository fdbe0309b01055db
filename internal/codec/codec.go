package codec

import (
	"fmt"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	goavro "github.com/linkedin/goavro/v2"
)

const InventorySchema = `{
  "type": "record",
  "name": "InventoryUpdate",
  "namespace": "warehouse.ingest",
  "fields": [
    {"name": "artId", "type": "string"},
    {"name": "name", "type": "string"},
    {"name": "stock", "type": "long"},
    {"name": "sourceTimestamp", "type": {"type": "long", "logicalType": "timestamp-millis"}},
    {"name": "messageId", "type": ["null", "string"], "default": null}
  ]
}`

const ProductSchema = `{
  "type": "record",
  "name": "ProductUpdate",
  "namespace": "warehouse.ingest",
  "fields": [
    {"name": "name", "type": "string"},
    {"name": "requiredArticles", "type": {"type": "array", "items": {
      "type": "record",
      "name": "ArticleAmount",
      "fields": [
        {"name": "articleId", "type": "string"},
        {"name": "amount", "type": "long"}
      ]
    }}},
    {"name": "sourceTimestamp", "type": {"type": "long", "logicalType": "timestamp-millis"}},
    {"name": "messageId", "type": ["null", "string"], "default": null}
  ]
}`

var InventoryMapping = pkgkafka.AvroMapping[domain.InventoryUpdateEvent]{
	Schema: InventorySchema,
	ToNative: func(ev domain.InventoryUpdateEvent) map[string]any {
		return map[string]any{
			"artId":           ev.ArtID,
			"name":            ev.Name,
			"stock":           ev.Stock,
			"sourceTimestamp": ev.SourceTimestamp,
			"messageId":       optionalString(ev.MsgID),
		}
	},
	FromNative: func(native map[string]any) (domain.InventoryUpdateEvent, error) {
		artID, err := stringField(native, "artId")
		if err != nil {
			return domain.InventoryUpdateEvent{}, err
		}
		name, err := stringField(native, "name")
		if err != nil {
			return domain.InventoryUpdateEvent{}, err
		}
		stock, err := longField(native, "stock")
		if err != nil {
			return domain.InventoryUpdateEvent{}, err
		}
		ts, err := timeField(native, "sourceTimestamp")
		if err != nil {
			return domain.InventoryUpdateEvent{}, err
		}
		return domain.NewInventoryUpdateEvent(artID, name, stock, ts).
			WithMessageID(unionString(native["messageId"])), nil
	},
}

var ProductMapping = pkgkafka.AvroMapping[domain.ProductUpdateEvent]{
	Schema: ProductSchema,
	ToNative: func(ev domain.ProductUpdateEvent) map[string]any {
		articles := make([]any, 0, len(ev.RequiredArticles))
		for _, a := range ev.RequiredArticles {
			articles = append(articles, map[string]any{
				"articleId": a.ArticleID,
				"amount":    a.Amount,
			})
		}
		return map[string]any{
			"name":             ev.Name,
			"requiredArticles": articles,
			"sourceTimestamp":  ev.SourceTimestamp,
			"messageId":        optionalString(ev.MsgID),
		}
	},
	FromNative: func(native map[string]any) (domain.ProductUpdateEvent, error) {
		name, err := stringField(native, "name")
		if err != nil {
			return domain.ProductUpdateEvent{}, err
		}
		ts, err := timeField(native, "sourceTimestamp")
		if err != nil {
			return domain.ProductUpdateEvent{}, err
		}
		raw, ok := native["requiredArticles"].([]any)
		if !ok && native["requiredArticles"] != nil {
			return domain.ProductUpdateEvent{}, fmt.Errorf("requiredArticles: unexpected %T", native["requiredArticles"])
		}
		articles := make([]domain.ArticleAmount, 0, len(raw))
		for i, item := range raw {
			rec, ok := item.(map[string]any)
			if !ok {
				return domain.ProductUpdateEvent{}, fmt.Errorf("requiredArticles[%d]: unexpected %T", i, item)
			}
			id, err := stringField(rec, "articleId")
			if err != nil {
				return domain.ProductUpdateEvent{}, fmt.Errorf("requiredArticles[%d]: %w", i, err)
			}
			amount, err := longField(rec, "amount")
			if err != nil {
				return domain.ProductUpdateEvent{}, fmt.Errorf("requiredArticles[%d]: %w", i, err)
			}
			articles = append(articles, domain.ArticleAmount{ArticleID: id, Amount: amount})
		}
		return domain.NewProductUpdateEvent(name, articles, ts).
			WithMessageID(unionString(native["messageId"])), nil
	},
}

func NewInventoryEncoder(kind pkgkafka.KafkaEncoder) (pkgkafka.MsgEncoder[domain.InventoryUpdateEvent], error) {
	return newEncoder(kind, InventoryMapping)
}

func NewProductEncoder(kind pkgkafka.KafkaEncoder) (pkgkafka.MsgEncoder[domain.ProductUpdateEvent], error) {
	return newEncoder(kind, ProductMapping)
}

func newEncoder[E any](kind pkgkafka.KafkaEncoder, mapping pkgkafka.AvroMapping[E]) (pkgkafka.MsgEncoder[E], error) {
	switch kind {
	case pkgkafka.KafkaEncoder_JSON, "":
		return pkgkafka.NewJsonEncoder[E](), nil
	case pkgkafka.KafkaEncoder_AVRO:
		return pkgkafka.NewAvroEncoder(mapping)
	default:
		return nil, fmt.Errorf("unknown message encoder %q", kind)
	}
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return goavro.Union("string", s)
}

func unionString(v any) string {
	switch u := v.(type) {
	case map[string]any:
		s, _ := u["string"].(string)
		return s
	case string:
		return u
	default:
		return ""
	}
}

func stringField(native map[string]any, name string) (string, error) {
	s, ok := native[name].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected %T", name, native[name])
	}
	return s, nil
}

func longField(native map[string]any, name string) (int64, error) {
	switch v := native[name].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%s: unexpected %T", name, native[name])
	}
}

func timeField(native map[string]any, name string) (time.Time, error) {
	switch v := native[name].(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.UnixMilli(v), nil
	default:
		return time.Time{}, fmt.Errorf("%s: unexpected %T", name, native[name])
	}
}
