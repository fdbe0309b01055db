package mongostore

import (
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func renderFilter(m mutation.Mutation) bson.D {
	f := bson.D{
		{Key: domain.FieldKey, Value: m.Filter.Key},
		{Key: domain.FieldWatermark, Value: bson.D{{Key: "$lt", Value: m.Filter.WatermarkBefore}}},
	}
	if m.Guarded() {
		f = append(f, bson.E{Key: domain.FieldVersion, Value: *m.Filter.ExpectedVersion})
	}
	if m.Filter.MessageIDNot != "" {
		f = append(f, bson.E{Key: domain.FieldLastMessageID, Value: bson.D{{Key: "$ne", Value: m.Filter.MessageIDNot}}})
	}
	return f
}

// renderUpdate produces a single stage pipeline update so that the version
// is bumped on an existing document and set to the initial version on an
// upserted one within the same write.
func renderUpdate(m mutation.Mutation, now time.Time) mongo.Pipeline {
	set := bson.D{}
	for _, f := range m.Update.Fields {
		set = append(set, bson.E{Key: f.Name, Value: literal(f.Value)})
	}
	set = append(set, bson.E{Key: domain.FieldWatermark, Value: literal(m.Update.Watermark)})
	if m.Update.MessageID != "" {
		set = append(set, bson.E{Key: domain.FieldLastMessageID, Value: literal(m.Update.MessageID)})
	}
	set = append(set,
		bson.E{Key: domain.FieldVersion, Value: bson.D{{Key: "$add", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$" + domain.FieldVersion, domain.InitialVersion - 1}}},
			1,
		}}}},
		bson.E{Key: domain.FieldCreatedAt, Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + domain.FieldCreatedAt, now}}}},
		bson.E{Key: domain.FieldUpdatedAt, Value: now},
	)
	return mongo.Pipeline{bson.D{{Key: "$set", Value: set}}}
}

// literal keeps values such as "$name" from being read as field paths.
func literal(v any) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}
