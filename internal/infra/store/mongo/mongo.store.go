package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	mongodb "github.com/k-code-yt/warehouse-ingest/pkg/db/mongo"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionArticles = "articles"
	CollectionProducts = "products"
)

type Store struct {
	client *mongo.Client
	colls  map[domain.EntityKind]*mongo.Collection
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewStore(client *mongo.Client, database string, log logrus.FieldLogger) *Store {
	db := client.Database(database)
	return &Store{
		client: client,
		colls: map[domain.EntityKind]*mongo.Collection{
			domain.EntityKind_Article: db.Collection(CollectionArticles),
			domain.EntityKind_Product: db.Collection(CollectionProducts),
		},
		log: log,
		now: time.Now,
	}
}

func (s *Store) coll(kind domain.EntityKind) (*mongo.Collection, error) {
	c, ok := s.colls[kind]
	if !ok {
		return nil, fmt.Errorf("no collection for kind %q", kind)
	}
	return c, nil
}

// EnsureIndexes creates the secondary indexes. Both collections are keyed by
// _id, which is unique already.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.colls[domain.EntityKind_Article].Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: domain.FieldName, Value: 1}},
		Options: options.Index().SetName("articles_name"),
	})
	if err != nil {
		return fmt.Errorf("create articles index: %w", err)
	}

	_, err = s.colls[domain.EntityKind_Product].Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: domain.FieldRequiredArticles + ".articleId", Value: 1}},
		Options: options.Index().SetName("products_required_article"),
	})
	if err != nil {
		return fmt.Errorf("create products index: %w", err)
	}
	return nil
}

type versionDoc struct {
	ID            string    `bson:"_id"`
	Version       int64     `bson:"version"`
	Watermark     time.Time `bson:"sourceTimestamp"`
	LastMessageID string    `bson:"lastMessageId,omitempty"`
}

func (s *Store) findSnapshots(ctx context.Context, coll *mongo.Collection, keys []string) (map[string]versionDoc, error) {
	cur, err := coll.Find(ctx,
		bson.D{{Key: domain.FieldKey, Value: bson.D{{Key: "$in", Value: keys}}}},
		options.Find().SetProjection(bson.D{
			{Key: domain.FieldVersion, Value: 1},
			{Key: domain.FieldWatermark, Value: 1},
			{Key: domain.FieldLastMessageID, Value: 1},
		}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[string]versionDoc, len(keys))
	for cur.Next(ctx) {
		var doc versionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, cur.Err()
}

func (s *Store) FindVersions(ctx context.Context, kind domain.EntityKind, keys []string) (map[string]int64, error) {
	coll, err := s.coll(kind)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}

	docs, err := s.findSnapshots(ctx, coll, keys)
	if err != nil {
		return nil, fmt.Errorf("find %s versions: %w", kind, err)
	}
	out := make(map[string]int64, len(docs))
	for k, d := range docs {
		out[k] = d.Version
	}
	return out, nil
}

func (s *Store) UpdateOne(ctx context.Context, kind domain.EntityKind, m mutation.Mutation) (mutation.UpdateResult, error) {
	coll, err := s.coll(kind)
	if err != nil {
		return mutation.UpdateResult{}, err
	}

	res, err := coll.UpdateOne(ctx, renderFilter(m), renderUpdate(m, s.now().UTC()), options.Update().SetUpsert(m.Upsert))
	if err != nil {
		if mongodb.IsDuplicateKeyErr(err) {
			return mutation.UpdateResult{}, pkgerrors.NewDuplicateKeyError(err)
		}
		return mutation.UpdateResult{}, err
	}
	return mutation.UpdateResult{
		MatchedCount: res.MatchedCount,
		Upserted:     res.UpsertedID != nil,
	}, nil
}

func (s *Store) BulkWrite(ctx context.Context, kind domain.EntityKind, ms []mutation.Mutation) (mutation.BulkResult, error) {
	coll, err := s.coll(kind)
	if err != nil {
		return mutation.BulkResult{}, err
	}
	if len(ms) == 0 {
		return mutation.BulkResult{}, nil
	}

	now := s.now().UTC()
	models := make([]mongo.WriteModel, 0, len(ms))
	for _, m := range ms {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(renderFilter(m)).
			SetUpdate(renderUpdate(m, now)).
			SetUpsert(m.Upsert))
	}

	res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	out, err := toBulkResult(res, err)
	if err != nil {
		return mutation.BulkResult{}, err
	}

	out.MatchedIndices = s.reconcile(ctx, coll, ms, out)
	return out, nil
}

// toBulkResult folds per-write errors into the result. Anything else, a
// write concern failure included, leaves the outcome unknown and is returned
// as an error.
func toBulkResult(res *mongo.BulkWriteResult, err error) (mutation.BulkResult, error) {
	var out mutation.BulkResult
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || res == nil {
			return out, err
		}
		for _, we := range bwe.WriteErrors {
			out.WriteErrors = append(out.WriteErrors, mutation.WriteError{
				Index:   we.Index,
				Code:    we.Code,
				Message: we.Message,
			})
		}
	}
	if res == nil {
		return out, nil
	}

	out.MatchedCount = res.MatchedCount
	for idx := range res.UpsertedIDs {
		out.UpsertedIndices = append(out.UpsertedIndices, int(idx))
	}
	sort.Ints(out.UpsertedIndices)
	return out, nil
}

// reconcile works out which positions matched. The bulk reply only carries
// a count, so the touched documents are read back and each candidate is
// confirmed by the watermark and version it should have left behind. When
// the confirmed set does not add up to the matched count, because another
// writer got in between, nil is returned and the count based rule applies.
func (s *Store) reconcile(ctx context.Context, coll *mongo.Collection, ms []mutation.Mutation, res mutation.BulkResult) []int {
	skip := map[int]bool{}
	for _, i := range res.UpsertedIndices {
		skip[i] = true
	}
	for _, we := range res.WriteErrors {
		skip[we.Index] = true
	}

	candidates := []int{}
	keys := map[string]struct{}{}
	for i := range ms {
		if skip[i] {
			continue
		}
		candidates = append(candidates, i)
		keys[ms[i].Filter.Key] = struct{}{}
	}

	if int64(len(candidates)) == res.MatchedCount {
		return candidates
	}
	if res.MatchedCount == 0 {
		return []int{}
	}

	keyList := make([]string, 0, len(keys))
	for k := range keys {
		keyList = append(keyList, k)
	}
	docs, err := s.findSnapshots(ctx, coll, keyList)
	if err != nil {
		s.log.WithError(err).Warn("BULK:RECONCILE_FAILED")
		return nil
	}

	confirmed := []int{}
	for _, i := range candidates {
		doc, ok := docs[ms[i].Filter.Key]
		if ok && leftBehind(ms[i], doc) {
			confirmed = append(confirmed, i)
		}
	}
	if int64(len(confirmed)) != res.MatchedCount {
		s.log.WithFields(logrus.Fields{
			"MATCHED":   res.MatchedCount,
			"CONFIRMED": len(confirmed),
		}).Warn("BULK:RECONCILE_MISMATCH")
		return nil
	}
	return confirmed
}

func leftBehind(m mutation.Mutation, doc versionDoc) bool {
	if !doc.Watermark.Equal(m.Update.Watermark) {
		return false
	}
	if m.Guarded() && doc.Version != mutation.NextVersion(m.Filter.ExpectedVersion) {
		return false
	}
	if m.Update.MessageID != "" && doc.LastMessageID != m.Update.MessageID {
		return false
	}
	return true
}

func (s *Store) GetArticle(ctx context.Context, id string) (*domain.ArticleRecord, error) {
	var rec domain.ArticleRecord
	err := s.colls[domain.EntityKind_Article].FindOne(ctx, bson.D{{Key: domain.FieldKey, Value: id}}).Decode(&rec)
	if err != nil {
		if mongodb.IsNotFoundErr(err) {
			return nil, pkgerrors.NewNonExistingKeyError(fmt.Errorf("article %q", id))
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetProduct(ctx context.Context, name string) (*domain.ProductRecord, error) {
	var rec domain.ProductRecord
	err := s.colls[domain.EntityKind_Product].FindOne(ctx, bson.D{{Key: domain.FieldKey, Value: name}}).Decode(&rec)
	if err != nil {
		if mongodb.IsNotFoundErr(err) {
			return nil, pkgerrors.NewNonExistingKeyError(fmt.Errorf("product %q", name))
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
