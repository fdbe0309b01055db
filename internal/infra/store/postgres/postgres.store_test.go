package pgstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to the database named by PG_TEST_DSN, recreates the
// schema from the migration files and returns a store on it.
func newTestStore(t *testing.T) *Store {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`DROP TABLE IF EXISTS articles, products`)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join("..", "..", "..", "..", "migrations", "postgres", "*.up.sql"))
	require.NoError(t, err)
	sort.Strings(files)
	for _, f := range files {
		ddl, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = db.Exec(string(ddl))
		require.NoError(t, err)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewStore(db, log)
}

func TestPostgresBulkWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	existing := mutation.Build(domain.NewInventoryUpdateEvent("b", "bolt", 1, time.UnixMilli(500)), nil)
	res, err := s.UpdateOne(ctx, domain.EntityKind_Article, existing)
	require.NoError(t, err)
	require.True(t, res.Upserted)

	zero := int64(0)
	ms := []mutation.Mutation{
		mutation.Build(domain.NewInventoryUpdateEvent("a", "leg", 4, time.UnixMilli(100)), nil),
		mutation.Build(domain.NewInventoryUpdateEvent("b", "bolt", 2, time.UnixMilli(600)), &zero),
		mutation.Build(domain.NewInventoryUpdateEvent("b", "bolt", 3, time.UnixMilli(700)), &zero),
		mutation.Build(domain.NewInventoryUpdateEvent("c", "screw", 5, time.UnixMilli(100)), nil),
	}
	bulk, err := s.BulkWrite(ctx, domain.EntityKind_Article, ms)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 3}, bulk.UpsertedIndices)
	assert.Equal(t, []int{1}, bulk.MatchedIndices)
	assert.Equal(t, int64(1), bulk.MatchedCount)
	assert.Empty(t, bulk.WriteErrors)

	rec, err := s.GetArticle(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, int64(2), rec.Stock)
}

func TestPostgresBulkWriteKeepsGoingAfterRowError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ms := []mutation.Mutation{
		mutation.Build(domain.NewInventoryUpdateEvent("a", "leg", -1, time.UnixMilli(100)), nil),
		mutation.Build(domain.NewInventoryUpdateEvent("b", "bolt", 1, time.UnixMilli(100)), nil),
	}
	bulk, err := s.BulkWrite(ctx, domain.EntityKind_Article, ms)
	require.NoError(t, err)

	require.Len(t, bulk.WriteErrors, 1)
	assert.Equal(t, 0, bulk.WriteErrors[0].Index)
	assert.Equal(t, []int{1}, bulk.UpsertedIndices)

	versions, err := s.FindVersions(ctx, domain.EntityKind_Article, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"b": 0}, versions)
}

func TestPostgresProductRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := domain.NewProductUpdateEvent("chair", []domain.ArticleAmount{{ArticleID: "1", Amount: 4}}, time.UnixMilli(100))
	_, err := s.UpdateOne(ctx, domain.EntityKind_Product, mutation.Build(ev, nil))
	require.NoError(t, err)

	rec, err := s.GetProduct(ctx, "chair")
	require.NoError(t, err)
	assert.Equal(t, ev.RequiredArticles, rec.RequiredArticles)
	assert.Equal(t, int64(0), rec.Version)
}
