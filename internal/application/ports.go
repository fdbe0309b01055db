package application

import (
	"context"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
)

// DocumentStore is the write side the persistence service runs against.
// Duplicate key failures of UpdateOne are reported as
// pkgerrors.CodeDuplicateKey. BulkWrite is unordered: a failing mutation
// does not stop the others, and per-mutation failures are reported in
// BulkResult.WriteErrors rather than as the returned error.
type DocumentStore interface {
	FindVersions(ctx context.Context, kind domain.EntityKind, keys []string) (map[string]int64, error)
	UpdateOne(ctx context.Context, kind domain.EntityKind, m mutation.Mutation) (mutation.UpdateResult, error)
	BulkWrite(ctx context.Context, kind domain.EntityKind, ms []mutation.Mutation) (mutation.BulkResult, error)
}

// Reader is the read side used by the query API and by tests.
type Reader interface {
	GetArticle(ctx context.Context, id string) (*domain.ArticleRecord, error)
	GetProduct(ctx context.Context, name string) (*domain.ProductRecord, error)
}

type Store interface {
	DocumentStore
	Reader
	Close(ctx context.Context) error
}
