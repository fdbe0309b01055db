package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	"github.com/k-code-yt/warehouse-ingest/pkg/db/postgres"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const savepoint = "bulk_item"

// Store keeps articles and products in postgres. Each mutation touches one
// row; a bulk write runs every mutation behind its own savepoint so a failed
// row does not abort the rest.
type Store struct {
	db  *sqlx.DB
	log logrus.FieldLogger
	now func() time.Time
}

func NewStore(db *sqlx.DB, log logrus.FieldLogger) *Store {
	return &Store{
		db:  db,
		log: log,
		now: time.Now,
	}
}

func tableFor(kind domain.EntityKind) (tableSpec, error) {
	t, ok := tables[kind]
	if !ok {
		return tableSpec{}, fmt.Errorf("no table for kind %q", kind)
	}
	return t, nil
}

type versionRow struct {
	Key     string `db:"key"`
	Version int64  `db:"version"`
}

func (s *Store) FindVersions(ctx context.Context, kind domain.EntityKind, keys []string) (map[string]int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var rows []versionRow
	query := fmt.Sprintf(`SELECT %s AS key, version FROM %s WHERE %s = ANY($1)`, t.key, t.name, t.key)
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(keys)); err != nil {
		return nil, fmt.Errorf("find %s versions: %w", kind, err)
	}
	for _, r := range rows {
		out[r.Key] = r.Version
	}
	return out, nil
}

// exec runs one mutation and reports whether it matched an existing row or
// inserted a new one.
func (s *Store) exec(ctx context.Context, q sqlx.ExtContext, t tableSpec, m mutation.Mutation, now time.Time) (matched, inserted bool, err error) {
	st, err := render(t, m, now)
	if err != nil {
		return false, false, err
	}

	if st.returnsRow {
		var wasInsert bool
		err := q.QueryRowxContext(ctx, st.query, st.args...).Scan(&wasInsert)
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		return !wasInsert, wasInsert, nil
	}

	res, err := q.ExecContext(ctx, st.query, st.args...)
	if err != nil {
		return false, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}
	return n > 0, false, nil
}

func (s *Store) UpdateOne(ctx context.Context, kind domain.EntityKind, m mutation.Mutation) (mutation.UpdateResult, error) {
	t, err := tableFor(kind)
	if err != nil {
		return mutation.UpdateResult{}, err
	}

	matched, inserted, err := s.exec(ctx, s.db, t, m, s.now().UTC())
	if err != nil {
		if postgres.IsDuplicateKeyErr(err) {
			return mutation.UpdateResult{}, pkgerrors.NewDuplicateKeyError(err)
		}
		return mutation.UpdateResult{}, err
	}
	res := mutation.UpdateResult{Upserted: inserted}
	if matched {
		res.MatchedCount = 1
	}
	return res, nil
}

func (s *Store) BulkWrite(ctx context.Context, kind domain.EntityKind, ms []mutation.Mutation) (mutation.BulkResult, error) {
	t, err := tableFor(kind)
	if err != nil {
		return mutation.BulkResult{}, err
	}
	if len(ms) == 0 {
		return mutation.BulkResult{}, nil
	}

	now := s.now().UTC()
	return postgres.TxClosure(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) (mutation.BulkResult, error) {
		out := mutation.BulkResult{MatchedIndices: []int{}}
		for i, m := range ms {
			var matched, inserted bool
			err := postgres.Savepoint(ctx, tx, savepoint, func() error {
				var err error
				matched, inserted, err = s.exec(ctx, tx, t, m, now)
				return err
			})
			if err != nil {
				code := postgres.ErrorCode(err)
				if errors.Is(err, postgres.ErrSavepoint) || code == "" {
					return out, fmt.Errorf("write item %d: %w", i, err)
				}
				out.WriteErrors = append(out.WriteErrors, mutation.WriteError{
					Index:   i,
					Code:    sqlState(code),
					Message: err.Error(),
				})
				s.log.WithFields(logrus.Fields{
					"KEY":   m.Filter.Key,
					"INDEX": i,
					"CODE":  code,
				}).Warn("BULK:ITEM_FAILED")
				continue
			}

			switch {
			case inserted:
				out.UpsertedIndices = append(out.UpsertedIndices, i)
			case matched:
				out.MatchedCount++
				out.MatchedIndices = append(out.MatchedIndices, i)
			}
		}
		return out, nil
	})
}

// sqlState turns a numeric SQLSTATE such as 23505 into an int. Class codes
// with letters map to CodeUnknown; the message keeps the full text.
func sqlState(code string) int {
	n, err := strconv.Atoi(code)
	if err != nil {
		return pkgerrors.CodeUnknown
	}
	return n
}

func (s *Store) GetArticle(ctx context.Context, id string) (*domain.ArticleRecord, error) {
	var rec domain.ArticleRecord
	query := fmt.Sprintf(`SELECT id, name, stock, version, source_ts, last_message_id, created_at, updated_at FROM %s WHERE id = $1`, DBTableName_Articles)
	err := s.db.GetContext(ctx, &rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.NewNonExistingKeyError(fmt.Errorf("article %q", id))
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetProduct(ctx context.Context, name string) (*domain.ProductRecord, error) {
	var rec domain.ProductRecord
	query := fmt.Sprintf(`SELECT name, required_articles, version, source_ts, created_at, updated_at FROM %s WHERE name = $1`, DBTableName_Products)
	err := s.db.GetContext(ctx, &rec, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.NewNonExistingKeyError(fmt.Errorf("product %q", name))
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}
