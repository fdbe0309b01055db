package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
)

// DuplicateKeyCode is the write error code reported for a creation attempt
// on a key that already exists, the same code the document store uses.
const DuplicateKeyCode = 11000

type record struct {
	snap      mutation.Snapshot
	fields    map[string]any
	createdAt time.Time
	updatedAt time.Time
}

// BeforeWriteFunc runs after versions were read and before a write is
// applied. Tests use it to play a concurrent writer.
type BeforeWriteFunc func(kind domain.EntityKind, ms []mutation.Mutation)

// Store keeps records in process memory and honours the same guard, upsert
// and unordered bulk semantics as the document store.
type Store struct {
	mu      *sync.RWMutex
	data    map[domain.EntityKind]map[string]*record
	now     func() time.Time
	fail    error
	failN   int
	before  BeforeWriteFunc
	inHook  bool
	writeMu *sync.Mutex
}

func NewStore() *Store {
	return &Store{
		mu: new(sync.RWMutex),
		data: map[domain.EntityKind]map[string]*record{
			domain.EntityKind_Article: {},
			domain.EntityKind_Product: {},
		},
		now:     time.Now,
		writeMu: new(sync.Mutex),
	}
}

// FailNext makes the next n calls fail with err.
func (s *Store) FailNext(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
	s.failN = n
}

func (s *Store) SetBeforeWrite(fn BeforeWriteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = fn
}

func (s *Store) Count(kind domain.EntityKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[kind])
}

func (s *Store) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN <= 0 {
		return nil
	}
	s.failN--
	return s.fail
}

// runBeforeWrite calls the hook once per top level write. Writes the hook
// itself issues skip it.
func (s *Store) runBeforeWrite(kind domain.EntityKind, ms []mutation.Mutation) {
	s.mu.RLock()
	fn, nested := s.before, s.inHook
	s.mu.RUnlock()
	if fn == nil || nested {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	s.inHook = true
	s.mu.Unlock()
	fn(kind, ms)
	s.mu.Lock()
	s.inHook = false
	s.mu.Unlock()
}

func (s *Store) FindVersions(ctx context.Context, kind domain.EntityKind, keys []string) (map[string]int64, error) {
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		if rec, ok := s.data[kind][k]; ok {
			out[k] = rec.snap.Version
		}
	}
	return out, nil
}

func (s *Store) UpdateOne(ctx context.Context, kind domain.EntityKind, m mutation.Mutation) (mutation.UpdateResult, error) {
	if err := s.takeFailure(); err != nil {
		return mutation.UpdateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return mutation.UpdateResult{}, err
	}
	s.runBeforeWrite(kind, []mutation.Mutation{m})

	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := s.apply(kind, m)
	if outcome.dup {
		return mutation.UpdateResult{}, pkgerrors.NewDuplicateKeyError(
			fmt.Errorf("E%d duplicate key %s %q", DuplicateKeyCode, kind, m.Filter.Key))
	}
	res := mutation.UpdateResult{Upserted: outcome.inserted}
	if outcome.matched {
		res.MatchedCount = 1
	}
	return res, nil
}

func (s *Store) BulkWrite(ctx context.Context, kind domain.EntityKind, ms []mutation.Mutation) (mutation.BulkResult, error) {
	if err := s.takeFailure(); err != nil {
		return mutation.BulkResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return mutation.BulkResult{}, err
	}
	s.runBeforeWrite(kind, ms)

	s.mu.Lock()
	defer s.mu.Unlock()
	res := mutation.BulkResult{MatchedIndices: []int{}}
	for i, m := range ms {
		outcome := s.apply(kind, m)
		switch {
		case outcome.dup:
			res.WriteErrors = append(res.WriteErrors, mutation.WriteError{
				Index:   i,
				Code:    DuplicateKeyCode,
				Message: fmt.Sprintf("E%d duplicate key %s %q", DuplicateKeyCode, kind, m.Filter.Key),
			})
		case outcome.inserted:
			res.UpsertedIndices = append(res.UpsertedIndices, i)
		case outcome.matched:
			res.MatchedCount++
			res.MatchedIndices = append(res.MatchedIndices, i)
		}
	}
	return res, nil
}

type applyOutcome struct {
	matched  bool
	inserted bool
	dup      bool
}

// apply must be called with s.mu held.
func (s *Store) apply(kind domain.EntityKind, m mutation.Mutation) applyOutcome {
	coll := s.data[kind]
	now := s.now().UTC()
	rec, exists := coll[m.Filter.Key]

	if exists {
		if m.Matches(rec.snap) {
			v := rec.snap.Version
			rec.snap.Version = mutation.NextVersion(&v)
			s.set(rec, m, now)
			return applyOutcome{matched: true}
		}
		if m.Upsert {
			return applyOutcome{dup: true}
		}
		return applyOutcome{}
	}

	if !m.Upsert {
		return applyOutcome{}
	}
	rec = &record{
		snap:      mutation.Snapshot{Version: mutation.NextVersion(nil)},
		fields:    map[string]any{},
		createdAt: now,
	}
	s.set(rec, m, now)
	coll[m.Filter.Key] = rec
	return applyOutcome{inserted: true}
}

func (s *Store) set(rec *record, m mutation.Mutation, now time.Time) {
	for _, f := range m.Update.Fields {
		rec.fields[f.Name] = f.Value
	}
	rec.snap.Watermark = m.Update.Watermark
	if m.Update.MessageID != "" {
		rec.snap.LastMessageID = m.Update.MessageID
	}
	rec.updatedAt = now
}

func (s *Store) GetArticle(ctx context.Context, id string) (*domain.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[domain.EntityKind_Article][id]
	if !ok {
		return nil, pkgerrors.NewNonExistingKeyError(fmt.Errorf("article %q", id))
	}
	out := &domain.ArticleRecord{
		ID:              id,
		Version:         rec.snap.Version,
		SourceTimestamp: rec.snap.Watermark,
		CreatedAt:       rec.createdAt,
		UpdatedAt:       rec.updatedAt,
	}
	out.Name, _ = rec.fields[domain.FieldName].(string)
	out.Stock, _ = rec.fields[domain.FieldStock].(int64)
	if rec.snap.LastMessageID != "" {
		msgID := rec.snap.LastMessageID
		out.LastMessageID = &msgID
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, name string) (*domain.ProductRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[domain.EntityKind_Product][name]
	if !ok {
		return nil, pkgerrors.NewNonExistingKeyError(fmt.Errorf("product %q", name))
	}
	out := &domain.ProductRecord{
		Name:            name,
		Version:         rec.snap.Version,
		SourceTimestamp: rec.snap.Watermark,
		CreatedAt:       rec.createdAt,
		UpdatedAt:       rec.updatedAt,
	}
	if articles, ok := rec.fields[domain.FieldRequiredArticles].(domain.RequiredArticles); ok {
		out.RequiredArticles = append(domain.RequiredArticles(nil), articles...)
	}
	return out, nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}
