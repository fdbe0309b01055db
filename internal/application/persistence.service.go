package application

import (
	"context"
	"fmt"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	"github.com/sirupsen/logrus"
)

// PersistenceService applies update events of one entity kind with
// optimistic concurrency and a source watermark guard.
type PersistenceService[E domain.UpdateEvent] struct {
	store DocumentStore
	kind  domain.EntityKind
	log   logrus.FieldLogger
}

func NewPersistenceService[E domain.UpdateEvent](store DocumentStore, kind domain.EntityKind, log logrus.FieldLogger) *PersistenceService[E] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PersistenceService[E]{
		store: store,
		kind:  kind,
		log:   log.WithField("KIND", kind),
	}
}

func (s *PersistenceService[E]) Kind() domain.EntityKind {
	return s.kind
}

// ApplyOne writes a single event. It returns *domain.OptimisticConflictError
// when the guarded write was rejected, which covers both a concurrent writer
// winning and the event being older than the stored record.
func (s *PersistenceService[E]) ApplyOne(ctx context.Context, ev E) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	key := ev.Key()

	versions, err := s.store.FindVersions(ctx, s.kind, []string{key})
	if err != nil {
		return fmt.Errorf("read version of %s %q: %w", s.kind, key, err)
	}
	var observed *int64
	if v, ok := versions[key]; ok {
		observed = &v
	}

	m := mutation.Build(ev, observed)
	res, err := s.store.UpdateOne(ctx, s.kind, m)
	if err != nil {
		return fmt.Errorf("write %s %q: %w", s.kind, key, err)
	}

	if !res.Applied() {
		expected := int64(-1)
		if observed != nil {
			expected = *observed
		}
		s.log.WithFields(logrus.Fields{
			"KEY":     key,
			"VERSION": expected,
			"TS":      ev.Watermark(),
		}).Debug("APPLY:STALE")
		return &domain.OptimisticConflictError{Kind: s.kind, Key: key, ExpectedVersion: expected}
	}

	s.log.WithFields(logrus.Fields{
		"KEY":      key,
		"UPSERTED": res.Upserted,
		"VERSION":  mutation.NextVersion(observed),
	}).Debug("APPLY:SUCCESS")
	return nil
}

// ApplyBatch writes all events in one unordered bulk write. When some of
// them were not applied it returns *domain.BatchWriteConflict carrying the
// hard failures and the stale rejections. Any other error means the outcome
// of the batch is unknown.
func (s *PersistenceService[E]) ApplyBatch(ctx context.Context, events []E) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return err
		}
	}

	keys := distinctKeys(events)
	versions, err := s.store.FindVersions(ctx, s.kind, keys)
	if err != nil {
		return fmt.Errorf("read versions of %d %s keys: %w", len(keys), s.kind, err)
	}

	ms := mutation.BuildAll(events, versions)
	res, err := s.store.BulkWrite(ctx, s.kind, ms)
	if err != nil {
		return fmt.Errorf("bulk write of %d %s events: %w", len(ms), s.kind, err)
	}

	report, messages := mutation.Classify(events, res)
	fields := logrus.Fields{
		"TOTAL":    len(events),
		"MATCHED":  res.MatchedCount,
		"UPSERTED": len(res.UpsertedIndices),
		"FAILED":   len(report.HardFailures),
		"STALE":    len(report.StaleRejections),
	}
	if report.Empty() {
		s.log.WithFields(fields).Debug("BULK:SUCCESS")
		return nil
	}

	s.log.WithFields(fields).Warn("BULK:CONFLICT")
	return &domain.BatchWriteConflict[E]{
		Kind:        s.kind,
		Total:       len(events),
		Report:      report,
		WriteErrors: messages,
	}
}

func distinctKeys[E domain.UpdateEvent](events []E) []string {
	seen := make(map[string]struct{}, len(events))
	keys := make([]string, 0, len(events))
	for _, ev := range events {
		k := ev.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
