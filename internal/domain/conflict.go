package domain

import (
	"fmt"

	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
)

// ErrStaleRejection matches every write rejected because its guard no longer
// held: version moved on, or the stored watermark is not older.
var ErrStaleRejection = pkgerrors.ErrStaleRejection

// OptimisticConflictError is returned by the single event path when the
// guarded write matched no document and inserted none.
type OptimisticConflictError struct {
	Kind            EntityKind
	Key             string
	ExpectedVersion int64
}

func (e *OptimisticConflictError) Error() string {
	return fmt.Sprintf("optimistic conflict on %s %q at version %d", e.Kind, e.Key, e.ExpectedVersion)
}

func (e *OptimisticConflictError) Unwrap() error {
	return ErrStaleRejection
}

// ConflictReport splits the events of a batch that were not applied. The two
// subsets are disjoint.
type ConflictReport[E UpdateEvent] struct {
	HardFailures    []E
	StaleRejections []E
}

func (r ConflictReport[E]) Empty() bool {
	return len(r.HardFailures) == 0 && len(r.StaleRejections) == 0
}

func (r ConflictReport[E]) Len() int {
	return len(r.HardFailures) + len(r.StaleRejections)
}

// BatchWriteConflict is returned by the batch path when at least one event
// of the batch was not applied.
type BatchWriteConflict[E UpdateEvent] struct {
	Kind   EntityKind
	Total  int
	Report ConflictReport[E]

	// WriteErrors carries the store message for each hard failure, in the
	// same order as Report.HardFailures.
	WriteErrors []string
}

func (e *BatchWriteConflict[E]) Error() string {
	return fmt.Sprintf("batch write conflict on %s: %d of %d not applied (%d hard failures, %d stale)",
		e.Kind, e.Report.Len(), e.Total, len(e.Report.HardFailures), len(e.Report.StaleRejections))
}
