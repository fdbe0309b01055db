package mutation

import (
	"sort"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
)

type UpdateResult struct {
	MatchedCount int64
	Upserted     bool
}

func (r UpdateResult) Applied() bool {
	return r.MatchedCount > 0 || r.Upserted
}

type WriteError struct {
	Index   int
	Code    int
	Message string
}

// BulkResult is what an unordered bulk write reports back.
type BulkResult struct {
	MatchedCount    int64
	UpsertedIndices []int
	// MatchedIndices lists the positions that matched an existing record.
	// Nil when the backend cannot tell which ones did.
	MatchedIndices []int
	WriteErrors    []WriteError
}

// NotApplied returns the positions, out of n submitted mutations, that did
// not take effect. Without per-position match data a batch whose matched
// count equals n is treated as fully applied, otherwise every position that
// was not an insert counts as not applied.
func NotApplied(n int, res BulkResult) []int {
	inserted := indexSet(res.UpsertedIndices)

	if res.MatchedIndices != nil {
		matched := indexSet(res.MatchedIndices)
		var out []int
		for i := 0; i < n; i++ {
			if !inserted[i] && !matched[i] {
				out = append(out, i)
			}
		}
		return out
	}

	if res.MatchedCount == int64(n) {
		return nil
	}
	var out []int
	for i := 0; i < n; i++ {
		if !inserted[i] {
			out = append(out, i)
		}
	}
	return out
}

// Classify splits the events that were not applied into hard failures,
// which the store rejected with an explicit error, and stale rejections,
// whose guard matched nothing. The returned messages line up with the hard
// failures.
func Classify[E domain.UpdateEvent](events []E, res BulkResult) (domain.ConflictReport[E], []string) {
	var report domain.ConflictReport[E]

	errs := make([]WriteError, 0, len(res.WriteErrors))
	failed := map[int]bool{}
	for _, we := range res.WriteErrors {
		if we.Index < 0 || we.Index >= len(events) || failed[we.Index] {
			continue
		}
		failed[we.Index] = true
		errs = append(errs, we)
	}
	sort.Slice(errs, func(a, b int) bool { return errs[a].Index < errs[b].Index })

	messages := make([]string, 0, len(errs))
	for _, we := range errs {
		report.HardFailures = append(report.HardFailures, events[we.Index])
		messages = append(messages, we.Message)
	}

	for _, i := range NotApplied(len(events), res) {
		if failed[i] {
			continue
		}
		report.StaleRejections = append(report.StaleRejections, events[i])
	}
	return report, messages
}

func indexSet(idx []int) map[int]bool {
	set := make(map[int]bool, len(idx))
	for _, i := range idx {
		set[i] = true
	}
	return set
}
