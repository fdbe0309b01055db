package mutation

import (
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
)

// Filter selects the single record a mutation may touch.
type Filter struct {
	Key string
	// WatermarkBefore requires the stored watermark to be strictly older.
	WatermarkBefore time.Time
	// ExpectedVersion, when set, requires the stored version to be equal.
	ExpectedVersion *int64
	// MessageIDNot, when set, requires the stored lastMessageId to differ.
	MessageIDNot string
}

// Update sets the business fields and the watermark. The version is always
// bumped by one, or initialised to domain.InitialVersion on insert.
type Update struct {
	Fields    []domain.Field
	Watermark time.Time
	MessageID string
}

type Mutation struct {
	Filter Filter
	Update Update
	Upsert bool
}

// Guarded reports whether the mutation carries a version condition.
func (m Mutation) Guarded() bool {
	return m.Filter.ExpectedVersion != nil
}

// Snapshot is the part of a stored record the guard looks at.
type Snapshot struct {
	Version       int64
	Watermark     time.Time
	LastMessageID string
}

// Matches reports whether the filter selects a record in state s.
func (m Mutation) Matches(s Snapshot) bool {
	if !s.Watermark.Before(m.Filter.WatermarkBefore) {
		return false
	}
	if m.Guarded() && s.Version != *m.Filter.ExpectedVersion {
		return false
	}
	if m.Filter.MessageIDNot != "" && s.LastMessageID == m.Filter.MessageIDNot {
		return false
	}
	return true
}

// NextVersion is the version a record ends up with after this mutation.
// existing is nil when the mutation creates the record.
func NextVersion(existing *int64) int64 {
	if existing == nil {
		return domain.InitialVersion
	}
	return *existing + 1
}

// Build turns an event into a mutation. observed is the version read for
// the event's key, nil when no record was seen. A version guard is added
// only when a version was observed, and upsert is allowed only when it was
// not.
func Build[E domain.UpdateEvent](ev E, observed *int64) Mutation {
	m := Mutation{
		Filter: Filter{
			Key:             ev.Key(),
			WatermarkBefore: ev.Watermark(),
			MessageIDNot:    ev.MessageID(),
		},
		Update: Update{
			Fields:    ev.Fields(),
			Watermark: ev.Watermark(),
			MessageID: ev.MessageID(),
		},
		Upsert: observed == nil,
	}
	if observed != nil {
		v := *observed
		m.Filter.ExpectedVersion = &v
	}
	return m
}

// BuildAll builds one mutation per event using a pre-fetched key to version
// map. Duplicate keys are kept as separate mutations.
func BuildAll[E domain.UpdateEvent](events []E, versions map[string]int64) []Mutation {
	out := make([]Mutation, 0, len(events))
	for _, ev := range events {
		var observed *int64
		if v, ok := versions[ev.Key()]; ok {
			observed = &v
		}
		out = append(out, Build(ev, observed))
	}
	return out
}
