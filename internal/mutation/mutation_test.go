package mutation

import (
	"testing"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestBuildWithoutObservedVersion(t *testing.T) {
	ev := domain.NewInventoryUpdateEvent("1", "leg", 10, time.UnixMilli(100))

	m := Build(ev, nil)

	assert.True(t, m.Upsert)
	assert.False(t, m.Guarded())
	assert.Equal(t, "1", m.Filter.Key)
	assert.Equal(t, ev.Watermark(), m.Filter.WatermarkBefore)
	assert.Equal(t, ev.Watermark(), m.Update.Watermark)
	assert.Equal(t, []domain.Field{
		{Name: domain.FieldName, Value: "leg"},
		{Name: domain.FieldStock, Value: int64(10)},
	}, m.Update.Fields)
}

func TestBuildWithObservedVersion(t *testing.T) {
	ev := domain.NewInventoryUpdateEvent("1", "leg", 10, time.UnixMilli(100))
	observed := ptr(3)

	m := Build(ev, observed)

	assert.False(t, m.Upsert)
	require.True(t, m.Guarded())
	assert.Equal(t, int64(3), *m.Filter.ExpectedVersion)

	*observed = 7
	assert.Equal(t, int64(3), *m.Filter.ExpectedVersion)
}

func TestBuildIsDeterministic(t *testing.T) {
	ev := domain.NewProductUpdateEvent("chair", []domain.ArticleAmount{{ArticleID: "1", Amount: 4}}, time.UnixMilli(5))
	assert.Equal(t, Build(ev, ptr(1)), Build(ev, ptr(1)))
}

func TestBuildCarriesMessageID(t *testing.T) {
	ev := domain.NewInventoryUpdateEvent("1", "leg", 10, time.UnixMilli(100)).WithMessageID("m-1")
	m := Build(ev, nil)
	assert.Equal(t, "m-1", m.Filter.MessageIDNot)
	assert.Equal(t, "m-1", m.Update.MessageID)
}

func TestBuildAllKeepsDuplicates(t *testing.T) {
	events := []domain.InventoryUpdateEvent{
		domain.NewInventoryUpdateEvent("1", "leg", 1, time.UnixMilli(10)),
		domain.NewInventoryUpdateEvent("1", "leg", 2, time.UnixMilli(20)),
		domain.NewInventoryUpdateEvent("2", "screw", 3, time.UnixMilli(20)),
	}

	ms := BuildAll(events, map[string]int64{"1": 4})

	require.Len(t, ms, 3)
	assert.Equal(t, int64(4), *ms[0].Filter.ExpectedVersion)
	assert.Equal(t, int64(4), *ms[1].Filter.ExpectedVersion)
	assert.True(t, ms[2].Upsert)
}

func TestMatches(t *testing.T) {
	m := Build(domain.NewInventoryUpdateEvent("1", "leg", 1, time.UnixMilli(100)).WithMessageID("m"), ptr(2))

	assert.True(t, m.Matches(Snapshot{Version: 2, Watermark: time.UnixMilli(99)}))
	assert.False(t, m.Matches(Snapshot{Version: 2, Watermark: time.UnixMilli(100)}))
	assert.False(t, m.Matches(Snapshot{Version: 3, Watermark: time.UnixMilli(99)}))
	assert.False(t, m.Matches(Snapshot{Version: 2, Watermark: time.UnixMilli(99), LastMessageID: "m"}))
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, domain.InitialVersion, NextVersion(nil))
	assert.Equal(t, int64(5), NextVersion(ptr(4)))
}
