package domain

import (
	"encoding/json"
	"testing"
	"time"

	pkgerrors "github.com/k-code-yt/warehouse-ingest/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInventoryEventDecodesFileFormat(t *testing.T) {
	raw := `{"art_id":"1","name":"leg","stock":"12","fileCreatedAt":"2024-03-01T10:00:00.123456Z"}`

	var ev InventoryUpdateEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))

	assert.Equal(t, "1", ev.Key())
	assert.Equal(t, "leg", ev.Name)
	assert.Equal(t, int64(12), ev.Stock)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC), ev.Watermark())
	assert.NoError(t, ev.Validate())
}

func TestInventoryEventDecodesEpochMillis(t *testing.T) {
	for _, raw := range []string{
		`{"artId":"7","name":"screw","stock":3,"sourceTimestamp":1700000000000}`,
		`{"artId":"7","name":"screw","stock":"3","sourceTimestamp":"1700000000000"}`,
	} {
		var ev InventoryUpdateEvent
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.Watermark())
		assert.Equal(t, int64(3), ev.Stock)
	}
}

func TestInventoryEventRoundTripKeepsMessageID(t *testing.T) {
	ev := NewInventoryUpdateEvent("1", "leg", 4, time.UnixMilli(100)).WithMessageID("m-1")

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var back InventoryUpdateEvent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev, back)
}

func TestInventoryEventValidate(t *testing.T) {
	ts := time.UnixMilli(100)
	cases := []InventoryUpdateEvent{
		NewInventoryUpdateEvent("", "leg", 1, ts),
		NewInventoryUpdateEvent("1", "leg", -1, ts),
		{ArtID: "1", Name: "leg", Stock: 1},
	}
	for _, ev := range cases {
		err := ev.Validate()
		assert.Error(t, err)
		assert.True(t, pkgerrors.IsValidationError(err))
	}
}

func TestProductEventDecodesFileFormat(t *testing.T) {
	raw := `{"name":"Dining Chair","contain_articles":[{"art_id":"1","amount_of":"4"},{"art_id":"2","amount_of":8}],"sourceTimestamp":100}`

	var ev ProductUpdateEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))

	assert.Equal(t, "Dining Chair", ev.Key())
	assert.Equal(t, RequiredArticles{{ArticleID: "1", Amount: 4}, {ArticleID: "2", Amount: 8}}, ev.RequiredArticles)
	assert.Equal(t, time.UnixMilli(100).UTC(), ev.Watermark())
	assert.NoError(t, ev.Validate())
}

func TestProductEventFieldsAreCopied(t *testing.T) {
	ev := NewProductUpdateEvent("table", []ArticleAmount{{ArticleID: "1", Amount: 4}}, time.UnixMilli(1))
	fields := ev.Fields()
	require.Len(t, fields, 1)

	fields[0].Value.(RequiredArticles)[0].Amount = 99
	assert.Equal(t, int64(4), ev.RequiredArticles[0].Amount)
}

func TestProductEventValidate(t *testing.T) {
	ev := NewProductUpdateEvent("table", []ArticleAmount{{ArticleID: "1", Amount: 0}}, time.UnixMilli(1))
	assert.True(t, pkgerrors.IsValidationError(ev.Validate()))
}

func TestRequiredArticlesScan(t *testing.T) {
	var r RequiredArticles
	require.NoError(t, r.Scan([]byte(`[{"articleId":"1","amount":2}]`)))
	assert.Equal(t, RequiredArticles{{ArticleID: "1", Amount: 2}}, r)

	v, err := r.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"articleId":"1","amount":2}]`, v.(string))
}

func TestOptimisticConflictIsStale(t *testing.T) {
	var err error = &OptimisticConflictError{Kind: EntityKind_Article, Key: "1", ExpectedVersion: 2}
	assert.ErrorIs(t, err, ErrStaleRejection)
	assert.Equal(t, pkgerrors.CodeStaleRejection, pkgerrors.GetErrorCode(err))
}
