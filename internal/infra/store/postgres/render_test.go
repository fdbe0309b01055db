package pgstore

import (
	"database/sql"
	"testing"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUpsert(t *testing.T) {
	ts := time.UnixMilli(100).UTC()
	now := time.UnixMilli(1000).UTC()
	m := mutation.Build(domain.NewInventoryUpdateEvent("1", "leg", 10, ts), nil)

	st, err := render(tables[domain.EntityKind_Article], m, now)
	require.NoError(t, err)

	assert.True(t, st.returnsRow)
	assert.Equal(t,
		`INSERT INTO articles AS t (id, name, stock, source_ts, last_message_id, version, created_at, updated_at) `+
			`VALUES ($1, $2, $3, $4, $5, $6, $7, $7) ON CONFLICT (id) DO UPDATE SET `+
			`name = EXCLUDED.name, stock = EXCLUDED.stock, source_ts = EXCLUDED.source_ts, `+
			`last_message_id = COALESCE(EXCLUDED.last_message_id, t.last_message_id), version = t.version + 1, `+
			`updated_at = EXCLUDED.updated_at WHERE t.source_ts < $8 RETURNING (xmax = 0) AS inserted`,
		st.query)
	assert.Equal(t, []any{"1", "leg", int64(10), ts, sql.NullString{}, domain.InitialVersion, now, ts}, st.args)
}

func TestRenderGuardedUpdate(t *testing.T) {
	ts := time.UnixMilli(100).UTC()
	now := time.UnixMilli(1000).UTC()
	v := int64(3)
	ev := domain.NewProductUpdateEvent("chair", []domain.ArticleAmount{{ArticleID: "1", Amount: 4}}, ts).WithMessageID("m")

	st, err := render(tables[domain.EntityKind_Product], mutation.Build(ev, &v), now)
	require.NoError(t, err)

	assert.False(t, st.returnsRow)
	assert.Equal(t,
		`UPDATE products SET required_articles = $1, source_ts = $2, last_message_id = COALESCE($3, last_message_id), `+
			`version = version + 1, updated_at = $4 WHERE name = $5 AND source_ts < $6 AND version = $7 `+
			`AND last_message_id IS DISTINCT FROM $8`,
		st.query)
	assert.Len(t, st.args, 8)
	assert.Equal(t, sql.NullString{String: "m", Valid: true}, st.args[2])
}

func TestRenderUnknownField(t *testing.T) {
	m := mutation.Mutation{Upsert: true, Update: mutation.Update{Fields: []domain.Field{{Name: "colour", Value: "red"}}}}
	_, err := render(tables[domain.EntityKind_Article], m, time.Now())
	assert.Error(t, err)
}

func TestSQLState(t *testing.T) {
	assert.Equal(t, 23505, sqlState("23505"))
	assert.Equal(t, -9999, sqlState("22P02"))
}
