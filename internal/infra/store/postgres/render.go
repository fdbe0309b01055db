package pgstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/mutation"
)

const (
	DBTableName_Articles = "articles"
	DBTableName_Products = "products"
)

type tableSpec struct {
	name    string
	key     string
	columns map[string]string
}

var tables = map[domain.EntityKind]tableSpec{
	domain.EntityKind_Article: {
		name: DBTableName_Articles,
		key:  "id",
		columns: map[string]string{
			domain.FieldName:  "name",
			domain.FieldStock: "stock",
		},
	},
	domain.EntityKind_Product: {
		name: DBTableName_Products,
		key:  "name",
		columns: map[string]string{
			domain.FieldRequiredArticles: "required_articles",
		},
	},
}

type statement struct {
	query string
	args  []any
	// returnsRow is set for the insert form, which reports through
	// RETURNING whether the row was inserted or updated.
	returnsRow bool
}

type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// render turns a mutation into a single statement. Creation attempts become
// INSERT ... ON CONFLICT DO UPDATE with the guard in the conflict WHERE
// clause, guarded writes become a plain UPDATE.
func render(table tableSpec, m mutation.Mutation, now time.Time) (statement, error) {
	if m.Upsert {
		return renderUpsert(table, m, now)
	}
	return renderUpdate(table, m, now)
}

func renderUpsert(table tableSpec, m mutation.Mutation, now time.Time) (statement, error) {
	var a argList
	cols := []string{table.key}
	vals := []string{a.add(m.Filter.Key)}
	var sets []string

	for _, f := range m.Update.Fields {
		col, ok := table.columns[f.Name]
		if !ok {
			return statement{}, fmt.Errorf("no column for field %q in %s", f.Name, table.name)
		}
		cols = append(cols, col)
		vals = append(vals, a.add(f.Value))
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	ts := a.add(m.Update.Watermark)
	msgID := a.add(nullString(m.Update.MessageID))
	version := a.add(domain.InitialVersion)
	nowArg := a.add(now)
	cols = append(cols, "source_ts", "last_message_id", "version", "created_at", "updated_at")
	vals = append(vals, ts, msgID, version, nowArg, nowArg)
	sets = append(sets,
		"source_ts = EXCLUDED.source_ts",
		"last_message_id = COALESCE(EXCLUDED.last_message_id, t.last_message_id)",
		"version = t.version + 1",
		"updated_at = EXCLUDED.updated_at",
	)

	where := []string{"t.source_ts < " + a.add(m.Filter.WatermarkBefore)}
	if m.Guarded() {
		where = append(where, "t.version = "+a.add(*m.Filter.ExpectedVersion))
	}
	if m.Filter.MessageIDNot != "" {
		where = append(where, "t.last_message_id IS DISTINCT FROM "+a.add(m.Filter.MessageIDNot))
	}

	query := fmt.Sprintf(
		`INSERT INTO %s AS t (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s RETURNING (xmax = 0) AS inserted`,
		table.name,
		strings.Join(cols, ", "),
		strings.Join(vals, ", "),
		table.key,
		strings.Join(sets, ", "),
		strings.Join(where, " AND "),
	)
	return statement{query: query, args: a.args, returnsRow: true}, nil
}

func renderUpdate(table tableSpec, m mutation.Mutation, now time.Time) (statement, error) {
	var a argList
	var sets []string

	for _, f := range m.Update.Fields {
		col, ok := table.columns[f.Name]
		if !ok {
			return statement{}, fmt.Errorf("no column for field %q in %s", f.Name, table.name)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, a.add(f.Value)))
	}
	sets = append(sets,
		"source_ts = "+a.add(m.Update.Watermark),
		"last_message_id = COALESCE("+a.add(nullString(m.Update.MessageID))+", last_message_id)",
		"version = version + 1",
		"updated_at = "+a.add(now),
	)

	where := []string{
		table.key + " = " + a.add(m.Filter.Key),
		"source_ts < " + a.add(m.Filter.WatermarkBefore),
	}
	if m.Guarded() {
		where = append(where, "version = "+a.add(*m.Filter.ExpectedVersion))
	}
	if m.Filter.MessageIDNot != "" {
		where = append(where, "last_message_id IS DISTINCT FROM "+a.add(m.Filter.MessageIDNot))
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`,
		table.name, strings.Join(sets, ", "), strings.Join(where, " AND "))
	return statement{query: query, args: a.args}, nil
}
