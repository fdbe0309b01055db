package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/config"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/handlers"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inventoryExport = `{
  "inventory": [
    {"art_id": "1", "name": "leg", "stock": "12"},
    {"art_id": "2", "name": "screw", "stock": "17"},
    {"art_id": "3", "name": "seat", "stock": "2"}
  ]
}`

const productExport = `{
  "products": [
    {"name": "Dining Chair", "contain_articles": [
      {"art_id": "1", "amount_of": "4"},
      {"art_id": "2", "amount_of": "8"}
    ]}
  ]
}`

type capturePublisher struct {
	topic   string
	records []pkgkafka.Record
	err     error
	closed  bool
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, records []pkgkafka.Record) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.records = append(p.records, records...)
	return nil
}

func sequence() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m-%d", n)
	}
}

func testRoot(t *testing.T, pub *capturePublisher) (*RootOptions, *bytes.Buffer) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CONFIG_FILE", "")
	opts := &RootOptions{
		newPublisher: func(cfg *config.Config) (handlers.Publisher, func(), error) {
			return pub, func() { pub.closed = true }, nil
		},
	}
	return opts, &bytes.Buffer{}
}

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBuildRecordsInventoryChunks(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	records, count, err := BuildRecords(Kind_Inventory, []byte(inventoryExport), ts, 2, sequence())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].Key)
	assert.Equal(t, "3", records[1].Key)

	var first []domain.InventoryUpdateEvent
	require.NoError(t, json.Unmarshal(records[0].Value, &first))
	require.Len(t, first, 2)
	assert.Equal(t, int64(12), first[0].Stock)
	assert.Equal(t, "m-1", first[0].MsgID)
	assert.Equal(t, "m-2", first[1].MsgID)
	assert.True(t, ts.Equal(first[0].SourceTimestamp))
}

func TestBuildRecordsProduct(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	records, count, err := BuildRecords(Kind_Product, []byte(productExport), ts, 100, sequence())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, records, 1)
	assert.Equal(t, "Dining Chair", records[0].Key)

	var events []domain.ProductUpdateEvent
	require.NoError(t, json.Unmarshal(records[0].Value, &events))
	assert.Equal(t, domain.RequiredArticles{{ArticleID: "1", Amount: 4}, {ArticleID: "2", Amount: 8}}, events[0].RequiredArticles)
}

func TestBuildRecordsRejectsInvalid(t *testing.T) {
	_, _, err := BuildRecords(Kind_Inventory, []byte(`{"inventory":[{"art_id":"1","stock":"-3"}]}`), time.Now(), 10, sequence())
	assert.Error(t, err)

	_, _, err = BuildRecords("orders", []byte(`{}`), time.Now(), 10, sequence())
	assert.Error(t, err)

	_, _, err = BuildRecords(Kind_Product, []byte(`{"products":`), time.Now(), 10, sequence())
	assert.Error(t, err)
}

func TestPublishCommand(t *testing.T) {
	pub := &capturePublisher{}
	opts, out := testRoot(t, pub)
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"publish", "--kind", "inventory", "--file", writeExport(t, inventoryExport), "--ts", "1700000000000", "--chunk", "2"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "inventory.update", pub.topic)
	require.Len(t, pub.records, 2)
	assert.Equal(t, "export.json", pub.records[0].Headers[Header_SourceFile])
	assert.True(t, pub.closed)
	assert.Contains(t, out.String(), "Published 3 inventory events in 2 messages")
}

func TestPublishCommandTopicOverride(t *testing.T) {
	pub := &capturePublisher{}
	opts, out := testRoot(t, pub)
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"publish", "--kind", "product", "--file", writeExport(t, productExport), "--topic", "product.replay"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "product.replay", pub.topic)
}

func TestPublishCommandFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker unreachable")}
	opts, out := testRoot(t, pub)
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"publish", "--kind", "product", "--file", writeExport(t, productExport)})

	assert.Error(t, cmd.Execute())
	assert.True(t, pub.closed)
}

func TestPublishRequiresFlags(t *testing.T) {
	opts, out := testRoot(t, &capturePublisher{})
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"publish", "--kind", "product"})

	assert.Error(t, cmd.Execute())
}

func TestMigrateRejectsUnknownAction(t *testing.T) {
	opts, out := testRoot(t, &capturePublisher{})
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"migrate", "sideways"})

	assert.Error(t, cmd.Execute())
}

func TestCommandTree(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"migrate", "publish"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}
