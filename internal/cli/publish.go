package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/spf13/cobra"
)

const (
	Kind_Inventory = "inventory"
	Kind_Product   = "product"

	Header_SourceFile = "x-source-file"
)

type publishOptions struct {
	kind  string
	file  string
	ts    string
	chunk int
	topic string
}

// NewPublishCommand creates the publish command, which loads a warehouse
// export file onto the primary topic of its entity kind.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an inventory or product export file",
		Long: `Publish an export file ({"inventory":[...]} or {"products":[...]}).

Events without a sourceTimestamp are stamped with --ts, or with the file
modification time when --ts is not given. Every event gets a fresh messageId.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", "", "inventory or product")
	cmd.Flags().StringVar(&opts.file, "file", "", "path of the export file")
	cmd.Flags().StringVar(&opts.ts, "ts", "", "sourceTimestamp as epoch millis or RFC 3339")
	cmd.Flags().IntVar(&opts.chunk, "chunk", 100, "events per message")
	cmd.Flags().StringVar(&opts.topic, "topic", "", "override the configured topic")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runPublish(cmd *cobra.Command, rootOpts *RootOptions, opts *publishOptions) error {
	cfg := rootOpts.cfg
	topic := opts.topic
	if topic == "" {
		switch opts.kind {
		case Kind_Inventory:
			topic = cfg.Topics.Inventory
		case Kind_Product:
			topic = cfg.Topics.Product
		}
	}

	data, err := os.ReadFile(opts.file)
	if err != nil {
		return err
	}
	ts, err := sourceTimestamp(opts.ts, opts.file)
	if err != nil {
		return err
	}

	records, count, err := BuildRecords(opts.kind, data, ts, opts.chunk, uuid.NewString)
	if err != nil {
		return err
	}
	for i := range records {
		records[i].Headers = map[string]string{Header_SourceFile: filepath.Base(opts.file)}
	}

	publisher, closeFn, err := rootOpts.newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	if err := publisher.Publish(ctx, topic, records); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %d %s events in %d messages to %s\n", count, opts.kind, len(records), topic)
	return nil
}

func sourceTimestamp(flag, file string) (time.Time, error) {
	if flag != "" {
		return domain.ParseTimestamp(flag)
	}
	info, err := os.Stat(file)
	if err != nil {
		return time.Time{}, err
	}
	return domain.NormalizeTimestamp(info.ModTime()), nil
}

type inventoryFile struct {
	Inventory []domain.InventoryUpdateEvent `json:"inventory"`
}

type productFile struct {
	Products []domain.ProductUpdateEvent `json:"products"`
}

// BuildRecords parses an export file and renders its events as JSON array
// records of at most chunk events each. It returns the number of events.
func BuildRecords(kind string, data []byte, ts time.Time, chunk int, newID func() string) ([]pkgkafka.Record, int, error) {
	switch kind {
	case Kind_Inventory:
		var f inventoryFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, 0, fmt.Errorf("parse inventory file: %w", err)
		}
		for i, ev := range f.Inventory {
			if ev.SourceTimestamp.IsZero() {
				ev.SourceTimestamp = domain.NormalizeTimestamp(ts)
			}
			f.Inventory[i] = ev.WithMessageID(newID())
		}
		return chunkRecords(f.Inventory, chunk)
	case Kind_Product:
		var f productFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, 0, fmt.Errorf("parse product file: %w", err)
		}
		for i, ev := range f.Products {
			if ev.SourceTimestamp.IsZero() {
				ev.SourceTimestamp = domain.NormalizeTimestamp(ts)
			}
			f.Products[i] = ev.WithMessageID(newID())
		}
		return chunkRecords(f.Products, chunk)
	}
	return nil, 0, fmt.Errorf("unknown kind %q, expected %s or %s", kind, Kind_Inventory, Kind_Product)
}

func chunkRecords[E domain.UpdateEvent](events []E, chunk int) ([]pkgkafka.Record, int, error) {
	if chunk < 1 {
		chunk = 1
	}
	var errs []error
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, 0, errors.Join(errs...)
	}

	records := make([]pkgkafka.Record, 0, (len(events)+chunk-1)/chunk)
	for start := 0; start < len(events); start += chunk {
		end := min(start+chunk, len(events))
		value, err := json.Marshal(events[start:end])
		if err != nil {
			return nil, 0, err
		}
		records = append(records, pkgkafka.Record{
			Key:   events[start].Key(),
			Value: value,
		})
	}
	return records, len(events), nil
}
