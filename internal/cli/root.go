package cli

import (
	"github.com/k-code-yt/warehouse-ingest/internal/config"
	"github.com/k-code-yt/warehouse-ingest/internal/handlers"
	"github.com/k-code-yt/warehouse-ingest/internal/logging"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/spf13/cobra"
)

// PublisherFactory opens a publisher and returns the function closing it.
type PublisherFactory func(cfg *config.Config) (handlers.Publisher, func(), error)

// RootOptions holds global flags and the config loaded from them.
type RootOptions struct {
	ConfigFile string

	cfg          *config.Config
	newPublisher PublisherFactory
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{newPublisher: kafkaPublisher})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warehousectl",
		Short: "Operate the warehouse ingest pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(opts.ConfigFile)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Log); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (defaults to $CONFIG_FILE)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	return cmd
}

func kafkaPublisher(cfg *config.Config) (handlers.Publisher, func(), error) {
	p, err := pkgkafka.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
