package main

import (
	"os"

	"github.com/k-code-yt/warehouse-ingest/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
