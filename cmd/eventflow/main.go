// Command eventflow runs the EventFlow bus with its admin API, a demo walkthrough and config tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "config/eventflow.yaml"
	loggerPrefix      = "eventflow "
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "eventflow",
		Short: "In-process hierarchical event bus",
		Long: `EventFlow routes typed events between publishers and subscribers over
slash-delimited topics. A recursive publish reaches every topic under the
publish topic.

Available commands:
  serve            Run the bus with the admin HTTP API
  demo             Walk through subscribe, publish, valve and removal in-process
  config validate  Check a configuration file`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadDotEnv()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newDemoCmd())
	root.AddCommand(newConfigCmd(&configPath))
	return root
}

// loadDotEnv loads .env from the working directory when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func newLogger(out io.Writer) *log.Logger {
	return log.New(out, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}
