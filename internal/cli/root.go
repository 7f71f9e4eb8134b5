// Package cli wires configuration, adapters and use cases into the eventpipe
// commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/pkg/config"
	"github.com/user/event-pipeline/pkg/logger"
)

const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
)

// app is the state shared by every command after the persistent pre-run.
type app struct {
	envFile string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds the eventpipe command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "eventpipe",
		Short: "Crawl event listings and deliver them to the event store.",
		Long: `eventpipe scrapes configured listing sources, deduplicates the rows against
earlier runs and publishes new or changed events to a durable queue. The consume
command drains that queue into PostgreSQL in batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			l, err := logger.Init(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env", ".env", "env file with process settings; the environment takes precedence")

	root.AddCommand(newCrawlCommand(a), newConsumeCommand(a), newMigrateCommand(a))
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case config.IsValidationError(err):
		return ExitValidation
	default:
		return ExitFailure
	}
}
