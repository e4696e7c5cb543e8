package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
)

func main() {
	log := logger.New()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("Received interrupt signal. Shutting down...")
		cancel()
	}()

	if err := newRootCmd(log).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Process stopped due to user interrupt (Ctrl+C)")
			return
		}
		log.Fatalf("Error: %v", err)
	}
}

func newRootCmd(log *logger.Logger) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Relationship preserving record migration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetLevel(opts.logLevel)
		},
	}
	opts.bind(root)

	root.AddCommand(
		newRunCmd(opts, log),
		newValidateCmd(opts, log),
		newCompareCmd(opts, log),
		newGenerateCmd(opts, log),
		newExportCmd(opts, log),
	)
	return root
}
