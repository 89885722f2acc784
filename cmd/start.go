package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stationd/stationd/internal/config"
	"github.com/stationd/stationd/internal/harness"
	"github.com/stationd/stationd/internal/logger"
	"github.com/stationd/stationd/internal/runner"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags]",
		Short: "Runs the test station harness",
		Long:  `stationd start [--test-list=<file>]`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := config.Load()
			if err != nil {
				// nolint
				log.Fatalf("Failed to load config: %v", err)
			}
			if file, _ := cmd.Flags().GetString("test-list"); file != "" {
				cfg.TestList = file
			}

			lgOpts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
			if cfg.Debug {
				lgOpts = append(lgOpts, logger.WithDebug())
			}
			lg := logger.NewLogger(lgOpts...)

			h, err := harness.New(cfg, harness.WithLogger(lg))
			if err != nil {
				lg.Error("Failed to create harness", "err", err)
				os.Exit(1)
			}
			h.RegisterRunner("exec", runner.NewExec(lg))

			ctx, stop := signal.NotifyContext(
				cmd.Context(), os.Interrupt, syscall.SIGTERM,
			)
			defer stop()

			if err := h.Run(ctx); err != nil {
				lg.Error("Harness exited with error", "err", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringP("test-list", "t", "", "test list file")
	return cmd
}
