package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/stationd/stationd/internal/bus"
	"github.com/stationd/stationd/internal/state"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [test path]",
		Short: "Asks a running harness to start tests",
		Long:  `stationd run [--restart] [--failed] [test path]`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			restart, _ := cmd.Flags().GetBool("restart")
			failed, _ := cmd.Flags().GetBool("failed")

			ev := bus.Event{Type: bus.TypeAutoRun, Path: path}
			switch {
			case restart:
				ev.Type = bus.TypeRestartTests
			case failed:
				ev.Type = bus.TypeRunTestsWithStatus
				ev.Statuses = []state.Status{
					state.StatusUntested, state.StatusFailed,
				}
			}
			if err := sendControl(ev); err != nil {
				// nolint
				log.Fatalf("Failed to send run request: %v", err)
			}
		},
	}

	cmd.Flags().Bool("restart", false, "clear recorded state first and run everything")
	cmd.Flags().Bool("failed", false, "include previously failed tests")
	return cmd
}

// sendControl delivers a control event to the harness over NATS. This only
// works when the harness was started with a NATS URL configured.
func sendControl(ev bus.Event) error {
	cfg, err := configForControl()
	if err != nil {
		return err
	}
	nb, err := bus.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer func() { _ = nb.Close() }()
	return nb.PublishControl(ev)
}
