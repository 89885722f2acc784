package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/stationd/stationd/internal/bus"
)

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [flags] [test path]",
		Short: "Asks a running harness to stop tests",
		Long:  `stationd stop [--fail] [--reason=<text>] [test path]`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			fail, _ := cmd.Flags().GetBool("fail")
			reason, _ := cmd.Flags().GetString("reason")
			err := sendControl(bus.Event{
				Type:   bus.TypeStop,
				Path:   path,
				Fail:   fail,
				Reason: reason,
			})
			if err != nil {
				// nolint
				log.Fatalf("Failed to send stop request: %v", err)
			}
		},
	}

	cmd.Flags().Bool("fail", false, "mark stopped tests as failed instead of untested")
	cmd.Flags().String("reason", "Stopped by operator", "reason recorded on stopped tests")
	return cmd
}
