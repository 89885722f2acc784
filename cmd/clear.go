package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/stationd/stationd/internal/bus"
)

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [test path]",
		Short: "Asks a running harness to clear recorded test state",
		Args:  cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			err := sendControl(bus.Event{
				Type: bus.TypeClearState,
				Path: path,
			})
			if err != nil {
				// nolint
				log.Fatalf("Failed to send clear request: %v", err)
			}
		},
	}
}
