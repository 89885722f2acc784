package cmd

import (
	"log"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/stationd/stationd/internal/config"
	"github.com/stationd/stationd/internal/state"
	"github.com/stationd/stationd/internal/testlist"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows the recorded state of every test",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := config.Load()
			if err != nil {
				// nolint
				log.Fatalf("Failed to load config: %v", err)
			}
			if err := printStatus(cfg); err != nil {
				log.Fatalf("Failed to read status: %v", err)
			}
		},
	}
}

func printStatus(cfg *config.Config) error {
	list, err := testlist.Load(cfg.TestList)
	if err != nil {
		return err
	}
	store, err := state.OpenFileStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Test", "Status", "Runs", "Error"})
	list.Walk(func(n *testlist.Node) {
		if n.Path == "" {
			return
		}
		ts := store.TestState(n.Path)
		indent := strings.Repeat("  ", strings.Count(n.Path, "."))
		t.AppendRow(table.Row{
			indent + n.ID, ts.Status, ts.Count, ts.ErrorMsg,
		})
	})
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}
