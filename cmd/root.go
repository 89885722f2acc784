package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stationd/stationd/internal/build"
)

var (
	// cfgFile overrides the default config file location.
	cfgFile string

	// rootCmd is the base command when called without any subcommands.
	rootCmd = &cobra.Command{
		Use:   build.Slug,
		Short: "Factory test station harness.",
		Long:  `Factory test station harness: runs a test list against the device under test and keeps results across reboots.`,
	}
)

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func registerCommands() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(versionCmd())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"config file (default is $STATIOND_HOME/config.yaml)",
	)

	cobra.OnInitialize(initialize)

	registerCommands()
}

func initialize() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}
