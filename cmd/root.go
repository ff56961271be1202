package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/taskup/outbox/cmd/config"
	"github.com/taskup/outbox/cmd/dev"
	"github.com/taskup/outbox/cmd/queue"
	"github.com/taskup/outbox/cmd/serve"
	"github.com/taskup/outbox/cmd/version"
)

func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "outbox",
		Short:        "Offline mutation queue and sync engine",
		SilenceUsage: true,
	}

	// Add subcommands, each with its own configuration
	cmd.AddCommand(serve.NewCmd(&config.Config{}, viper.New()))
	cmd.AddCommand(dev.NewCmd(&config.Config{}, viper.New()))
	cmd.AddCommand(queue.NewCmd(&config.Config{}, viper.New()))
	cmd.AddCommand(version.NewCmd())

	// Set default output
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	return cmd
}

func Execute() {
	if err := NewCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
