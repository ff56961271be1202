package dev

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/taskup/outbox/cmd/config"
	"github.com/taskup/outbox/cmd/serve"
	"github.com/taskup/outbox/cmd/util"
)

func NewCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start the outbox sync engine in development mode",
		Long:  "Start the outbox sync engine with development-friendly defaults (in-memory store, manual connectivity).\n\nThis command is an alias for: outbox serve --store-kind memory --connectivity-kind manual",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return util.ReadConfig(cmd, vip)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Parse(vip); err != nil {
				return err
			}

			return serve.Serve(cfg)
		},
	}

	// bind config file flag
	cmd.Flags().StringP("config", "c", "", "config file (default outbox.yaml)")

	// bind config (same as serve command)
	_ = cfg.Bind(cmd.Flags(), vip)

	// dev defaults yield to flags, env and config file
	vip.SetDefault("Store.Kind", string(config.Memory))
	vip.SetDefault("Connectivity.Kind", string(config.Manual))
	vip.SetDefault("LogLevel", "debug")

	// maintain defined order of flags
	cmd.Flags().SortFlags = false

	return cmd
}
