package version

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/taskup/outbox/internal/version"
)

func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the outbox version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "outbox version", version.Full())
		},
	}
}
