package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/taskup/outbox/cmd/config"
	"github.com/taskup/outbox/cmd/util"
	"github.com/taskup/outbox/internal/queue"
	"github.com/taskup/outbox/pkg/operation"
)

var queueExample = `
# List pending operations
outbox queue list

# Count pending operations in a postgres backed queue
outbox queue count --store-kind postgres --store-postgres-host db

# Queue an update while the remote api is unreachable
outbox queue enqueue update /tasks/42 '{"title":"ship it"}'

# Drop an operation that will never succeed
outbox queue remove 0f8fad5b-d9cb-469f-a165-70867728950e

# Drop every pending operation
outbox queue remove --all`

func NewCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Short:   "Inspect and edit the durable operation queue",
		Example: queueExample,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.ReadConfig(cmd, vip)
		},
	}

	// bind config file flag
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default outbox.yaml)")

	// bind store config only
	_ = cfg.Store.Bind(cmd.PersistentFlags(), vip)

	// maintain defined order of flags
	cmd.PersistentFlags().SortFlags = false

	// Add subcommands
	cmd.AddCommand(ListCmd(cfg, vip))
	cmd.AddCommand(CountCmd(cfg, vip))
	cmd.AddCommand(EnqueueCmd(cfg, vip))
	cmd.AddCommand(RemoveCmd(cfg, vip))

	return cmd
}

func ListCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cfg, vip, func(q *queue.Store) error {
				ops, err := q.Snapshot(cmd.Context())
				if err != nil {
					return err
				}

				if output == "json" {
					for _, op := range ops {
						b, err := json.Marshal(op)
						if err != nil {
							return err
						}
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
					}
					return nil
				}

				prettyPrintOperations(cmd, ops...)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output format, can be one of: json")

	return cmd
}

func CountCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of pending operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cfg, vip, func(q *queue.Store) error {
				ops, err := q.Snapshot(cmd.Context())
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintln(cmd.OutOrStdout(), len(ops))
				return nil
			})
		},
	}
}

func EnqueueCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <verb> <endpoint> [payload]",
		Short: "Append an operation to the queue",
		Long:  "Append an operation to the queue. Verb can be one of: create, update, delete. The payload must be json and is ignored for delete.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			verb, err := operation.ParseVerb(args[0])
			if err != nil {
				return err
			}

			var payload json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return errors.New("payload must be valid json")
				}
				payload = json.RawMessage(args[2])
			}

			return withQueue(cfg, vip, func(q *queue.Store) error {
				// surface storage errors the queue would otherwise swallow
				before, err := q.Snapshot(cmd.Context())
				if err != nil {
					return err
				}

				id := q.Enqueue(cmd.Context(), args[1], verb, payload)
				if q.Count(cmd.Context()) != len(before)+1 {
					return fmt.Errorf("failed to enqueue operation %s", id)
				}

				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func RemoveCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove operations from the queue",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("ids cannot be combined with --all")
			}
			if !all && len(args) == 0 {
				return errors.New("requires at least 1 id, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cfg, vip, func(q *queue.Store) error {
				if all {
					if _, err := q.Clear(cmd.Context()); err != nil {
						return err
					}
				} else {
					if _, err := q.Snapshot(cmd.Context()); err != nil {
						return err
					}

					for _, id := range args {
						q.Remove(cmd.Context(), id)
					}
				}

				_, _ = fmt.Fprintln(cmd.OutOrStdout(), q.Count(cmd.Context()))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "remove every pending operation")

	return cmd
}

// withQueue decodes the store configuration, opens the queue, and closes
// the underlying store once f returns.
func withQueue(cfg *config.Config, vip *viper.Viper, f func(*queue.Store) error) (err error) {
	if err := cfg.Parse(vip); err != nil {
		return err
	}

	store, err := cfg.Store.New()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	return f(queue.New(store, &cfg.Store.Queue, nil))
}

func prettyPrintOperations(cmd *cobra.Command, ops ...*operation.Operation) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	formatted := func(row ...any) {
		_, _ = fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", row...)
	}

	formatted(
		"ID",
		"VERB",
		"ENDPOINT",
		"ENQUEUED AT",
		"PAYLOAD",
	)

	for _, op := range ops {
		formatted(
			op.Id,
			op.Verb,
			op.Endpoint,
			op.Time().UTC().Format(time.RFC3339),
			string(op.Payload),
		)
	}

	_ = w.Flush()
}
