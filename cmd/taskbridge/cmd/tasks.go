package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskbridge/pkg/bootstrap"
	"github.com/austindbirch/taskbridge/pkg/task"
)

func newTasksCmd(env *bootstrap.Env, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered task names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := env.App.TaskNames()
			if opts.json() {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newPublishCmd(env *bootstrap.Env, opts *rootOptions) *cobra.Command {
	var (
		kwargsJSON string
		pub        task.PublishOptions
	)
	cmd := &cobra.Command{
		Use:   "publish <task> [json-args]",
		Short: "Dispatch a task by name",
		Long: `Dispatch a task by name. Positional arguments are given as a JSON array,
keyword arguments as a JSON object with --kwargs.`,
		Example: `  taskbridge --ini app.ini publish shop.send_receipt '[42]' --kwargs '{"resend":true}'`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskArgs []any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &taskArgs); err != nil {
					return fmt.Errorf("args must be a JSON array: %w", err)
				}
			}
			var kwargs map[string]any
			if kwargsJSON != "" {
				if err := json.Unmarshal([]byte(kwargsJSON), &kwargs); err != nil {
					return fmt.Errorf("--kwargs must be a JSON object: %w", err)
				}
			}

			res, err := env.App.SendByName(cmd.Context(), args[0], taskArgs, kwargs, pub)
			if err != nil {
				return err
			}
			if opts.json() {
				return printJSON(cmd.OutOrStdout(), map[string]string{"id": res.ID(), "task": res.TaskName()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s[%s]\n", res.TaskName(), res.ID())
			return nil
		},
	}
	cmd.Flags().StringVar(&kwargsJSON, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().StringVar(&pub.TaskID, "id", "", "task id (default: random uuid)")
	cmd.Flags().StringVar(&pub.Queue, "queue", "", "queue override")
	cmd.Flags().DurationVar(&pub.Countdown, "countdown", 0, "delay before the task may run")
	return cmd
}

func newPurgeCmd(env *bootstrap.Env, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop every queued message (in-memory broker only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := env.App.MemoryBroker()
			if err != nil {
				return err
			}
			n := b.Purge()
			if opts.json() {
				return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s)\n", n)
			return nil
		},
	}
}
