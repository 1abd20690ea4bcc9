package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/taskbridge/internal/config"
	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/pkg/bootstrap"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ErrMissingINI is returned when the command line has no --ini.
var ErrMissingINI = errors.New("--ini is required")

// Execute bootstraps the application named by --ini, runs the --setup
// function if any, and hands the remaining arguments to the command tree.
func Execute(ctx context.Context, args []string, out io.Writer) error {
	ini, setup, rest, err := splitArgs(args)
	if err != nil {
		return err
	}
	if ini == "" {
		return ErrMissingINI
	}

	cfg := config.FromEnv()
	logging.Default().SetLevel(logging.ParseLevel(cfg.LogLevel))

	env, err := bootstrap.Bootstrap(ctx, ini)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			logging.Plain().WithError(err).Warn("closing application")
		}
	}()
	logging.SetDefaultService(env.App.Name())

	if setup != "" {
		f, ok := bootstrap.LookupSetup(setup)
		if !ok {
			return fmt.Errorf("--setup %s: no such setup function", setup)
		}
		if err := f(env); err != nil {
			return fmt.Errorf("--setup %s: %w", setup, err)
		}
	}

	root := NewRootCmd(env, cfg)
	root.SetArgs(rest)
	root.SetOut(out)
	return root.ExecuteContext(env.Context)
}

// splitArgs pulls --ini and --setup (and their --flag=value forms) out of
// args. Everything else is returned in order for the command tree.
func splitArgs(args []string) (ini, setup string, rest []string, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		var name string
		switch {
		case arg == "--ini" || strings.HasPrefix(arg, "--ini="):
			target, name = &ini, "--ini"
		case arg == "--setup" || strings.HasPrefix(arg, "--setup="):
			target, name = &setup, "--setup"
		default:
			rest = append(rest, arg)
			continue
		}
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			*target = v
			continue
		}
		if i+1 >= len(args) {
			return "", "", nil, fmt.Errorf("%s needs a value", name)
		}
		i++
		*target = args[i]
	}
	return ini, setup, rest, nil
}

type rootOptions struct {
	v *viper.Viper
}

func (o *rootOptions) json() bool { return o.v.GetBool("json") }

// NewRootCmd builds the command tree for a bootstrapped application.
func NewRootCmd(env *bootstrap.Env, cfg config.Config) *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	opts.v.SetEnvPrefix("TASKBRIDGE")
	opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "taskbridge",
		Short: "Run and inspect the tasks of a web application",
		Long: `taskbridge bootstraps the application named by --ini and runs its tasks.

Tasks published from a web request carry a snapshot of that request; the
worker rebuilds it before the task body runs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("taskbridge version {{.Version}} (commit %s, built %s)\n", GitCommit, BuildTime))
	root.PersistentFlags().Bool("json", false, "output in JSON format")
	_ = opts.v.BindPFlag("json", root.PersistentFlags().Lookup("json"))

	root.AddCommand(
		newWorkerCmd(env, cfg),
		newTasksCmd(env, opts),
		newPublishCmd(env, opts),
		newPurgeCmd(env, opts),
		newMigrateCmd(cfg),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
