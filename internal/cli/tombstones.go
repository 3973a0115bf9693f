package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/cleanup"
)

// CleanTombstonesOptions holds flags for the clean-tombstones command.
type CleanTombstonesOptions struct {
	*RootOptions
	Partitions int
	Yes        bool
}

// NewCleanTombstonesCommand creates the clean-tombstones command.
func NewCleanTombstonesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanTombstonesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clean-tombstones",
		Short: "Delete every tombstone below the instance's root",
		Long: `Clean-tombstones scans the tombstone collections below the configured
root in parallel partitions and deletes what it finds. Tombstones only guard
against stale notifications, so run this once traffic for old events has
settled.

Example:
  mirror clean-tombstones --instance-id photos --partitions 16`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanTombstones(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Partitions, "partitions", cleanup.DefaultPartitions, "parallel scan partitions per collection")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func runCleanTombstones(cmd *cobra.Command, opts *CleanTombstonesOptions) error {
	a, err := openApp(opts.RootOptions, "")
	if err != nil {
		return err
	}
	defer a.Close()

	prompt := fmt.Sprintf("Delete all tombstones below %q in %s?", a.mapper.RootPath(), a.inst.Store)
	if err := confirm(opts.RootOptions, opts.Yes, prompt); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	cleaner := cleanup.New(a.docs, a.mapper, cleanup.WithLogger(slog.Default()), cleanup.WithMetrics(a.metrics))
	n, err := cleaner.CleanTombstones(ctx, opts.Partitions)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to clean tombstones", err)
	}
	return opts.formatter(cmd).Success(map[string]int{"tombstones": n}, fmt.Sprintf("deleted %d tombstones", n))
}
