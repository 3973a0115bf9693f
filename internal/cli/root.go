package cli

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	InstanceID string

	// Getenv resolves MIRROR_* overrides. Defaults to os.Getenv.
	Getenv func(string) string
	// Confirm asks the user before destructive commands. Defaults to a
	// readline prompt on the terminal.
	Confirm func(prompt string) (bool, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mirror CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror a storage bucket into a document tree",
		Long: `mirror keeps a hierarchical document tree in step with the objects of a
storage bucket, and ships the tools to audit, backfill and clean that tree.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd, opts.Verbose)
			if opts.Getenv == nil {
				opts.Getenv = os.Getenv
			}
			if opts.ConfigPath == "" {
				opts.ConfigPath = opts.Getenv("MIRROR_CONFIG")
			}
			if opts.Confirm == nil {
				opts.Confirm = readlineConfirm
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "instance configuration file (default $MIRROR_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.InstanceID, "instance-id", "", "instance to operate on (default \"default\")")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewResyncCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewCleanCommand(opts))
	cmd.AddCommand(NewCleanTombstonesCommand(opts))
	cmd.AddCommand(NewBackfillCommand(opts))

	return cmd
}

// setupLogging installs the default logger: text on stderr, debug when
// verbose.
func setupLogging(cmd *cobra.Command, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func (opts *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
