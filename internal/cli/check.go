package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/auditor"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Bucket      string
	Prefix      string
	NoDocuments bool
	NoStorage   bool
	LogFile     string
	Repair      bool
	Concurrency int
	Progress    time.Duration
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Audit the mirror against the bucket",
		Long: `Check runs two passes concurrently: one walks the document tree and
looks for items whose object is gone and prefixes with no children left, the
other walks the bucket and looks for objects and prefixes the tree is missing
or has stale metadata for.

Discrepancies are logged (to --log-file as JSON when given) and make the
command exit 1. With --repair, item-level discrepancies are resynced.

Example:
  mirror check --instance-id photos --prefix 2024/ --log-file audit.json
  mirror check --bucket file:///srv/data --no-gcs`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "bucket URL (overrides the instance)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only audit objects under this prefix")
	cmd.Flags().BoolVar(&opts.NoDocuments, "no-firestore", false, "skip the document-tree pass")
	cmd.Flags().BoolVar(&opts.NoStorage, "no-gcs", false, "skip the bucket pass")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "append discrepancies to this file as JSON lines")
	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "resync objects with item-level discrepancies")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "in-flight checks per pass (default from instance, 100)")
	cmd.Flags().DurationVar(&opts.Progress, "progress", 30*time.Second, "progress log interval, 0 to disable")

	return cmd
}

func runCheck(cmd *cobra.Command, opts *CheckOptions) error {
	if opts.NoDocuments && opts.NoStorage {
		return NewExitError(ExitCommandError, "--no-firestore and --no-gcs leave nothing to check")
	}
	a, err := openApp(opts.RootOptions, opts.Bucket)
	if err != nil {
		return err
	}
	defer a.Close()

	var sink auditor.Sink = auditor.NewLogSink(slog.Default())
	if opts.LogFile != "" {
		fileSink, err := auditor.OpenLogSink(opts.LogFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}

	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = a.inst.Concurrency.Audit
	}
	aud := auditor.New(a.handler, sink, auditor.Config{
		Prefix:           opts.Prefix,
		SkipDocuments:    opts.NoDocuments,
		SkipStorage:      opts.NoStorage,
		Repair:           opts.Repair,
		Concurrency:      concurrency,
		ProgressInterval: opts.Progress,
	}, auditor.WithLogger(slog.Default()), auditor.WithMetrics(a.metrics))

	ctx, cancel := signalContext(cmd)
	defer cancel()

	report, err := aud.Run(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "audit failed", err)
	}

	text := fmt.Sprintf("documents: %d items, %d prefixes, %d discrepancies\nstorage:   %d items, %d prefixes, %d discrepancies",
		report.Documents.Items, report.Documents.Prefixes, report.Documents.Discrepancies,
		report.Storage.Items, report.Storage.Prefixes, report.Storage.Discrepancies)
	if opts.Repair {
		text += fmt.Sprintf("\nrepaired:  %d", report.Repaired)
	}
	if err := opts.formatter(cmd).Success(report, text); err != nil {
		return err
	}
	if n := report.Discrepancies() - report.Repaired; n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d unrepaired discrepancies", n))
	}
	return nil
}
