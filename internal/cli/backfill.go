package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/backfill"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
)

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	Concurrency int
	URL         string
	Prefix      string
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Resync every object through a running mirror",
		Long: `Backfill lists the instance's bucket and posts each object key to the
resync endpoint of a running mirror, with at most --concurrency requests in
flight. Use it when a mirror is attached to a bucket that already has data.

Example:
  mirror backfill --instance-id photos --concurrency 100
  mirror backfill --url http://mirror.internal:8080/resync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "in-flight resync requests (default from instance, 50)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "resync endpoint (default from instance)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only backfill objects under this prefix")

	return cmd
}

func runBackfill(cmd *cobra.Command, opts *BackfillOptions) error {
	inst, err := loadInstance(opts.RootOptions, "")
	if err != nil {
		return err
	}
	bucket, err := objstore.Open(inst.Bucket)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open bucket", err)
	}

	url := opts.URL
	if url == "" {
		url = inst.ResyncURL
	}
	if url == "" {
		host := inst.Listen
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		url = "http://" + host + "/resync"
	}
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = inst.Concurrency.Backfill
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	slog.Info("backfilling", "bucket", bucket.Name(), "url", url)
	b := backfill.New(bucket, backfill.NewClient(url, nil),
		backfill.WithConcurrency(concurrency),
		backfill.WithPrefix(opts.Prefix),
		backfill.WithLogger(slog.Default()),
	)
	res, err := b.Run(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "backfill failed", err)
	}

	text := fmt.Sprintf("resynced %d objects (%d failed)", res.Objects, res.Failed)
	if err := opts.formatter(cmd).Success(res, text); err != nil {
		return err
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d resyncs failed", res.Failed))
	}
	return nil
}
