package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/cleanup"
)

// CleanOptions holds flags for the clean command.
type CleanOptions struct {
	*RootOptions
	Bucket      string
	Prefix      string
	NoDocuments bool
	NoStorage   bool
	Yes         bool
}

// CleanResult reports what was deleted.
type CleanResult struct {
	Documents int `json:"documents"`
	Objects   int `json:"objects"`
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete mirror state and/or objects under a prefix",
		Long: `Clean removes the generated document tree below --prefix (the whole
bucket document when no prefix is given) and deletes the bucket's objects
under the same prefix. Use --no-firestore or --no-gcs to keep one side.
Prefix documents above a cleaned prefix are repointed to another child or
tombstoned when the cleaned prefix was their last one.

Example:
  mirror clean --instance-id scratch --prefix tmp/ --yes
  mirror clean --bucket mem://b --no-gcs`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "bucket URL (overrides the instance)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only clean below this prefix")
	cmd.Flags().BoolVar(&opts.NoDocuments, "no-firestore", false, "keep the document tree")
	cmd.Flags().BoolVar(&opts.NoStorage, "no-gcs", false, "keep the bucket's objects")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func runClean(cmd *cobra.Command, opts *CleanOptions) error {
	if opts.NoDocuments && opts.NoStorage {
		return NewExitError(ExitCommandError, "--no-firestore and --no-gcs leave nothing to clean")
	}
	a, err := openApp(opts.RootOptions, opts.Bucket)
	if err != nil {
		return err
	}
	defer a.Close()

	var targets []string
	if !opts.NoDocuments {
		targets = append(targets, "the mirror below "+a.mapper.BucketPath())
	}
	if !opts.NoStorage {
		targets = append(targets, "the objects of "+a.bucket.Name())
	}
	where := "everything"
	if opts.Prefix != "" {
		where = fmt.Sprintf("prefix %q", opts.Prefix)
	}
	if err := confirm(opts.RootOptions, opts.Yes, fmt.Sprintf("Delete %s of %s?", where, strings.Join(targets, " and "))); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	cleaner := cleanup.New(a.docs, a.mapper,
		cleanup.WithLogger(slog.Default()),
		cleanup.WithMetrics(a.metrics),
		cleanup.WithConcurrency(a.inst.Concurrency.Clean),
	)

	var res CleanResult
	if !opts.NoDocuments {
		if res.Documents, err = cleaner.CleanDocuments(ctx, opts.Prefix); err != nil {
			return WrapExitError(ExitFailure, "failed to clean mirror", err)
		}
	}
	if !opts.NoStorage {
		if res.Objects, err = cleaner.CleanObjects(ctx, a.bucket, opts.Prefix); err != nil {
			return WrapExitError(ExitFailure, "failed to clean objects", err)
		}
	}
	return opts.formatter(cmd).Success(res, fmt.Sprintf("deleted %d documents and %d objects", res.Documents, res.Objects))
}
