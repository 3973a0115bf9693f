package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// ResyncResult is the outcome of one key.
type ResyncResult struct {
	Key     string `json:"key"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync <object-key>...",
		Short: "Mirror the current state of objects",
		Long: `Resync brings the item document of each object key in line with the
bucket, exactly like POST /resync but without a running server.

Example:
  mirror resync --instance-id photos 2024/06/cat.jpg`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(cmd, rootOpts, args)
		},
	}
	return cmd
}

func runResync(cmd *cobra.Command, opts *RootOptions, keys []string) error {
	a, err := openApp(opts, "")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	results := make([]ResyncResult, 0, len(keys))
	var lines []string
	failed := 0
	for _, key := range keys {
		out, err := a.handler.Resync(ctx, key)
		if err != nil {
			failed++
			results = append(results, ResyncResult{Key: key, Error: err.Error()})
			lines = append(lines, fmt.Sprintf("%s: error: %v", key, err))
			continue
		}
		results = append(results, ResyncResult{Key: key, Outcome: out.String()})
		lines = append(lines, fmt.Sprintf("%s: %s", key, out))
	}

	if err := opts.formatter(cmd).Success(results, strings.Join(lines, "\n")); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d resyncs failed", failed, len(keys)))
	}
	return nil
}
