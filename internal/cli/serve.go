package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/httpapi"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Watch  bool

	// ready, when set, receives the bound address once listening (tests).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve notifications and resync requests over HTTP",
		Long: `Start the mirror's HTTP surface.

  POST /events   apply one storage notification
  POST /resync   {"path": "<object key>"} resync one object
  GET  /metrics  Prometheus metrics
  GET  /healthz  liveness

With --watch and a file:// bucket, changes under the bucket directory are
mirrored as they happen.

Example:
  mirror serve --instance-id photos --listen :8080
  MIRROR_BUCKET=file:///srv/data mirror serve --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from instance, \":8080\")")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "mirror local changes of a file:// bucket")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	a, err := openApp(opts.RootOptions, "")
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := httpapi.NewServer(a.handler, httpapi.ServerConfig{
		Gatherer: a.registry,
		Metrics:  a.metrics,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build HTTP server", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if opts.Watch {
		dir, ok := a.bucket.(*objstore.DirBucket)
		if !ok {
			return NewExitError(ExitCommandError, "--watch needs a file:// bucket")
		}
		changes, err := dir.Watch(ctx, slog.Default())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch bucket", err)
		}
		go mirrorChanges(ctx, a.handler, changes)
	}

	addr := opts.Listen
	if addr == "" {
		addr = a.inst.Listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("mirror serving", "addr", ln.Addr().String(), "instance", a.String())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())
	if opts.ready != nil {
		opts.ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("mirror stopped gracefully")
	return nil
}

// mirrorChanges applies local file changes. Removals become delete
// notifications stamped with the time the change was seen; everything else
// is a resync of the file's current state.
func mirrorChanges(ctx context.Context, h *events.Handler, changes <-chan objstore.Change) {
	for change := range changes {
		var (
			out mirror.Outcome
			err error
		)
		if change.Removed {
			out, err = h.HandleNotification(ctx, events.Notification{
				Type:      events.TypeDelete,
				Bucket:    h.Bucket().Name(),
				Name:      change.Name,
				EventTime: change.Time,
			})
		} else {
			out, err = h.Resync(ctx, change.Name)
		}
		if err != nil {
			slog.Error("failed to mirror change", "key", change.Name, "error", err)
			continue
		}
		slog.Debug("mirrored change", "key", change.Name, "removed", change.Removed, "outcome", out.String())
	}
}
