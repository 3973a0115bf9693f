package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
)

// Handler feeds notifications and resync requests through the Normalizer
// into the tree maintainer. It holds no per-path state and is safe for
// concurrent use.
type Handler struct {
	bucket     objstore.Bucket
	normalizer *Normalizer
	maintainer *mirror.Maintainer
	ids        IDGenerator
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithIDGenerator sets how notifications without an id are labelled.
func WithIDGenerator(g IDGenerator) HandlerOption {
	return func(h *Handler) { h.ids = g }
}

// WithHandlerLogger sets the logger. Defaults to slog.Default().
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithHandlerMetrics sets the metrics sink.
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler wires a Handler.
func NewHandler(bucket objstore.Bucket, normalizer *Normalizer, maintainer *mirror.Maintainer, opts ...HandlerOption) *Handler {
	h := &Handler{
		bucket:     bucket,
		normalizer: normalizer,
		maintainer: maintainer,
		ids:        UUIDv7Generator{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Bucket returns the bucket the handler mirrors.
func (h *Handler) Bucket() objstore.Bucket {
	return h.bucket
}

// Normalizer returns the normalizer notifications are converted with.
func (h *Handler) Normalizer() *Normalizer {
	return h.normalizer
}

// Maintainer returns the tree maintainer mutations are applied with.
func (h *Handler) Maintainer() *mirror.Maintainer {
	return h.maintainer
}

// HandleNotification applies one storage notification.
func (h *Handler) HandleNotification(ctx context.Context, n Notification) (mirror.Outcome, error) {
	if n.ID == "" {
		n.ID = h.ids.Generate()
	}
	logger := h.logger.With("notification", n.ID, "type", string(n.Type), "key", n.objectName())

	mut, err := h.normalizer.FromNotification(ctx, n)
	var suppressed *SuppressedError
	if errors.As(err, &suppressed) {
		logger.Info("notification suppressed", "reason", suppressed.Reason)
		h.metrics.Skipped(suppressed.Reason)
		return mirror.OutcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}

	out, err := h.maintainer.Apply(ctx, mut)
	if err != nil {
		return 0, err
	}
	logger.Debug("notification handled", "outcome", out.String())
	return out, nil
}

// Resync mirrors the current state of one object.
func (h *Handler) Resync(ctx context.Context, key string) (mirror.Outcome, error) {
	if key == "" {
		return 0, fmt.Errorf("resync: empty object key")
	}
	logger := h.logger.With("key", key)

	live, _, err := h.maintainer.Snapshot(ctx, key)
	if errors.Is(err, pathmap.ErrInvalidPath) {
		logger.Info("skipping resync of unmappable key", "error", err)
		return mirror.OutcomeSkipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resync %s: %w", key, err)
	}

	mut, err := h.normalizer.FromResync(ctx, key, live)
	if errors.Is(err, ErrNothingToResync) {
		logger.Debug("resync found nothing to do")
		return mirror.OutcomeSkipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resync %s: %w", key, err)
	}
	return h.maintainer.Apply(ctx, mut)
}
