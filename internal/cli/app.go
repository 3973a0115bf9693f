package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/config"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
)

// app is one configured instance with its clients opened.
type app struct {
	inst       config.Instance
	bucket     objstore.Bucket
	docs       *docstore.Store
	mapper     *pathmap.Mapper
	maintainer *mirror.Maintainer
	handler    *events.Handler
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

// loadInstance resolves the selected instance. bucketURL, when set,
// replaces the configured bucket.
func loadInstance(opts *RootOptions, bucketURL string) (config.Instance, error) {
	file, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Instance{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	getenv := opts.Getenv
	if bucketURL != "" {
		getenv = func(name string) string {
			if name == "MIRROR_BUCKET" {
				return bucketURL
			}
			return opts.Getenv(name)
		}
	}
	inst, err := file.Instance(opts.InstanceID, getenv)
	if err != nil {
		return config.Instance{}, WrapExitError(ExitCommandError, "invalid instance", err)
	}
	return inst, nil
}

// openApp loads the instance and opens its bucket and document store.
func openApp(opts *RootOptions, bucketURL string) (*app, error) {
	inst, err := loadInstance(opts, bucketURL)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("instance", inst.ID)

	bucket, err := objstore.Open(inst.Bucket)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open bucket", err)
	}
	mapper, err := pathmap.New(inst.PathConfig(bucket.Name()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid mirror layout", err)
	}
	norm, err := events.NewNormalizer(bucket, inst.FieldConfig(), logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid field filters", err)
	}

	logger.Debug("opening document store", "store", inst.Store)
	docs, err := docstore.Open(inst.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open document store", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	maintainer := mirror.NewMaintainer(docs, mapper,
		mirror.WithLogger(logger),
		mirror.WithMetrics(m),
		mirror.WithMaxAttempts(inst.MaxAttempts),
	)
	handler := events.NewHandler(bucket, norm, maintainer,
		events.WithHandlerLogger(logger),
		events.WithHandlerMetrics(m),
	)

	return &app{
		inst:       inst,
		bucket:     bucket,
		docs:       docs,
		mapper:     mapper,
		maintainer: maintainer,
		handler:    handler,
		registry:   reg,
		metrics:    m,
	}, nil
}

func (a *app) Close() {
	if err := a.docs.Close(); err != nil {
		slog.Error("error closing document store", "error", err)
	}
}

func (a *app) String() string {
	return fmt.Sprintf("%s (%s -> %s/%s)", a.inst.ID, a.inst.Bucket, a.inst.Store, a.mapper.BucketPath())
}
