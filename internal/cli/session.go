package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/metrics"
	"github.com/roach88/strata/internal/model"
	"github.com/roach88/strata/internal/persist"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
)

// session bundles what the store-backed commands share: the schema, the
// snapshot store and a private metrics registry.
type session struct {
	cfg         *config.Config
	log         *slog.Logger
	reg         *schema.Registry
	store       *persist.Store
	metrics     *metrics.Metrics
	gatherer    *prometheus.Registry
	metricsFile string
}

// openSession loads the schema and opens the store. Failures are reported
// through f.
func (o *RootOptions) openSession(cmd *cobra.Command, f *OutputFormatter) (*session, error) {
	cfg, logger, err := o.settings(cmd)
	if err != nil {
		return nil, err
	}
	reg, files, err := schema.LoadDir(cfg.Schema.Dir)
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeSchemaLoad,
			fmt.Sprintf("loading schema from %s: %v", cfg.Schema.Dir, err), nil)
	}
	f.VerboseLog("Loaded %d type(s) from %d CUE file(s) in %s", reg.TypeCount(), files, cfg.Schema.Dir)

	store, err := persist.Open(cfg.Store.Path, persist.WithLogger(logger))
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeStoreOpen,
			fmt.Sprintf("opening store %s: %v", cfg.Store.Path, err), nil)
	}

	gatherer := prometheus.NewRegistry()
	return &session{
		cfg:         cfg,
		log:         logger,
		reg:         reg,
		store:       store,
		metrics:     metrics.New(gatherer),
		gatherer:    gatherer,
		metricsFile: o.MetricsFile,
	}, nil
}

// storageOptions maps the configuration onto builder options and wires in
// the metrics and the store's diagnostic sink.
func (s *session) storageOptions() ([]storage.Option, error) {
	opts, err := s.cfg.StorageOptions(s.log)
	if err != nil {
		return nil, err
	}
	return append(opts,
		storage.WithInstrumentation(s.metrics),
		storage.WithDiagnosticSink(s.store.Sink()),
	), nil
}

// latest returns the newest stored snapshot, or nil and a zero info when
// the store is empty.
func (s *session) latest(ctx context.Context) (*storage.Snapshot, persist.SnapshotInfo, error) {
	snap, info, err := s.store.Latest(ctx, s.reg)
	if errors.Is(err, persist.ErrNoSnapshot) {
		return nil, persist.SnapshotInfo{}, nil
	}
	return snap, info, err
}

// commit runs fn as one model transaction on top of the latest snapshot and
// saves the result. It returns model.ErrNoChange when fn changed nothing.
func (s *session) commit(ctx context.Context, description string, fn func(*storage.Builder) error) (*model.ChangeSet, error) {
	initial, _, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := s.storageOptions()
	if err != nil {
		return nil, err
	}
	m := model.New(s.reg,
		model.WithLogger(s.log),
		model.WithInitial(initial),
		model.WithPersister(s.store),
		model.WithStorageOptions(opts...),
	)
	defer m.Subscribe(s.metrics.ObserveChangeSet)()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })

	cs, err := m.Update(ctx, description, fn)
	m.Stop()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return cs, err
}

// close writes the metrics file, when one was requested, and closes the
// store.
func (s *session) close() error {
	var errs []error
	if s.metricsFile != "" {
		if err := prometheus.WriteToTextfile(s.metricsFile, s.gatherer); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// closeSession closes s and turns a close failure into the command error
// when the command itself succeeded.
func closeSession(s *session, err *error) {
	if cerr := s.close(); cerr != nil && *err == nil {
		*err = WrapExitError(ExitCommandError, "closing session", cerr)
	}
}
