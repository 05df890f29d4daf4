package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/plantpulse/plantpulse/pkg/config"
	"github.com/plantpulse/plantpulse/pkg/pipeline"
	"github.com/plantpulse/plantpulse/pkg/state"
)

// Trigger invokes the pipeline's RunAll on a fixed interval. It is the
// only caller of the orchestrator in a deployed system; the pipeline
// itself owns no scheduling state.
type Trigger struct {
	runner   *pipeline.Runner
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Trigger. A zero interval falls back to the default.
func New(runner *pipeline.Runner, interval time.Duration, log *zap.Logger) *Trigger {
	if interval <= 0 {
		interval = config.DefaultRunInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{
		runner:   runner,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic loop. The first pass runs immediately so a
// restarted process begins draining backlog without waiting a full
// interval.
func (t *Trigger) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		t.runPass(ctx)

		for {
			select {
			case <-ticker.C:
				t.runPass(ctx)
			case <-t.stop:
				t.log.Info("stopping resampling trigger")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the loop down and waits for an in-flight pass to finish.
func (t *Trigger) Stop() {
	close(t.stop)
	t.wg.Wait()
}

func (t *Trigger) runPass(ctx context.Context) {
	start := time.Now()

	outcomes, err := t.runner.RunAll(ctx)
	if err != nil {
		t.log.Error("resampling pass failed", zap.Error(err))
		return
	}

	var succeeded, failed, noop int
	for _, o := range outcomes {
		switch o.Status {
		case pipeline.StatusSuccess:
			succeeded++
		case pipeline.StatusFailed:
			failed++
		default:
			noop++
		}
	}

	t.log.Info("resampling pass finished",
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
		zap.Int("succeeded", succeeded),
		zap.Int("noop", noop),
		zap.Int("failed", failed))
}

// GCStore is implemented by backends with a value-log garbage collector.
type GCStore interface {
	RunGC(discardRatio float64) error
}

// Maintenance periodically prunes raw readings past the retention window
// and, for badger-backed stores, runs value log GC to reclaim disk.
type Maintenance struct {
	sink      state.RawSink
	gc        GCStore // nil when the backend has no GC
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMaintenance creates the maintenance loop. gc may be nil.
func NewMaintenance(sink state.RawSink, gc GCStore, retention time.Duration, log *zap.Logger) *Maintenance {
	if retention <= 0 {
		retention = config.DefaultRawRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintenance{
		sink:      sink,
		gc:        gc,
		retention: retention,
		interval:  config.MaintenanceInterval,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (m *Maintenance) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.runOnce(ctx)
			case <-m.stop:
				m.log.Info("stopping storage maintenance")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the loop down.
func (m *Maintenance) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Maintenance) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.retention)
	if err := m.sink.PruneReadings(ctx, cutoff); err != nil {
		m.log.Error("raw retention pruning failed", zap.Error(err))
	} else {
		m.log.Debug("raw retention pruning done", zap.Time("cutoff", cutoff))
	}

	if m.gc == nil {
		return
	}
	err := m.gc.RunGC(config.BadgerGCDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		m.log.Error("value log GC failed", zap.Error(err))
	}
}
