package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/plantpulse/plantpulse/pkg/config"
	"github.com/plantpulse/plantpulse/pkg/pipeline"
	"github.com/plantpulse/plantpulse/pkg/state"
	"github.com/plantpulse/plantpulse/pkg/state/badgerstate"
	"github.com/plantpulse/plantpulse/pkg/state/postgres"
	"github.com/plantpulse/plantpulse/pkg/trigger"
)

// rawStore is both sides of the raw-readings store; each backend
// implements the pair on one concrete type.
type rawStore interface {
	state.RawSource
	state.RawSink
}

// backend bundles the store interfaces with the optional GC hook so main
// can wire either backend through one code path.
type backend struct {
	store    state.Store
	raw      rawStore
	channels state.ChannelResolver
	gc       trigger.GCStore // nil for postgres
}

func main() {
	var (
		dataDir     = flag.String("data", "./data", "BadgerDB data directory (ignored when -pg is set)")
		pgDSN       = flag.String("pg", os.Getenv("PLANTPULSE_PG_DSN"), "Postgres DSN; selects the postgres backend")
		interval    = flag.Duration("interval", config.DefaultRunInterval, "delay between resampling passes")
		chunk       = flag.Duration("chunk", config.DefaultChunkDuration, "max window one run processes")
		batchSize   = flag.Int("batch", config.DefaultBatchSize, "rows per write batch")
		maxFill     = flag.Duration("max-fill", config.DefaultMaxForwardFill, "longest gap scalar values are carried across")
		retention   = flag.Duration("retention", config.DefaultRawRetention, "how long raw readings are kept")
		maxMemoryMB = flag.Int64("max-memory-mb", config.DefaultMaxMemoryMB, "BadgerDB memory budget in MB")
		dev         = flag.Bool("dev", false, "human-readable logs instead of JSON")
	)
	flag.Parse()

	log := newLogger(*dev)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, closeFn, err := openBackend(ctx, *pgDSN, *dataDir, *maxMemoryMB, log)
	if err != nil {
		log.Fatal("failed to open backend", zap.Error(err))
	}
	defer closeFn()

	runner := pipeline.New(be.store, be.raw, be.channels, pipeline.Config{
		MaxForwardFill: *maxFill,
		ChunkDuration:  *chunk,
		BatchSize:      *batchSize,
	}, log)

	trig := trigger.New(runner, *interval, log)
	trig.Start(ctx)

	maint := trigger.NewMaintenance(be.raw, be.gc, *retention, log)
	maint.Start(ctx)

	log.Info("plantpulse started",
		zap.Duration("interval", *interval),
		zap.Duration("chunk", *chunk),
		zap.Duration("retention", *retention))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	// Stop the loops before closing the store; an in-flight pass finishes
	// its current subject first.
	done := make(chan struct{})
	go func() {
		trig.Stop()
		maint.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timed out, forcing exit")
	}

	log.Info("plantpulse stopped")
}

func openBackend(ctx context.Context, pgDSN, dataDir string, maxMemoryMB int64, log *zap.Logger) (backend, func(), error) {
	if pgDSN != "" {
		store, err := postgres.New(ctx, pgDSN)
		if err != nil {
			return backend{}, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return backend{}, nil, err
		}
		log.Info("using postgres backend")
		return backend{store: store, raw: store, channels: store}, func() { store.Close() }, nil
	}

	store, err := badgerstate.New(badgerstate.Config{
		Path:        dataDir,
		MaxMemoryMB: maxMemoryMB,
	})
	if err != nil {
		return backend{}, nil, err
	}
	log.Info("using badger backend", zap.String("path", dataDir))
	return backend{store: store, raw: store, channels: store, gc: store}, func() { store.Close() }, nil
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}
