package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantpulse/plantpulse/pkg/config"
	"github.com/plantpulse/plantpulse/pkg/state/badgerstate"
	"github.com/plantpulse/plantpulse/pkg/state/postgres"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

// scalarProfile shapes one synthetic environmental series: a slow sine
// around a baseline plus jitter, sampled every sampleEvery.
type scalarProfile struct {
	metric      string
	baseline    float64
	amplitude   float64
	period      time.Duration
	jitter      float64
	sampleEvery time.Duration
}

var profiles = []scalarProfile{
	{telemetry.MetricAirTemperatureC, 23.0, 4.0, 24 * time.Hour, 0.2, 10 * time.Second},
	{telemetry.MetricRelHumidityPct, 55.0, 12.0, 24 * time.Hour, 1.0, 10 * time.Second},
	{telemetry.MetricLightPPFD, 400.0, 380.0, 24 * time.Hour, 15.0, 15 * time.Second},
	{telemetry.MetricSoilMoisturePct, 38.0, 5.0, 48 * time.Hour, 0.4, 30 * time.Second},
	{telemetry.MetricSoilPH, 6.4, 0.15, 72 * time.Hour, 0.02, 60 * time.Second},
}

type seeder interface {
	RegisterChannel(ctx context.Context, ch telemetry.Channel) error
	AppendReadings(ctx context.Context, channelID uuid.UUID, readings []telemetry.Reading) error
	Close() error
}

func main() {
	var (
		dataDir = flag.String("data", "./data", "BadgerDB data directory (ignored when -pg is set)")
		pgDSN   = flag.String("pg", os.Getenv("PLANTPULSE_PG_DSN"), "Postgres DSN; selects the postgres backend")
		subject = flag.Int64("subject", 1, "subject id to seed")
		hours   = flag.Int("hours", 6, "hours of history to generate, ending now")
		seed    = flag.Int64("seed", 42, "PRNG seed")
	)
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	store, err := openStore(ctx, *pgDSN, *dataDir)
	if err != nil {
		log.Fatal("failed to open backend", zap.Error(err))
	}
	defer store.Close()

	rng := rand.New(rand.NewSource(*seed))
	end := time.Now().UTC().Truncate(time.Second)
	start := end.Add(-time.Duration(*hours) * time.Hour)

	var total int
	for _, p := range profiles {
		ch := telemetry.Channel{
			ID:        channelID(*subject, p.metric),
			SubjectID: *subject,
			MetricKey: p.metric,
			Class:     telemetry.ClassScalar,
		}
		if err := store.RegisterChannel(ctx, ch); err != nil {
			log.Fatal("failed to register channel", zap.String("metric", p.metric), zap.Error(err))
		}

		readings := scalarSeries(p, start, end, rng)
		if err := store.AppendReadings(ctx, ch.ID, readings); err != nil {
			log.Fatal("failed to append readings", zap.String("metric", p.metric), zap.Error(err))
		}
		total += len(readings)
		log.Info("seeded channel", zap.String("metric", p.metric), zap.Int("readings", len(readings)))
	}

	bio := telemetry.Channel{
		ID:        channelID(*subject, telemetry.MetricBioVoltageMV),
		SubjectID: *subject,
		MetricKey: telemetry.MetricBioVoltageMV,
		Class:     telemetry.ClassDense,
	}
	if err := store.RegisterChannel(ctx, bio); err != nil {
		log.Fatal("failed to register bio channel", zap.Error(err))
	}
	bioReadings := bioSeries(start, end, rng)
	if err := store.AppendReadings(ctx, bio.ID, bioReadings); err != nil {
		log.Fatal("failed to append bio readings", zap.Error(err))
	}
	total += len(bioReadings)
	log.Info("seeded channel", zap.String("metric", telemetry.MetricBioVoltageMV), zap.Int("readings", len(bioReadings)))

	log.Info("seeding done",
		zap.Int64("subject", *subject),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("total_readings", total))
}

func openStore(ctx context.Context, pgDSN, dataDir string) (seeder, error) {
	if pgDSN != "" {
		store, err := postgres.New(ctx, pgDSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return badgerstate.New(badgerstate.Config{
		Path:        dataDir,
		MaxMemoryMB: config.DefaultMaxMemoryMB,
	})
}

// channelID derives a stable id from subject and metric so reseeding the
// same subject updates channels instead of multiplying them.
func channelID(subject int64, metric string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("plantpulse/%d/%s", subject, metric)))
}

func scalarSeries(p scalarProfile, start, end time.Time, rng *rand.Rand) []telemetry.Reading {
	readings := make([]telemetry.Reading, 0, int(end.Sub(start)/p.sampleEvery)+1)
	for ts := start; ts.Before(end); ts = ts.Add(p.sampleEvery) {
		phase := 2 * math.Pi * float64(ts.Unix()) / p.period.Seconds()
		v := p.baseline + p.amplitude*math.Sin(phase) + rng.NormFloat64()*p.jitter
		if p.metric == telemetry.MetricLightPPFD && v < 0 {
			v = 0
		}
		readings = append(readings, telemetry.Reading{Timestamp: ts, Value: v})
	}
	return readings
}

// bioSeries emits bursts of ~50 sub-second samples per second, with an
// occasional silent second, mimicking an electrode board that buffers a
// second of ADC output per transmission.
func bioSeries(start, end time.Time, rng *rand.Rand) []telemetry.Reading {
	var readings []telemetry.Reading
	for sec := start; sec.Before(end); sec = sec.Add(time.Second) {
		if rng.Float64() < 0.05 {
			continue // dropped transmission
		}
		n := 45 + rng.Intn(11)
		drift := 0.8 * math.Sin(2*math.Pi*float64(sec.Unix())/600)
		for i := 0; i < n; i++ {
			offset := time.Duration(float64(i) / float64(n) * float64(time.Second))
			readings = append(readings, telemetry.Reading{
				Timestamp: sec.Add(offset),
				Value:     drift + rng.NormFloat64()*0.25,
			})
		}
	}
	return readings
}
