package badgerstate

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/plantpulse/plantpulse/pkg/feature"
	"github.com/plantpulse/plantpulse/pkg/state"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

// Key prefixes. Every record type lives under its own prefix so range
// scans never cross record kinds.
const (
	prefixReading    = 'r' // 'r' + channel hash (8) + unix nanos (8)
	prefixRow        = 's' // 's' + subject id (8) + unix seconds (8)
	prefixCheckpoint = 'c' // 'c' + subject id (8)
	prefixChannel    = 'm' // 'm' + subject id (8) + channel hash (8)
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative
	// defaults suitable for an edge box collecting sensor data)
	MaxMemoryMB int64
}

// Store is the embedded single-process backend: raw readings, feature
// rows, checkpoints and the channel registry share one BadgerDB.
type Store struct {
	db     *badger.DB
	leases *state.Leases
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Badger's defaults assume server-class memory. Telemetry boxes are
	// small, so bound the memtable and caches explicitly.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithNumCompactors(2).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db, leases: state.NewLeases()}, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection. Returns badger's
// ErrNoRewrite when no GC was needed.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// channelHash gives a fixed-width key segment for a channel id.
func channelHash(channelID uuid.UUID) uint64 {
	return xxhash.Sum64String(channelID.String())
}

func readingKey(channelID uuid.UUID, ts time.Time) []byte {
	key := make([]byte, 17)
	key[0] = prefixReading
	binary.BigEndian.PutUint64(key[1:9], channelHash(channelID))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	return key
}

func rowKey(subjectID int64, ts time.Time) []byte {
	key := make([]byte, 17)
	key[0] = prefixRow
	binary.BigEndian.PutUint64(key[1:9], uint64(subjectID))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.Unix()))
	return key
}

func checkpointKey(subjectID int64) []byte {
	key := make([]byte, 9)
	key[0] = prefixCheckpoint
	binary.BigEndian.PutUint64(key[1:9], uint64(subjectID))
	return key
}

func channelKey(subjectID int64, channelID uuid.UUID) []byte {
	key := make([]byte, 17)
	key[0] = prefixChannel
	binary.BigEndian.PutUint64(key[1:9], uint64(subjectID))
	binary.BigEndian.PutUint64(key[9:17], channelHash(channelID))
	return key
}

// AppendReadings stores raw readings under time-ordered keys. Two readings
// of the same channel at the exact same nanosecond collapse to one (last
// write wins), which matches the per-second last-wins semantics downstream.
func (s *Store) AppendReadings(ctx context.Context, channelID uuid.UUID, readings []telemetry.Reading) error {
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	for i, r := range readings {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode reading: %w", err)
		}
		if err := batch.Set(readingKey(channelID, r.Timestamp), value); err != nil {
			return fmt.Errorf("failed to write reading: %w", err)
		}
	}

	if err := batch.Flush(); err != nil {
		return &state.StoreError{Op: "append readings", Err: err}
	}
	return nil
}

// FetchReadings returns the channel's readings in [from, to), ordered by
// timestamp ascending. The key layout makes this a single range scan.
func (s *Store) FetchReadings(ctx context.Context, channelID uuid.UUID, from, to time.Time) ([]telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []telemetry.Reading

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100

		prefix := readingKey(channelID, time.Unix(0, 0))[:9]
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		start := readingKey(channelID, from)
		end := readingKey(channelID, to)

		var iterCount int
		for it.Seek(start); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			if bytes.Compare(item.Key(), end) >= 0 {
				break
			}

			err := item.Value(func(val []byte) error {
				var r telemetry.Reading
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("failed to decode reading: %w", err)
				}
				results = append(results, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &state.StoreError{Op: "fetch readings", Err: err}
	}

	return results, nil
}

// PruneReadings drops raw readings older than the cutoff across all
// channels. Deletes run in bounded batches to stay under badger's
// transaction size limit.
func (s *Store) PruneReadings(ctx context.Context, before time.Time) error {
	var keysToDelete [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixReading}

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			key := it.Item().Key()
			tsNano := binary.BigEndian.Uint64(key[9:17])
			if time.Unix(0, int64(tsNano)).Before(before) {
				keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return &state.StoreError{Op: "prune scan", Err: err}
	}

	const deleteBatch = 1000
	for i := 0; i < len(keysToDelete); i += deleteBatch {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := i + deleteBatch
		if end > len(keysToDelete) {
			end = len(keysToDelete)
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete[i:end] {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return &state.StoreError{Op: "prune delete", Err: err}
		}
	}

	return nil
}

// RegisterChannel adds a channel to the registry.
func (s *Store) RegisterChannel(ctx context.Context, ch telemetry.Channel) error {
	value, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to encode channel: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(channelKey(ch.SubjectID, ch.ID), value)
	})
	if err != nil {
		return &state.StoreError{Op: "register channel", Err: err}
	}
	return nil
}

// ListSubjects returns every subject with at least one registered channel.
func (s *Store) ListSubjects(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var subjects []int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixChannel}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			subjectID := int64(binary.BigEndian.Uint64(key[1:9]))
			if !seen[subjectID] {
				seen[subjectID] = true
				subjects = append(subjects, subjectID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &state.StoreError{Op: "list subjects", Err: err}
	}

	return subjects, nil
}

// ResolveChannels returns the subject's configured channels.
func (s *Store) ResolveChannels(ctx context.Context, subjectID int64) ([]telemetry.Channel, error) {
	var channels []telemetry.Channel

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = channelKey(subjectID, uuid.Nil)[:9]

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ch telemetry.Channel
				if err := json.Unmarshal(val, &ch); err != nil {
					return fmt.Errorf("failed to decode channel: %w", err)
				}
				channels = append(channels, ch)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &state.StoreError{Op: "resolve channels", Err: err}
	}

	return channels, nil
}

// LoadCheckpoint returns the subject's checkpoint, creating the EpochMin
// default on first use.
func (s *Store) LoadCheckpoint(ctx context.Context, subjectID int64) (state.Checkpoint, error) {
	var cp state.Checkpoint

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(subjectID))
		if err == nil {
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		cp = state.Checkpoint{
			SubjectID:     subjectID,
			LastProcessed: state.EpochMin,
			UpdatedAt:     time.Now().UTC(),
		}
		value, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return txn.Set(checkpointKey(subjectID), value)
	})
	if err != nil {
		return state.Checkpoint{}, &state.StoreError{Op: "load checkpoint", Err: err}
	}

	return cp, nil
}

// CommitWindow upserts the window's rows in bounded batches and advances
// the checkpoint in the same transaction as the final batch. A crash
// between batches leaves the checkpoint untouched, so the next run simply
// recomputes and overwrites the same window.
func (s *Store) CommitWindow(ctx context.Context, subjectID int64, rows []feature.Row, cutoff time.Time, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	for start := 0; start < len(rows) || start == 0; start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		final := end == len(rows)

		err := s.db.Update(func(txn *badger.Txn) error {
			for _, row := range rows[start:end] {
				value, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("failed to encode row: %w", err)
				}
				if err := txn.Set(rowKey(row.SubjectID, row.Timestamp), value); err != nil {
					return err
				}
			}

			if !final {
				return nil
			}
			return s.advanceCheckpoint(txn, subjectID, cutoff)
		})
		if err != nil {
			return &state.StoreError{Op: "commit window", Err: err}
		}

		if final {
			break
		}
	}

	return nil
}

// advanceCheckpoint moves the cursor forward inside an open transaction.
// The cursor never moves backward, even if a stale run commits late.
func (s *Store) advanceCheckpoint(txn *badger.Txn, subjectID int64, cutoff time.Time) error {
	var current state.Checkpoint
	item, err := txn.Get(checkpointKey(subjectID))
	if err == nil {
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}
		if current.LastProcessed.After(cutoff) {
			return nil
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	value, err := json.Marshal(state.Checkpoint{
		SubjectID:     subjectID,
		LastProcessed: cutoff,
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return txn.Set(checkpointKey(subjectID), value)
}

// AcquireLease takes the subject's in-process lease. Badger is an embedded
// single-process store, so process-local exclusion is the real guarantee.
func (s *Store) AcquireLease(ctx context.Context, subjectID int64) (func(), error) {
	return s.leases.Acquire(subjectID)
}

// Stats summarizes what the store currently holds.
type Stats struct {
	RawReadings   uint64
	FeatureRows   uint64
	Subjects      uint64
	OldestReading time.Time
	NewestReading time.Time
}

// CollectStats scans the store and reports record counts and the raw data
// time range.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			key := it.Item().Key()
			switch key[0] {
			case prefixReading:
				stats.RawReadings++
				ts := time.Unix(0, int64(binary.BigEndian.Uint64(key[9:17]))).UTC()
				if stats.OldestReading.IsZero() || ts.Before(stats.OldestReading) {
					stats.OldestReading = ts
				}
				if stats.NewestReading.IsZero() || ts.After(stats.NewestReading) {
					stats.NewestReading = ts
				}
			case prefixRow:
				stats.FeatureRows++
			case prefixCheckpoint:
				stats.Subjects++
			}
		}
		return nil
	})
	if err != nil {
		return nil, &state.StoreError{Op: "stats", Err: err}
	}

	return stats, nil
}
