package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plantpulse/plantpulse/pkg/feature"
	"github.com/plantpulse/plantpulse/pkg/state"
	"github.com/plantpulse/plantpulse/pkg/telemetry"
)

type rowKey struct {
	subjectID int64
	ts        int64 // unix seconds
}

// Store keeps everything in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	mu          sync.RWMutex
	readings    map[uuid.UUID][]telemetry.Reading
	channels    map[int64][]telemetry.Channel
	rows        map[rowKey]feature.Row
	checkpoints map[int64]state.Checkpoint
	leases      *state.Leases
}

// New creates an empty in-memory backend.
func New() *Store {
	return &Store{
		readings:    make(map[uuid.UUID][]telemetry.Reading),
		channels:    make(map[int64][]telemetry.Channel),
		rows:        make(map[rowKey]feature.Row),
		checkpoints: make(map[int64]state.Checkpoint),
		leases:      state.NewLeases(),
	}
}

// AppendReadings stores raw readings for a channel.
func (s *Store) AppendReadings(ctx context.Context, channelID uuid.UUID, readings []telemetry.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readings[channelID] = append(s.readings[channelID], readings...)
	return nil
}

// PruneReadings drops raw readings older than the cutoff.
func (s *Store) PruneReadings(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, list := range s.readings {
		kept := list[:0]
		for _, r := range list {
			if !r.Timestamp.Before(before) {
				kept = append(kept, r)
			}
		}
		s.readings[id] = kept
	}
	return nil
}

// FetchReadings returns the channel's readings in [from, to), ordered by
// timestamp ascending.
func (s *Store) FetchReadings(ctx context.Context, channelID uuid.UUID, from, to time.Time) ([]telemetry.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.Reading
	for _, r := range s.readings[channelID] {
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

// RegisterChannel adds a channel to the registry.
func (s *Store) RegisterChannel(ctx context.Context, ch telemetry.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[ch.SubjectID] = append(s.channels[ch.SubjectID], ch)
	return nil
}

// ListSubjects returns every subject with at least one registered channel.
func (s *Store) ListSubjects(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := make([]int64, 0, len(s.channels))
	for id := range s.channels {
		subjects = append(subjects, id)
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	return subjects, nil
}

// ResolveChannels returns the subject's configured channels.
func (s *Store) ResolveChannels(ctx context.Context, subjectID int64) ([]telemetry.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]telemetry.Channel, len(s.channels[subjectID]))
	copy(channels, s.channels[subjectID])
	return channels, nil
}

// LoadCheckpoint returns the subject's checkpoint, creating the EpochMin
// default on first use.
func (s *Store) LoadCheckpoint(ctx context.Context, subjectID int64) (state.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[subjectID]
	if !ok {
		cp = state.Checkpoint{
			SubjectID:     subjectID,
			LastProcessed: state.EpochMin,
			UpdatedAt:     time.Now().UTC(),
		}
		s.checkpoints[subjectID] = cp
	}
	return cp, nil
}

// UpsertRows overwrites rows keyed by (subject, timestamp) without touching
// any checkpoint. CommitWindow builds on this; tests use it to simulate a
// crash between the row write and the checkpoint advance.
func (s *Store) UpsertRows(ctx context.Context, rows []feature.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.rows[rowKey{row.SubjectID, row.Timestamp.Unix()}] = row
	}
	return nil
}

// CommitWindow upserts the rows and advances the checkpoint atomically
// (the whole store is guarded by one mutex, so there is no partial state
// to observe).
func (s *Store) CommitWindow(ctx context.Context, subjectID int64, rows []feature.Row, cutoff time.Time, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.rows[rowKey{row.SubjectID, row.Timestamp.Unix()}] = row
	}

	// The cursor never moves backward, even if a stale run commits late
	if cur, ok := s.checkpoints[subjectID]; ok && cur.LastProcessed.After(cutoff) {
		return nil
	}
	s.checkpoints[subjectID] = state.Checkpoint{
		SubjectID:     subjectID,
		LastProcessed: cutoff,
		UpdatedAt:     time.Now().UTC(),
	}
	return nil
}

// AcquireLease takes the subject's in-process lease.
func (s *Store) AcquireLease(ctx context.Context, subjectID int64) (func(), error) {
	return s.leases.Acquire(subjectID)
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}

// Rows returns the subject's stored rows ordered by timestamp. Test helper.
func (s *Store) Rows(subjectID int64) []feature.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []feature.Row
	for key, row := range s.rows {
		if key.subjectID == subjectID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	return rows
}
