// Package score keeps one named score map: a worker's owned partition, or
// the coordinator's merged global view. Every mutation is flushed to the
// document store immediately so on-disk staleness stays bounded.
package score

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quizgrid/quizgrid/internal/domain"
	"github.com/quizgrid/quizgrid/internal/event"
	"github.com/quizgrid/quizgrid/internal/storage"
)

type Config struct {
	Store storage.Store
	// PartitionKey selects a key under scores_partitions; empty means the
	// global scores_global section.
	PartitionKey string
	// EventBus, when set, receives an EventScoreUpdated after every Add.
	EventBus *event.Bus
}

type Service struct {
	mu           sync.Mutex
	scores       map[string]int
	store        storage.Store
	partitionKey string
	eb           *event.Bus
}

func NewService(c Config) *Service {
	s := &Service{
		scores:       make(map[string]int),
		store:        c.Store,
		partitionKey: c.PartitionKey,
		eb:           c.EventBus,
	}
	s.load()
	return s
}

// Add accumulates points for username and returns the new total.
func (s *Service) Add(username string, points int) int {
	s.mu.Lock()
	s.scores[username] += points
	total := s.scores[username]
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.flush(snapshot)

	if s.eb != nil {
		s.eb.Publish(context.Background(), domain.EventScoreUpdated{
			Score: domain.Score{Username: username, Total: total, UpdateTime: time.Now()},
		})
	}
	return total
}

// MergeMax folds a snapshot in, keeping the larger value per username.
// Merging the same snapshot twice is a no-op, which makes aggregation
// runs safe to repeat.
func (s *Service) MergeMax(snapshot map[string]int) {
	s.mu.Lock()
	for username, sc := range snapshot {
		if sc > s.scores[username] {
			s.scores[username] = sc
		}
	}
	out := s.snapshotLocked()
	s.mu.Unlock()

	s.flush(out)
}

func (s *Service) Get(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[username]
}

// Snapshot returns a copy of the whole map.
func (s *Service) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Ranking returns all entries sorted by score descending, ties by
// username for determinism.
func (s *Service) Ranking() []domain.LeaderboardEntry {
	snapshot := s.Snapshot()

	entries := make([]domain.LeaderboardEntry, 0, len(snapshot))
	for username, sc := range snapshot {
		entries = append(entries, domain.LeaderboardEntry{Username: username, Score: sc})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Username < entries[j].Username
	})
	return entries
}

func (s *Service) snapshotLocked() map[string]int {
	out := make(map[string]int, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// Persistence

func (s *Service) load() {
	if s.store == nil {
		return
	}

	var section map[string]any
	if s.partitionKey == "" {
		section = s.store.GetMap(storage.SectionScores)
	} else {
		partitions := s.store.GetMap(storage.SectionPartitions)
		m, ok := partitions[s.partitionKey].(map[string]any)
		if !ok {
			return
		}
		section = m
	}

	for username, v := range section {
		s.scores[username] = storage.ToInt(v, 0)
	}
	if len(s.scores) > 0 {
		slog.Info("score: loaded", "count", len(s.scores), "partition", s.partitionKey)
	}
}

func (s *Service) flush(snapshot map[string]int) {
	if s.store == nil {
		return
	}

	m := make(map[string]any, len(snapshot))
	for username, sc := range snapshot {
		m[username] = sc
	}

	var err error
	if s.partitionKey == "" {
		err = s.store.Put(storage.SectionScores, m)
	} else {
		err = s.store.PutPartition(s.partitionKey, m)
	}
	if err != nil {
		slog.Error("score: flush failed", "partition", s.partitionKey, "error", err)
	}
}
