// Package leaderboard serves the coordinator's merged score ranking. When
// a Redis client is configured the ranking is mirrored into a sorted set
// and read back from there; otherwise it is computed from the in-memory
// global score view.
package leaderboard

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quizgrid/quizgrid/internal/domain"
	"github.com/quizgrid/quizgrid/internal/event"
	"github.com/quizgrid/quizgrid/internal/score"
)

type Config struct {
	EventBus *event.Bus
	Scores   *score.Service
	// Redis is optional; nil selects the in-memory fallback.
	Redis  redis.UniversalClient
	Prefix string
}

type Service struct {
	scores *score.Service
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		scores: c.Scores,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
			return s.mirrorScore(ctx, e.(domain.EventScoreUpdated).Score)
		})
		c.EventBus.Subscribe(domain.EventNameScoresMerged, func(ctx context.Context, e event.Event) error {
			return s.mirrorAll(ctx, e.(domain.EventScoresMerged).Leaderboard)
		})
	}

	return s
}

// Leaderboard returns all entries sorted by score descending.
func (s *Service) Leaderboard(ctx context.Context) (*domain.Leaderboard, error) {
	if s.redis == nil {
		return &domain.Leaderboard{Entries: s.scores.Ranking()}, nil
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.key(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: zrevrange: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			Username: z.Member.(string),
			Score:    int(z.Score),
		})
	}
	return &domain.Leaderboard{Entries: entries}, nil
}

// mirrorScore overwrites one member's score in the sorted set.
func (s *Service) mirrorScore(ctx context.Context, sc domain.Score) error {
	if s.redis == nil {
		return nil
	}

	err := s.redis.ZAdd(ctx, s.key(), redis.Z{
		Score:  float64(sc.Total),
		Member: sc.Username,
	}).Err()
	if err != nil {
		return fmt.Errorf("leaderboard: zadd: %w", err)
	}
	return nil
}

// mirrorAll rewrites the whole sorted set after an aggregation run.
func (s *Service) mirrorAll(ctx context.Context, l domain.Leaderboard) error {
	if s.redis == nil || len(l.Entries) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(l.Entries))
	for _, e := range l.Entries {
		members = append(members, redis.Z{Score: float64(e.Score), Member: e.Username})
	}
	if err := s.redis.ZAdd(ctx, s.key(), members...).Err(); err != nil {
		return fmt.Errorf("leaderboard: zadd merged: %w", err)
	}
	return nil
}

func (s *Service) key() string {
	return s.prefix + ":leaderboard"
}
