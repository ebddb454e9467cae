// Package history persists one row per participant per finished match and
// serves the per-user history queries forwarded by the coordinator.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/quizgrid/quizgrid/internal/domain"
	"github.com/quizgrid/quizgrid/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

type Service struct {
	mu    sync.Mutex
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// RecordMatch appends every participant's row for one match.
func (s *Service) RecordMatch(records []domain.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.store.GetList(storage.SectionMatches)
	for _, r := range records {
		rows = append(rows, map[string]any{
			"matchId":   r.MatchID,
			"timestamp": r.Timestamp.UnixMilli(),
			"theme":     r.Theme,
			"username":  r.Username,
			"score":     r.Score,
			"rank":      r.Rank,
			"total":     r.Total,
		})
	}
	return s.store.Put(storage.SectionMatches, rows)
}

// ForUser returns the user's most recent rows, oldest first, formatted as
// protocol history lines: date;matchId;theme;score;rank/total.
func (s *Service) ForUser(username string, limit int) []string {
	s.mu.Lock()
	rows := s.store.GetList(storage.SectionMatches)
	s.mu.Unlock()

	var lines []string
	for _, row := range rows {
		if storage.ToString(row["username"], "") != username {
			continue
		}
		ts := time.UnixMilli(int64(storage.ToInt(row["timestamp"], 0))).UTC()
		lines = append(lines, fmt.Sprintf("%s;%s;%s;%d;%d/%d",
			ts.Format(timeLayout),
			storage.ToString(row["matchId"], ""),
			storage.ToString(row["theme"], ""),
			storage.ToInt(row["score"], 0),
			storage.ToInt(row["rank"], 0),
			storage.ToInt(row["total"], 0),
		))
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}
