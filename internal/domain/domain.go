package domain

import "time"

// Score represents a user's accumulated score as seen by the coordinator.
type Score struct {
	Username   string
	Total      int
	WorkerID   string
	UpdateTime time.Time
}

// Leaderboard is the merged global score view, sorted by score in
// descending order.
type Leaderboard struct {
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	Username string
	Score    int
}

// MatchRecord is one persisted history row: a single participant's result
// in a finished match.
type MatchRecord struct {
	MatchID   string
	Theme     string
	Timestamp time.Time
	Username  string
	Score     int
	Rank      int
	Total     int
}
