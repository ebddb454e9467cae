package domain

const (
	EventNameScoreUpdated  = "score.updated"
	EventNameScoresMerged  = "scores.merged"
	EventNameWorkerExpired = "worker.expired"
)

// EventScoreUpdated fires when a single score reaches the coordinator's
// global view (a SCORE message from a worker).
type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

// EventScoresMerged fires after an aggregation run max-merged worker
// snapshots into the global view.
type EventScoresMerged struct {
	Leaderboard Leaderboard
}

func (EventScoresMerged) Name() string { return EventNameScoresMerged }

// EventWorkerExpired fires when the heartbeat sweeper deactivates a worker.
type EventWorkerExpired struct {
	WorkerID string
}

func (EventWorkerExpired) Name() string { return EventNameWorkerExpired }
