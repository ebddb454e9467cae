// Package matchmaking groups waiting player sessions into match-ready
// cohorts, keyed by room code (empty key = public pool). The queue is
// polled by the worker's matchmaker loop rather than event-driven.
package matchmaking

import (
	"sync"

	"github.com/quizgrid/quizgrid/internal/session"
)

type Queue struct {
	mu      sync.Mutex
	waiting map[string][]*session.Player
	order   []string // room keys in first-seen order
}

func NewQueue() *Queue {
	return &Queue{waiting: make(map[string][]*session.Player)}
}

// Enqueue appends the session to its room's waiting list.
func (q *Queue) Enqueue(p *session.Player) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := p.RoomCode()
	if _, seen := q.waiting[key]; !seen {
		q.order = append(q.order, key)
	}
	q.waiting[key] = append(q.waiting[key], p)
}

// TryFormGroup scans rooms in insertion order, lazily dropping inactive
// sessions, and takes up to maxPlayers from the front of the first room
// with at least minPlayers live sessions. Returns nil when no room
// qualifies.
func (q *Queue) TryFormGroup(minPlayers, maxPlayers int) []*session.Player {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, key := range q.order {
		live := q.waiting[key][:0]
		for _, p := range q.waiting[key] {
			if p.Active() {
				live = append(live, p)
			}
		}
		q.waiting[key] = live

		if len(live) < minPlayers {
			continue
		}

		count := min(maxPlayers, len(live))
		group := make([]*session.Player, count)
		copy(group, live[:count])

		rest := live[count:]
		if len(rest) == 0 {
			q.remove(key)
		} else {
			q.waiting[key] = append([]*session.Player(nil), rest...)
		}
		return group
	}
	return nil
}

// Waiting returns the number of queued sessions, live or not.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, players := range q.waiting {
		n += len(players)
	}
	return n
}

func (q *Queue) remove(key string) {
	delete(q.waiting, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
