// Package match runs the round/question state machine for one cohort of
// players: question selection, timed answer collection, scoring, ranking
// and history emission. A Match value is single-use.
package match

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizgrid/quizgrid/internal/domain"
	"github.com/quizgrid/quizgrid/internal/quiz"
	"github.com/quizgrid/quizgrid/internal/session"
)

// DefaultQuestionTimeout bounds a single player's answer window.
const DefaultQuestionTimeout = 15 * time.Second

// Recorder receives each participant's final score once the match is
// over. It decouples the engine from partition routing.
type Recorder func(username string, points int)

// HistorySink persists the per-participant rows of a finished match.
type HistorySink interface {
	RecordMatch(records []domain.MatchRecord) error
}

type Config struct {
	Theme           string
	Questions       []quiz.Question
	Players         []*session.Player
	QuestionCount   int
	Rounds          int
	RoundTimeout    time.Duration
	QuestionTimeout time.Duration
	Record          Recorder
	History         HistorySink
}

type Match struct {
	c  Config
	id string
}

func New(c Config) *Match {
	if c.QuestionTimeout <= 0 {
		c.QuestionTimeout = DefaultQuestionTimeout
	}
	return &Match{
		c:  c,
		id: "M-" + uuid.NewString()[:8],
	}
}

// Play runs the match to completion and releases every session. It is
// meant to run on its own goroutine; per-player I/O failures are isolated
// and never abort the match for the others.
func (m *Match) Play() {
	slog.Info("match: starting",
		"id", m.id, "theme", m.c.Theme, "players", len(m.c.Players), "rounds", m.c.Rounds)

	m.broadcast(fmt.Sprintf("MATCH_START:ID=%s;THEME=%s;PLAYERS=%s;ROUNDS=%d",
		m.id, m.c.Theme, m.playerList(), m.c.Rounds))

	for round := 1; round <= m.c.Rounds; round++ {
		m.playRound(round)
	}

	m.finish()
}

func (m *Match) playRound(round int) {
	deadline := time.Now().Add(m.c.RoundTimeout)
	m.broadcast(fmt.Sprintf("ROUND_START:%d/%d;TIMER_MS=%d",
		round, m.c.Rounds, m.c.RoundTimeout.Milliseconds()))

	for _, q := range pickQuestions(m.c.Questions, m.c.QuestionCount) {
		if time.Until(deadline) <= 0 {
			break
		}

		weighted := q.WeightedPoints()
		m.broadcast(fmt.Sprintf("QUESTION:[%s +%dpts] %s", q.DifficultyLabel(), weighted, q.Text))

		// Players answer strictly in list order; a slow early player eats
		// into the round budget left for the ones after them.
		for _, p := range m.c.Players {
			left := time.Until(deadline)
			if left <= 0 {
				break
			}
			timeout := min(m.c.QuestionTimeout, left)

			started := time.Now()
			answer, err := p.ReadLine(timeout)
			elapsed := time.Since(started)

			if err == nil && q.Correct(answer) {
				earned := quiz.SpeedBonusPoints(weighted, elapsed.Milliseconds(), timeout.Milliseconds())
				p.AddScore(earned)

				tier := "FUZZY"
				if q.CorrectExact(answer) {
					tier = "EXACT"
				}
				m.send(p, fmt.Sprintf("CORRECT:%s;PTS=%d;ELAPSED=%dms", tier, earned, elapsed.Milliseconds()))
			} else {
				m.send(p, "WRONG:ANSWER="+q.Answer)
			}
		}
	}

	m.broadcast(fmt.Sprintf("ROUND_END:%d/%d", round, m.c.Rounds))
}

func (m *Match) finish() {
	ranked := make([]*session.Player, len(m.c.Players))
	copy(ranked, m.c.Players)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score() > ranked[j].Score() })

	total := len(ranked)
	now := time.Now()

	rankOf := make(map[string]int, total)
	records := make([]domain.MatchRecord, 0, total)
	for i, p := range ranked {
		rankOf[p.Username()] = i + 1
		records = append(records, domain.MatchRecord{
			MatchID:   m.id,
			Theme:     m.c.Theme,
			Timestamp: now,
			Username:  p.Username(),
			Score:     p.Score(),
			Rank:      i + 1,
			Total:     total,
		})
	}

	if m.c.History != nil {
		if err := m.c.History.RecordMatch(records); err != nil {
			slog.Error("match: record history failed", "id", m.id, "error", err)
		}
	}

	for _, p := range m.c.Players {
		m.send(p, fmt.Sprintf("MATCH_END:Score=%d;Rang=%d;Total=%d",
			p.Score(), rankOf[p.Username()], total))
		if m.c.Record != nil {
			m.c.Record(p.Username(), p.Score())
		}
		p.Close()
		p.Finish()
	}

	slog.Info("match: finished", "id", m.id, "theme", m.c.Theme, "players", total)
}

func (m *Match) broadcast(msg string) {
	for _, p := range m.c.Players {
		m.send(p, msg)
	}
}

// send swallows write errors: a dead participant is discovered on their
// next read and must not break the match for others.
func (m *Match) send(p *session.Player, msg string) {
	if err := p.Send(msg); err != nil {
		slog.Debug("match: send failed", "id", m.id, "player", p.Username(), "error", err)
	}
}

func (m *Match) playerList() string {
	names := make([]string, 0, len(m.c.Players))
	for _, p := range m.c.Players {
		names = append(names, p.Username())
	}
	return strings.Join(names, ",")
}

// pickQuestions returns a shuffled selection of up to count questions.
func pickQuestions(pool []quiz.Question, count int) []quiz.Question {
	if len(pool) == 0 {
		return nil
	}
	shuffled := make([]quiz.Question, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:min(count, len(shuffled))]
}
