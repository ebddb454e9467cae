package match

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quizgrid/quizgrid/internal/domain"
	"github.com/quizgrid/quizgrid/internal/quiz"
	"github.com/quizgrid/quizgrid/internal/session"
)

// Solo runs a single-player match. Unlike the multiplayer engine there is
// no shared round budget, only a per-question timer, and the end summary
// carries detailed statistics (accuracy, mean answer time, best streak,
// mention).
type Solo struct {
	c  SoloConfig
	id string
}

type SoloConfig struct {
	Theme           string
	Questions       []quiz.Question
	Player          *session.Player
	QuestionCount   int
	QuestionTimeout time.Duration
	Record          Recorder
	History         HistorySink
}

func NewSolo(c SoloConfig) *Solo {
	if c.QuestionTimeout <= 0 {
		c.QuestionTimeout = DefaultQuestionTimeout
	}
	return &Solo{
		c:  c,
		id: "SOLO-" + uuid.NewString()[:8],
	}
}

// Play runs the solo match to completion and releases the session.
func (s *Solo) Play() {
	p := s.c.Player
	selection := pickQuestions(s.c.Questions, s.c.QuestionCount)
	total := len(selection)

	slog.Info("match: solo starting", "id", s.id, "theme", s.c.Theme, "player", p.Username())
	s.send(fmt.Sprintf("SOLO_START:ID=%s;THEME=%s;NB_QUESTIONS=%d", s.id, s.c.Theme, total))

	var (
		correct    int
		totalTime  time.Duration
		bestStreak int
		streak     int
	)

	for i, q := range selection {
		weighted := q.WeightedPoints()
		s.send(fmt.Sprintf("SOLO_QUESTION:%d/%d;[%s +%dpts] %s",
			i+1, total, q.DifficultyLabel(), weighted, q.Text))

		started := time.Now()
		answer, err := p.ReadLine(s.c.QuestionTimeout)
		elapsed := time.Since(started)
		if err != nil {
			elapsed = s.c.QuestionTimeout
		}
		totalTime += elapsed

		if err == nil && q.Correct(answer) {
			earned := quiz.SpeedBonusPoints(weighted, elapsed.Milliseconds(), s.c.QuestionTimeout.Milliseconds())
			p.AddScore(earned)
			correct++
			streak++
			bestStreak = max(bestStreak, streak)

			tier := "FUZZY"
			if q.CorrectExact(answer) {
				tier = "EXACT"
			}
			s.send(fmt.Sprintf("SOLO_CORRECT:%s;PTS=%d;ELAPSED=%dms;COMBO=%d",
				tier, earned, elapsed.Milliseconds(), streak))
		} else {
			streak = 0
			s.send("SOLO_WRONG:ANSWER=" + q.Answer)
		}
	}

	score := p.Score()
	pct := 0
	meanTime := time.Duration(0)
	if total > 0 {
		pct = correct * 100 / total
		meanTime = totalTime / time.Duration(total)
	}

	if s.c.History != nil {
		err := s.c.History.RecordMatch([]domain.MatchRecord{{
			MatchID:   s.id,
			Theme:     s.c.Theme,
			Timestamp: time.Now(),
			Username:  p.Username(),
			Score:     score,
			Rank:      1,
			Total:     1,
		}})
		if err != nil {
			slog.Error("match: record solo history failed", "id", s.id, "error", err)
		}
	}
	if s.c.Record != nil {
		s.c.Record(p.Username(), score)
	}

	s.send(fmt.Sprintf("SOLO_END:Score=%d;Bonnes=%d/%d;Pct=%d;TempsMoyen=%dms;MeilleureCombo=%d;Mention=%s",
		score, correct, total, pct, meanTime.Milliseconds(), bestStreak, mention(pct)))

	p.Close()
	p.Finish()
	slog.Info("match: solo finished", "id", s.id, "player", p.Username(), "score", score)
}

func (s *Solo) send(msg string) {
	if err := s.c.Player.Send(msg); err != nil {
		slog.Debug("match: solo send failed", "id", s.id, "error", err)
	}
}

// mention bands the accuracy percentage into a qualitative grade.
func mention(pct int) string {
	switch {
	case pct >= 90:
		return "EXCELLENT"
	case pct >= 70:
		return "BIEN"
	case pct >= 50:
		return "PASSABLE"
	default:
		return "A_AMELIORER"
	}
}
