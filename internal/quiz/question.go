// Package quiz holds the question model and the answer-checking and
// scoring rules shared by solo and multiplayer matches.
package quiz

import (
	"strings"

	"github.com/shopspring/decimal"
)

// levenshteinThreshold is the maximum relative edit distance accepted as a
// fuzzy match.
const levenshteinThreshold = 0.25

// speedBonusMax is the maximum speed bonus, as a fraction of the weighted
// points.
var speedBonusMax = decimal.NewFromFloat(0.5)

// Question is an immutable quiz question. Difficulty is clamped to 1..3;
// non-positive points fall back to 10.
type Question struct {
	Text       string
	Answer     string
	Difficulty int
	Points     int
}

func New(text, answer string, difficulty, points int) Question {
	if difficulty < 1 {
		difficulty = 1
	} else if difficulty > 3 {
		difficulty = 3
	}
	if points <= 0 {
		points = 10
	}
	return Question{Text: text, Answer: answer, Difficulty: difficulty, Points: points}
}

// WeightedPoints returns the base points scaled by difficulty:
// easy ×1, medium ×1.5 (truncated), hard ×2.
func (q Question) WeightedPoints() int {
	base := decimal.NewFromInt(int64(q.Points))
	switch q.Difficulty {
	case 2:
		return int(base.Mul(decimal.NewFromFloat(1.5)).IntPart())
	case 3:
		return int(base.Mul(decimal.NewFromInt(2)).IntPart())
	default:
		return q.Points
	}
}

// DifficultyLabel renders the star rating shown to players.
func (q Question) DifficultyLabel() string {
	switch q.Difficulty {
	case 2:
		return "★★"
	case 3:
		return "★★★"
	default:
		return "★"
	}
}

// Correct reports whether answer matches, exactly or fuzzily: normalized
// equality, or a relative Levenshtein distance within the threshold.
func (q Question) Correct(answer string) bool {
	a := Normalize(q.Answer)
	b := Normalize(answer)
	if a == b {
		return true
	}

	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return true
	}
	return float64(levenshtein(a, b))/float64(maxLen) <= levenshteinThreshold
}

// CorrectExact reports whether answer matches after normalization only,
// with no edit-distance tolerance.
func (q Question) CorrectExact(answer string) bool {
	return Normalize(q.Answer) == Normalize(answer)
}

// SpeedBonusPoints computes the points earned for a correct answer:
// weighted points plus a linear speed bonus capped at +50%, reaching zero
// at or beyond the timeout.
func SpeedBonusPoints(weighted int, elapsedMs, timeoutMs int64) int {
	if timeoutMs <= 0 {
		return weighted
	}

	ratio := 1.0 - float64(elapsedMs)/float64(timeoutMs)
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	bonus := decimal.NewFromInt(int64(weighted)).
		Mul(speedBonusMax).
		Mul(decimal.NewFromFloat(ratio)).
		Round(0)
	return weighted + int(bonus.IntPart())
}

// Normalize lowers the string, strips accents and anything outside
// [a-z0-9 ], and collapses runs of spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true // leading spaces dropped
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		r = stripAccent(r)
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimRight(b.String(), " ")
}

func stripAccent(r rune) rune {
	switch r {
	case 'à', 'á', 'â', 'ã', 'ä', 'å':
		return 'a'
	case 'è', 'é', 'ê', 'ë':
		return 'e'
	case 'ì', 'í', 'î', 'ï':
		return 'i'
	case 'ò', 'ó', 'ô', 'õ', 'ö':
		return 'o'
	case 'ù', 'ú', 'û', 'ü':
		return 'u'
	case 'ç':
		return 'c'
	}
	return r
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}

	return prev[len(b)]
}
