// Package themes loads the per-theme question pools from the document
// store. The themes_json section is the primary source; the themes_txt
// section (theme → "question;answer" lines) is a legacy fallback.
package themes

import (
	"strings"

	"github.com/quizgrid/quizgrid/internal/quiz"
	"github.com/quizgrid/quizgrid/internal/storage"
)

type Catalog struct {
	pools map[string][]quiz.Question
	names []string
}

// Load reads both theme sections once; the catalog is immutable afterwards.
func Load(store storage.Store) *Catalog {
	c := &Catalog{pools: make(map[string][]quiz.Question)}

	for _, entry := range store.GetList(storage.SectionThemesJSON) {
		theme := storage.ToString(entry["theme"], "")
		text := storage.ToString(entry["question"], "")
		answer := storage.ToString(entry["answer"], "")
		if theme == "" || text == "" || answer == "" {
			continue
		}
		difficulty := storage.ToInt(entry["difficulty"], 1)
		points := storage.ToInt(entry["points"], 10)
		c.add(theme, quiz.New(text, answer, difficulty, points))
	}

	for theme, v := range store.GetMap(storage.SectionThemesText) {
		lines, ok := v.([]any)
		if !ok {
			continue
		}
		for _, l := range lines {
			line, ok := l.(string)
			if !ok {
				continue
			}
			parts := strings.SplitN(line, ";", 2)
			if len(parts) < 2 {
				continue
			}
			c.add(theme, quiz.New(parts[0], parts[1], 1, 10))
		}
	}

	return c
}

func (c *Catalog) add(theme string, q quiz.Question) {
	key := strings.ToLower(theme)
	if _, seen := c.pools[key]; !seen {
		c.names = append(c.names, theme)
	}
	c.pools[key] = append(c.pools[key], q)
}

// Questions returns the pool for a theme, matched case-insensitively.
func (c *Catalog) Questions(theme string) []quiz.Question {
	return c.pools[strings.ToLower(theme)]
}

// Has reports whether a theme exists, matched case-insensitively.
func (c *Catalog) Has(theme string) bool {
	_, ok := c.pools[strings.ToLower(theme)]
	return ok
}

// Names returns the theme names in load order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}
