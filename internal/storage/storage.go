// Package storage provides the shared JSON document store. All persisted
// state lives in one document of named top-level sections; writes are
// read-modify-write followed by an atomic rename so concurrent processes
// never observe a torn file.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Section names of the shared document.
const (
	SectionUsers      = "users"
	SectionThemesJSON = "themes_json"
	SectionThemesText = "themes_txt"
	SectionRegistry   = "registre"
	SectionScores     = "scores_global"
	SectionPartitions = "scores_partitions"
	SectionMatches    = "matches"
)

// Store is the narrow persistence contract consumed by the rest of the
// system.
type Store interface {
	// GetList returns a copy of a list-valued section; missing or
	// differently-typed sections yield an empty list.
	GetList(section string) []map[string]any
	// GetMap returns a copy of a map-valued section; missing or
	// differently-typed sections yield an empty map.
	GetMap(section string) map[string]any
	// Put replaces a top-level section and persists the document.
	Put(section string, value any) error
	// PutPartition replaces one key inside the scores_partitions section.
	PutPartition(key string, value any) error
}

// FileStore implements Store over a single JSON file.
type FileStore struct {
	mu    sync.Mutex
	path  string
	cache map[string]any
}

func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	doc, err := s.readFile()
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	s.cache = doc
	return s, nil
}

func (s *FileStore) GetList(section string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.cache[section].([]any)
	if !ok {
		return nil
	}

	list := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			list = append(list, m)
		}
	}
	return list
}

func (s *FileStore) GetMap(section string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.cache[section].(map[string]any)
	if !ok {
		return map[string]any{}
	}

	m := make(map[string]any, len(raw))
	for k, v := range raw {
		m[k] = v
	}
	return m
}

func (s *FileStore) Put(section string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.readFile()
	if err != nil {
		return fmt.Errorf("storage: reload before write: %w", err)
	}
	fresh[section] = normalize(value)

	if err := s.writeAtomic(fresh); err != nil {
		return fmt.Errorf("storage: write %s: %w", s.path, err)
	}
	s.cache = fresh
	return nil
}

func (s *FileStore) PutPartition(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.readFile()
	if err != nil {
		return fmt.Errorf("storage: reload before write: %w", err)
	}

	partitions, ok := fresh[SectionPartitions].(map[string]any)
	if !ok {
		partitions = map[string]any{}
	}
	partitions[key] = normalize(value)
	fresh[SectionPartitions] = partitions

	if err := s.writeAtomic(fresh); err != nil {
		return fmt.Errorf("storage: write %s: %w", s.path, err)
	}
	s.cache = fresh
	return nil
}

func (s *FileStore) readFile() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return emptyDocument(), nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Error("storage: document is corrupt, starting empty", "path", s.path, "error", err)
		return emptyDocument(), nil
	}
	return doc, nil
}

func (s *FileStore) writeAtomic(doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// normalize round-trips value through the JSON type system so the cache
// holds the same shapes a reload would.
func normalize(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}

func emptyDocument() map[string]any {
	return map[string]any{
		SectionUsers:      []any{},
		SectionThemesJSON: []any{},
		SectionThemesText: map[string]any{},
		SectionRegistry:   []any{},
		SectionScores:     map[string]any{},
		SectionPartitions: map[string]any{},
		SectionMatches:    []any{},
	}
}

// ToInt coerces a JSON-decoded value into an int.
func ToInt(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	default:
		return fallback
	}
}

// ToString coerces a JSON-decoded value into a string.
func ToString(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// ToBool coerces a JSON-decoded value into a bool.
func ToBool(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}
