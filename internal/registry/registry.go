// Package registry tracks the worker fleet on the coordinator: identity,
// theme, load, score partition, heartbeat freshness and health.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quizgrid/quizgrid/internal/storage"
)

// DefaultPartitionMax is the score hash modulus when none is configured.
const DefaultPartitionMax = 100

// Worker describes one registered worker. Values handed out by the
// registry are copies; callers never share memory with the registry.
type Worker struct {
	ID            string
	Host          string
	Port          int
	Theme         string
	Load          int
	Active        bool
	PartStart     int
	PartEnd       int
	LastHeartbeat time.Time
	LastSelected  time.Time
}

// Addr returns the dialable host:port of the worker.
func (w Worker) Addr() string {
	return w.Host + ":" + strconv.Itoa(w.Port)
}

type Config struct {
	Store        storage.Store
	PartitionMax int
	Now          func() time.Time
}

// Registry is safe for concurrent use. A single mutex serialises all
// mutations; reads copy under the lock so no I/O ever happens while it is
// held.
type Registry struct {
	mu           sync.Mutex
	workers      map[string]*Worker
	store        storage.Store
	partitionMax int
	now          func() time.Time
}

func New(c Config) *Registry {
	r := &Registry{
		workers:      make(map[string]*Worker),
		store:        c.Store,
		partitionMax: c.PartitionMax,
		now:          c.Now,
	}
	if r.partitionMax <= 0 {
		r.partitionMax = DefaultPartitionMax
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.store != nil {
		r.load()
	}
	return r
}

// Register upserts a worker by id and stamps its heartbeat. Re-registering
// an id replaces the previous descriptor.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	w.LastHeartbeat = r.now()
	w.Active = true
	r.workers[w.ID] = &w
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	slog.Info("registry: worker registered",
		"id", w.ID, "theme", w.Theme, "partition_start", w.PartStart, "partition_end", w.PartEnd)
}

// SelectForTheme returns the active worker matching theme
// (case-insensitively) with the lowest load, ties broken by the oldest
// LastSelected, and stamps its LastSelected.
func (r *Registry) SelectForTheme(theme string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Worker
	for _, w := range r.workers {
		if w.Active && strings.EqualFold(w.Theme, theme) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return Worker{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].LastSelected.Before(candidates[j].LastSelected)
	})

	chosen := candidates[0]
	chosen.LastSelected = r.now()
	return *chosen, true
}

// SelectForScorePartition returns the active worker whose partition range
// contains Hash(username). With misconfigured (overlapping or gapped)
// ranges this returns whichever matching worker iteration reaches first.
func (r *Registry) SelectForScorePartition(username string) (Worker, bool) {
	h := r.Hash(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Active && h >= w.PartStart && h <= w.PartEnd {
			return *w, true
		}
	}
	return Worker{}, false
}

// Hash maps a username onto [0, partitionMax).
func (r *Registry) Hash(username string) int {
	return HashUsername(username, r.partitionMax)
}

// HashUsername maps a username onto [0, partitionMax) with FNV-1a, so
// coordinator and workers agree on score ownership.
func HashUsername(username string, partitionMax int) int {
	h := fnv.New32a()
	h.Write([]byte(username))
	return int(h.Sum32() % uint32(partitionMax))
}

func (r *Registry) PartitionMax() int { return r.partitionMax }

// IncrementLoad bumps a worker's concurrent client count.
func (r *Registry) IncrementLoad(id string) {
	r.adjustLoad(id, +1)
}

// DecrementLoad lowers a worker's concurrent client count, floored at 0.
func (r *Registry) DecrementLoad(id string) {
	r.adjustLoad(id, -1)
}

func (r *Registry) adjustLoad(id string, delta int) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	w.Load += delta
	if w.Load < 0 {
		w.Load = 0
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
}

// Heartbeat refreshes a worker's liveness timestamp, reactivating it if
// the sweeper had marked it dead.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.LastHeartbeat = r.now()
	if !w.Active {
		w.Active = true
		slog.Info("registry: worker reactivated", "id", id)
	}
}

// SweepStale deactivates every active worker whose last heartbeat is
// older than timeout. Descriptors are kept so a worker self-heals by
// resuming heartbeats. Returns the ids deactivated by this sweep.
func (r *Registry) SweepStale(timeout time.Duration) []string {
	r.mu.Lock()
	now := r.now()
	var expired []string
	for _, w := range r.workers {
		if w.Active && now.Sub(w.LastHeartbeat) > timeout {
			w.Active = false
			expired = append(expired, w.ID)
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	for _, id := range expired {
		slog.Warn("registry: worker expired", "id", id)
	}
	r.persist(snapshot)
	return expired
}

// Snapshot returns a copy of every descriptor.
func (r *Registry) Snapshot() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Worker {
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Persistence

func (r *Registry) persist(snapshot []Worker) {
	if r.store == nil {
		return
	}

	list := make([]map[string]any, 0, len(snapshot))
	for _, w := range snapshot {
		list = append(list, map[string]any{
			"id":        w.ID,
			"host":      w.Host,
			"port":      w.Port,
			"theme":     w.Theme,
			"load":      w.Load,
			"active":    w.Active,
			"partStart": w.PartStart,
			"partEnd":   w.PartEnd,
		})
	}
	if err := r.store.Put(storage.SectionRegistry, list); err != nil {
		slog.Error("registry: persist failed", "error", err)
	}
}

func (r *Registry) load() {
	for _, m := range r.store.GetList(storage.SectionRegistry) {
		w := &Worker{
			ID:            storage.ToString(m["id"], ""),
			Host:          storage.ToString(m["host"], "localhost"),
			Port:          storage.ToInt(m["port"], 0),
			Theme:         storage.ToString(m["theme"], ""),
			Load:          storage.ToInt(m["load"], 0),
			Active:        storage.ToBool(m["active"], true),
			PartStart:     storage.ToInt(m["partStart"], 0),
			PartEnd:       storage.ToInt(m["partEnd"], 0),
			LastHeartbeat: r.now(),
		}
		if w.ID == "" {
			continue
		}
		r.workers[w.ID] = w
	}
	if len(r.workers) > 0 {
		slog.Info("registry: descriptors loaded", "count", len(r.workers))
	}
}
