// Package catalog tracks the live set of free models the gateway may forward
// to. The set is refreshed from the upstream model list and published as an
// immutable snapshot, so readers never lock.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

const freeSuffix = ":free"

// Lister fetches the model ids the upstream currently serves.
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	models    map[string]struct{}
	def       string
	fetchedAt time.Time
}

func newSnapshot(def string, ids []string, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		models:    make(map[string]struct{}, len(ids)+1),
		def:       def,
		fetchedAt: fetchedAt,
	}
	s.models[def] = struct{}{}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.models[id] = struct{}{}
		}
	}
	return s
}

// NewSnapshot builds a snapshot that always contains def.
func NewSnapshot(def string, ids ...string) *Snapshot {
	return newSnapshot(def, ids, time.Time{})
}

func (s *Snapshot) Contains(id string) bool {
	_, ok := s.models[id]
	return ok
}

func (s *Snapshot) Default() string {
	return s.def
}

// Models returns the ids in lexical order.
func (s *Snapshot) Models() []string {
	out := make([]string, 0, len(s.models))
	for id := range s.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FetchedAt is the time of the refresh that produced the snapshot, zero for
// the seed snapshot.
func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

type Config struct {
	DefaultModel string
	// SeedModels are available before the first successful refresh.
	SeedModels []string
	// AllowedModels, when non-empty, restricts the catalog to these ids.
	AllowedModels []string
	// ExtraFreeModels are treated as free even without the ":free" suffix.
	ExtraFreeModels []string
}

type Catalog struct {
	lister  Lister
	cfg     Config
	allowed map[string]struct{}
	free    map[string]struct{}
	current atomic.Pointer[Snapshot]
	now     func() time.Time
	created time.Time
}

func New(lister Lister, cfg Config) *Catalog {
	c := &Catalog{
		lister:  lister,
		cfg:     cfg,
		allowed: toSet(cfg.AllowedModels),
		free:    toSet(cfg.ExtraFreeModels),
		now:     time.Now,
	}
	c.created = c.now()
	c.current.Store(newSnapshot(cfg.DefaultModel, cfg.SeedModels, time.Time{}))
	return c
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Snapshot returns the current snapshot. Never nil.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

func (c *Catalog) isFree(id string) bool {
	if _, ok := c.free[id]; ok {
		return true
	}
	return strings.HasSuffix(id, freeSuffix)
}

func (c *Catalog) isAllowed(id string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[id]
	return ok
}

// Refresh replaces the snapshot with the upstream's current free models. On
// any failure, including an upstream list that lost the default model, the
// previous snapshot stays in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	ids, err := c.lister.ListModels(ctx)
	if err != nil {
		metrics.RecordCatalogRefresh(false, 0)
		return fmt.Errorf("list models: %w", err)
	}

	var keep []string
	hasDefault := false
	for _, id := range ids {
		if id == c.cfg.DefaultModel {
			hasDefault = true
		}
		if c.isFree(id) && c.isAllowed(id) {
			keep = append(keep, id)
		}
	}
	if !hasDefault {
		metrics.RecordCatalogRefresh(false, 0)
		return fmt.Errorf("default model %q missing from upstream list of %d models", c.cfg.DefaultModel, len(ids))
	}

	snap := newSnapshot(c.cfg.DefaultModel, keep, c.now())
	c.current.Store(snap)
	metrics.RecordCatalogRefresh(true, len(snap.models))
	return nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	c.refreshAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAndLog(ctx)
		}
	}
}

func (c *Catalog) refreshAndLog(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("catalog refresh failed, keeping previous snapshot",
			"error", err,
			"models", len(c.Snapshot().models),
		)
		return
	}
	snap := c.Snapshot()
	slog.Debug("catalog refreshed", "models", len(snap.models), "default", snap.Default())
}

// Fresh reports whether the snapshot was refreshed within maxAge. The seed
// snapshot counts as fresh for maxAge after the catalog was created, so a
// failing first refresh does not take the instance out of rotation at once.
func (c *Catalog) Fresh(maxAge time.Duration) bool {
	fetched := c.Snapshot().FetchedAt()
	if fetched.IsZero() {
		fetched = c.created
	}
	return c.now().Sub(fetched) <= maxAge
}
