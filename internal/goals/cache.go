package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hivemark/hivemark/internal/domain"
	"github.com/hivemark/hivemark/internal/pkg/epoch"
)

// Snapshot is a point-in-time copy of the cached goal state.
type Snapshot struct {
	Goals       []domain.Goal
	Pinned      map[string]bool
	LastRefresh time.Time
}

// Cache is the file-backed goal metadata cache: the goal list, the pinned
// slug set, and the last refresh stamp, persisted as one JSON document with
// the same temp-then-rename discipline as the queue file.
type Cache struct {
	path string

	mu          sync.Mutex
	goals       []domain.Goal
	pinned      map[string]bool
	lastRefresh time.Time
}

type cacheState struct {
	Goals       []domain.Goal `json:"goals"`
	Pinned      []string      `json:"pinned"`
	LastRefresh *epoch.Time   `json:"lastRefresh,omitempty"`
}

// NewCache creates a cache backed by the given file. Call Hydrate before
// use.
func NewCache(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("goals cache path is required")
	}
	return &Cache{path: path, pinned: make(map[string]bool)}, nil
}

// Hydrate loads persisted cache state. A missing or unreadable file degrades
// to an empty cache.
func (c *Cache) Hydrate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("failed to read goals cache, starting empty", "path", c.path, "error", err)
		}
		return nil
	}
	var state cacheState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Error("failed to parse goals cache, starting empty", "path", c.path, "error", err)
		return nil
	}
	c.goals = state.Goals
	c.pinned = make(map[string]bool, len(state.Pinned))
	for _, slug := range state.Pinned {
		c.pinned[slug] = true
	}
	if state.LastRefresh != nil {
		c.lastRefresh = state.LastRefresh.Time
	}
	return nil
}

// Load returns a snapshot copy of the cached state.
func (c *Cache) Load(_ context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	pinned := make(map[string]bool, len(c.pinned))
	for slug := range c.pinned {
		pinned[slug] = true
	}
	return Snapshot{
		Goals:       append([]domain.Goal(nil), c.goals...),
		Pinned:      pinned,
		LastRefresh: c.lastRefresh,
	}
}

// SaveGoals replaces the cached goal list and refresh stamp.
func (c *Cache) SaveGoals(_ context.Context, goals []domain.Goal, refreshedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goals = append([]domain.Goal(nil), goals...)
	c.lastRefresh = refreshedAt
	return c.saveLocked()
}

// SetPinned replaces the pinned slug set.
func (c *Cache) SetPinned(_ context.Context, slugs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		c.pinned[NormalizeSlug(slug)] = true
	}
	return c.saveLocked()
}

// Clear empties the cache and removes the backing file. Used on sign-out.
func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goals = nil
	c.pinned = make(map[string]bool)
	c.lastRefresh = time.Time{}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove goals cache: %w", err)
	}
	return nil
}

func (c *Cache) saveLocked() error {
	state := cacheState{
		Goals:  append([]domain.Goal(nil), c.goals...),
		Pinned: make([]string, 0, len(c.pinned)),
	}
	for slug := range c.pinned {
		state.Pinned = append(state.Pinned, slug)
	}
	if !c.lastRefresh.IsZero() {
		stamp := epoch.At(c.lastRefresh)
		state.LastRefresh = &stamp
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode goals cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create goals cache directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write goals cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace goals cache: %w", err)
	}
	return nil
}
