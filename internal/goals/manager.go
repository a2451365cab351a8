package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hivemark/hivemark/internal/credentials"
	"github.com/hivemark/hivemark/internal/domain"
	"github.com/hivemark/hivemark/internal/remote"
)

// DefaultStaleAfter is how long cached goals are served before a refresh is
// considered worthwhile.
const DefaultStaleAfter = 5 * time.Minute

// ErrUnauthorized is returned when the remote rejects the credential during
// a refresh.
var ErrUnauthorized = errors.New("goal refresh unauthorized")

// Manager refreshes the goal cache from the remote service, throttled so
// that UI-driven reads do not hammer the API. A failed refresh serves stale
// cached data rather than erroring the read path.
type Manager struct {
	cache      *Cache
	api        remote.API
	creds      credentials.Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewManager creates a manager. staleAfter defaults to DefaultStaleAfter
// when zero.
func NewManager(cache *Cache, api remote.API, creds credentials.Store, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		cache:      cache,
		api:        api,
		creds:      creds,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Goals returns the cached goals, refreshing first when the cache has gone
// stale. Refresh failures fall back to the cached copy.
func (m *Manager) Goals(ctx context.Context) ([]domain.Goal, error) {
	snapshot := m.cache.Load(ctx)
	if m.now().Sub(snapshot.LastRefresh) < m.staleAfter {
		return snapshot.Goals, nil
	}
	if err := m.Refresh(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		slog.Warn("goal refresh failed, serving cached goals", "error", err)
	}
	return m.cache.Load(ctx).Goals, nil
}

// Refresh fetches goals from the remote service and replaces the cache,
// newest-updated first.
func (m *Manager) Refresh(ctx context.Context) error {
	token, err := m.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if token == "" {
		return ErrUnauthorized
	}

	fetched, err := m.api.FetchGoals(ctx, token)
	if err != nil {
		var statusErr *remote.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == 401 {
			return ErrUnauthorized
		}
		return fmt.Errorf("fetch goals: %w", err)
	}

	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].UpdatedAt.After(fetched[j].UpdatedAt.Time)
	})
	return m.cache.SaveGoals(ctx, fetched, m.now())
}

// Pinned returns the pinned slug set.
func (m *Manager) Pinned(ctx context.Context) map[string]bool {
	return m.cache.Load(ctx).Pinned
}

// SetPinned replaces the pinned slug set.
func (m *Manager) SetPinned(ctx context.Context, slugs []string) error {
	return m.cache.SetPinned(ctx, slugs)
}

// Clear drops all cached goal state. Used on sign-out.
func (m *Manager) Clear(ctx context.Context) error {
	return m.cache.Clear(ctx)
}
