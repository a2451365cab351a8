package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists the whole collection as one JSON document, rewritten
// atomically (temp file then rename) on every mutation, so a crash mid-write
// leaves either the old or the new complete state.
type FileStore struct {
	path           string
	stuckThreshold int

	mu    sync.Mutex
	items []Item
	now   func() time.Time
}

type fileState struct {
	Items []Item `json:"items"`
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// Path of the backing JSON file.
	Path string
	// StuckThreshold overrides DefaultStuckThreshold when positive.
	StuckThreshold int
}

// NewFileStore creates a file-backed store. Call Hydrate before use.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Path == "" {
		return nil, errors.New("queue file path is required")
	}
	threshold := opts.StuckThreshold
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &FileStore{
		path:           opts.Path,
		stuckThreshold: threshold,
		items:          []Item{},
		now:            time.Now,
	}, nil
}

// Hydrate loads the persisted collection. A missing file is an empty queue.
// A file that cannot be parsed degrades to an empty queue rather than
// crashing: the condition is logged and the next successful save replaces it.
func (s *FileStore) Hydrate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		slog.Error("failed to read queue file, starting empty", "path", s.path, "error", err)
		return nil
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Error("failed to parse queue file, starting empty", "path", s.path, "error", err)
		s.items = []Item{}
		return nil
	}
	s.items = state.Items
	if s.items == nil {
		s.items = []Item{}
	}
	return nil
}

func (s *FileStore) Enqueue(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	s.saveLocked()
	return nil
}

func (s *FileStore) MarkAttempt(_ context.Context, id uuid.UUID, failure DeliveryError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i] = s.items[i].RecordFailure(failure.At.Time, failure.Message, failure.StatusCode, failure.Retryable)
			s.saveLocked()
			return nil
		}
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(map[uuid.UUID]struct{}{id: {}}) {
		s.saveLocked()
	}
	return nil
}

func (s *FileStore) RemoveMultiple(_ context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(set) {
		s.saveLocked()
	}
	return nil
}

// ApplyBatch applies one upload round's removals and recorded failures with
// a single persisted write. Batch completions arrive as bursts; per-item
// writes would thrash the disk and risk a half-applied round.
func (s *FileStore) ApplyBatch(_ context.Context, result BatchResult) error {
	if result.Empty() {
		return nil
	}
	removals := make(map[uuid.UUID]struct{}, len(result.Delivered))
	for _, id := range result.Delivered {
		removals[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.removeLocked(removals)
	for i := range s.items {
		if failure, ok := result.Failed[s.items[i].ID]; ok {
			s.items[i] = s.items[i].RecordFailure(failure.At.Time, failure.Message, failure.StatusCode, failure.Retryable)
			changed = true
		}
	}
	if changed {
		s.saveLocked()
	}
	return nil
}

func (s *FileStore) AllPending(_ context.Context, oldestFirst bool) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := append([]Item(nil), s.items...)
	if oldestFirst {
		sort.SliceStable(snapshot, func(i, j int) bool {
			return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt.Time)
		})
	}
	return snapshot, nil
}

func (s *FileStore) ItemsReadyToRetry(_ context.Context) ([]Item, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ready := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		if item.IsReadyToRetry(now) {
			ready = append(ready, item)
		}
	}
	return ready, nil
}

func (s *FileStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *FileStore) PendingByGoal(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, item := range s.items {
		counts[item.GoalSlug]++
	}
	return counts, nil
}

func (s *FileStore) ClearStuck(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	evicted := 0
	for _, item := range s.items {
		if item.AttemptCount >= s.stuckThreshold {
			evicted++
			continue
		}
		kept = append(kept, item)
	}
	if evicted > 0 {
		s.items = kept
		s.saveLocked()
		RecordEvicted(evicted)
		slog.Warn("evicted stuck queue items", "count", evicted, "threshold", s.stuckThreshold)
	}
	return evicted, nil
}

func (s *FileStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = []Item{}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove queue file: %w", err)
	}
	return nil
}

func (s *FileStore) QueueStats(_ context.Context) (Stats, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, item := range s.items {
		if item.IsReadyToRetry(now) {
			stats.Ready++
		} else {
			stats.Waiting++
		}
	}
	return stats, nil
}

func (s *FileStore) removeLocked(ids map[uuid.UUID]struct{}) bool {
	if len(ids) == 0 {
		return false
	}
	kept := s.items[:0]
	removed := false
	for _, item := range s.items {
		if _, ok := ids[item.ID]; ok {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	return removed
}

// saveLocked rewrites the backing file. Write failures are logged and
// swallowed: the in-memory mutation stays observable in-process and the next
// successful save captures the same state. Availability wins over strict
// durability for a single failed write.
func (s *FileStore) saveLocked() {
	state := fileState{Items: append([]Item(nil), s.items...)}
	data, err := json.Marshal(state)
	if err != nil {
		slog.Error("failed to encode queue state", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		slog.Error("failed to create queue directory", "path", s.path, "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("failed to write queue file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Error("failed to replace queue file", "path", s.path, "error", err)
	}
}
