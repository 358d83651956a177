package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"taskboard/domain"
)

// MemoryStore is an in-process Store used in local mode and tests. Versions
// play the role of etags: every write bumps the counter, and updates
// against a stale version fail with domain.ErrConcurrencyConflict just like
// the table service does.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[string]map[string]memoryRow // ownerID -> taskID -> row
	clock int64
}

type memoryRow struct {
	task    domain.Task
	version int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]memoryRow)}
}

func (s *MemoryStore) Insert(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := s.rows[t.OwnerID]
	if owner == nil {
		owner = make(map[string]memoryRow)
		s.rows[t.OwnerID] = owner
	}
	if _, exists := owner[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.clock++
	owner[t.ID] = memoryRow{task: t, version: s.clock}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ownerID, taskID string) (*domain.Task, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[ownerID][taskID]
	if !ok {
		return nil, "", nil
	}
	task := row.task
	return &task, fmt.Sprintf("%d", row.version), nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := []domain.Task{}
	for _, row := range s.rows[ownerID] {
		tasks = append(tasks, row.task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *MemoryStore) Update(_ context.Context, t domain.Task, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[t.OwnerID][t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if fmt.Sprintf("%d", row.version) != etag {
		return domain.ErrConcurrencyConflict
	}
	s.clock++
	s.rows[t.OwnerID][t.ID] = memoryRow{task: t, version: s.clock}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ownerID, taskID, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ownerID][taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if fmt.Sprintf("%d", row.version) != etag {
		return domain.ErrConcurrencyConflict
	}
	delete(s.rows[ownerID], taskID)
	return nil
}
