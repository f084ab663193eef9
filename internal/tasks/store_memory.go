package tasks

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps tasks in process. It ignores the session scope: every
// write is visible immediately.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]Task
	byExternal map[string]string
	order      []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]Task),
		byExternal: make(map[string]string),
	}
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) GetTaskByExternalID(_ context.Context, externalID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[strings.TrimSpace(externalID)]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) InsertTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrStoreConflict
	}
	if _, exists := s.byExternal[task.ExternalID]; exists {
		return ErrStoreConflict
	}
	s.tasks[task.ID] = task.Clone()
	s.byExternal[task.ExternalID] = task.ID
	s.order = append(s.order, task.ID)
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tasks[task.ID]
	if !ok {
		return ErrStoreNotFound
	}
	if prev.ExternalID != task.ExternalID {
		delete(s.byExternal, prev.ExternalID)
		s.byExternal[task.ExternalID] = task.ID
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) ListTasksByWorkbasket(_ context.Context, workbasketID string, states ...State) ([]Task, error) {
	workbasketID = strings.TrimSpace(workbasketID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, 16)
	for _, id := range s.order {
		task := s.tasks[id]
		if task.WorkbasketID != workbasketID {
			continue
		}
		if len(states) > 0 && !task.State.In(states...) {
			continue
		}
		out = append(out, task.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListTasksByIDs(_ context.Context, ids []string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasks[strings.TrimSpace(id)]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
