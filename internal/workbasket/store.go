package workbasket

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ent0n29/taskrouter/internal/config"
)

var ErrStoreNotFound = errors.New("workbasket not found in store")

type Store interface {
	GetWorkbasket(ctx context.Context, id string) (Workbasket, error)
	// ListDistributionTargets returns the ids of the workbaskets tasks of id
	// are distributed to by default, in configured order.
	ListDistributionTargets(ctx context.Context, id string) ([]string, error)
	SaveWorkbasket(ctx context.Context, wb Workbasket) error
	Close() error
}

type MemoryStore struct {
	mu          sync.RWMutex
	workbaskets map[string]Workbasket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workbaskets: make(map[string]Workbasket)}
}

func (s *MemoryStore) GetWorkbasket(_ context.Context, id string) (Workbasket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wb, ok := s.workbaskets[strings.TrimSpace(id)]
	if !ok {
		return Workbasket{}, ErrStoreNotFound
	}
	return wb.Clone(), nil
}

func (s *MemoryStore) ListDistributionTargets(_ context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wb, ok := s.workbaskets[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return append([]string(nil), wb.DistributionTargets...), nil
}

func (s *MemoryStore) SaveWorkbasket(_ context.Context, wb Workbasket) error {
	wb.ID = strings.TrimSpace(wb.ID)
	if wb.ID == "" {
		return errors.New("workbasket id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workbaskets[wb.ID] = wb.Clone()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// FromSeed converts an engine file entry into a Workbasket.
func FromSeed(seed config.WorkbasketSeed) (Workbasket, error) {
	wb := Workbasket{
		ID:     strings.TrimSpace(seed.ID),
		Key:    strings.TrimSpace(seed.Key),
		Name:   strings.TrimSpace(seed.Name),
		Domain: strings.TrimSpace(seed.Domain),
	}
	if wb.Key == "" {
		wb.Key = wb.ID
	}
	for _, target := range seed.DistributionTargets {
		if target = strings.TrimSpace(target); target != "" {
			wb.DistributionTargets = append(wb.DistributionTargets, target)
		}
	}
	for _, access := range seed.Access {
		perms, err := ParsePermissions(access.Permissions...)
		if err != nil {
			return Workbasket{}, err
		}
		wb.Access = append(wb.Access, AccessItem{AccessID: strings.TrimSpace(access.AccessID), Permissions: perms})
	}
	return wb, nil
}

// Seed saves every workbasket declared in the engine file.
func Seed(ctx context.Context, store Store, seeds []config.WorkbasketSeed) error {
	for _, seed := range seeds {
		wb, err := FromSeed(seed)
		if err != nil {
			return err
		}
		if err := store.SaveWorkbasket(ctx, wb); err != nil {
			return err
		}
	}
	return nil
}
