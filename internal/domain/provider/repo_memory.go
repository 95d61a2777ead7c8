package provider

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo backs development servers and tests.
type MemoryRepo struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{providers: make(map[string]*Provider)}
}

func (r *MemoryRepo) Create(_ context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID]; ok {
		return ErrDuplicate
	}
	cp := *p
	r.providers[p.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepo) Update(_ context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.providers[p.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *p
	cp.CreatedAt = existing.CreatedAt
	r.providers[p.ID] = &cp
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Provider, int, error) {
	r.mu.RLock()
	var matched []*Provider
	for _, p := range r.providers {
		if f.Role != "" && p.Role != f.Role {
			continue
		}
		if f.ActiveOnly && !p.Active {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].DisplayName != matched[j].DisplayName {
			return matched[i].DisplayName < matched[j].DisplayName
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if offset >= total {
		return []*Provider{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
