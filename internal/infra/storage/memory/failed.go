package memory

import (
	"context"
	"sort"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// FailedRepo keeps failed block reports in process memory.
type FailedRepo struct{ store *MemoryStorage }

var _ storage.FailedBlockRepository = (*FailedRepo)(nil)

func NewFailedRepo(s *MemoryStorage) *FailedRepo { return &FailedRepo{store: s} }

func (r *FailedRepo) Add(ctx context.Context, f *domain.FailedBlock) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	fb := *f
	r.store.failed[f.DeploymentID] = append(r.store.failed[f.DeploymentID], &fb)
	return nil
}

func (r *FailedRepo) find(id string) *domain.FailedBlock {
	for _, list := range r.store.failed {
		for _, fb := range list {
			if fb.ID == id {
				return fb
			}
		}
	}
	return nil
}

func (r *FailedRepo) MarkResolved(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if fb := r.find(id); fb != nil {
		fb.Status = domain.FailedBlockStatusResolved
	}
	return nil
}

func (r *FailedRepo) GetAll(ctx context.Context, deploymentID string) ([]*domain.FailedBlock, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.FailedBlock
	for _, fb := range r.store.failed[deploymentID] {
		if fb.Status == domain.FailedBlockStatusPending {
			c := *fb
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *FailedRepo) Count(ctx context.Context, deploymentID string) (int, error) {
	all, err := r.GetAll(ctx, deploymentID)
	return len(all), err
}
