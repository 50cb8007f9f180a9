package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
)

// MemoryStore is an in-process Store. Values are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	batches  map[string]*model.BatchJob
	cases    map[string]*model.CaseJob
	order    map[string][]string
	sessions map[string]model.CrawlerSession
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*model.BatchJob),
		cases:    make(map[string]*model.CaseJob),
		order:    make(map[string][]string),
		sessions: make(map[string]model.CrawlerSession),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateBatch(_ context.Context, batch *model.BatchJob, cases []*model.CaseJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batch.ID]; ok {
		return eris.Errorf("memory: batch %s already exists", batch.ID)
	}
	m.batches[batch.ID] = batch.Clone()
	ids := make([]string, 0, len(cases))
	for _, c := range cases {
		m.cases[c.ID] = c.Clone()
		ids = append(ids, c.ID)
	}
	m.order[batch.ID] = ids
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id string) (*model.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: batch %s", id)
	}
	return b.Clone(), nil
}

func (m *MemoryStore) UpdateBatch(_ context.Context, batch *model.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batch.ID]; !ok {
		return eris.Wrapf(ErrNotFound, "memory: batch %s", batch.ID)
	}
	m.batches[batch.ID] = batch.Clone()
	return nil
}

func (m *MemoryStore) ListBatches(_ context.Context, limit int) ([]model.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.BatchJob, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) GetCase(_ context.Context, id string) (*model.CaseJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: case %s", id)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) UpdateCase(_ context.Context, c *model.CaseJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return eris.Wrapf(ErrNotFound, "memory: case %s", c.ID)
	}
	m.cases[c.ID] = c.Clone()
	return nil
}

// ListCases returns cases in submission order.
func (m *MemoryStore) ListCases(_ context.Context, filter CaseFilter) ([]model.CaseJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	if filter.BatchID != "" {
		ids = m.order[filter.BatchID]
	} else {
		batchIDs := make([]string, 0, len(m.order))
		for id := range m.order {
			batchIDs = append(batchIDs, id)
		}
		sort.Strings(batchIDs)
		for _, id := range batchIDs {
			ids = append(ids, m.order[id]...)
		}
	}

	var out []model.CaseJob
	skipped := 0
	limit := listLimit(filter.Limit)
	for _, id := range ids {
		c := m.cases[id]
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, *c.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s model.CrawlerSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Cookies = nil
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) ListSessions(context.Context) ([]model.CrawlerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CrawlerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}
