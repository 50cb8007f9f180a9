// Package store persists batches, cases and session snapshots.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
)

// ErrNotFound is returned when a batch or case does not exist.
var ErrNotFound = eris.New("not found")

// CaseFilter specifies criteria for listing cases.
type CaseFilter struct {
	BatchID string           `json:"batch_id,omitempty"`
	Status  model.CaseStatus `json:"status,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Offset  int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the case pipeline. Writes are
// visible to subsequent reads from the same process.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, batch *model.BatchJob, cases []*model.CaseJob) error
	GetBatch(ctx context.Context, id string) (*model.BatchJob, error)
	UpdateBatch(ctx context.Context, batch *model.BatchJob) error
	ListBatches(ctx context.Context, limit int) ([]model.BatchJob, error)

	// Cases
	GetCase(ctx context.Context, id string) (*model.CaseJob, error)
	UpdateCase(ctx context.Context, c *model.CaseJob) error
	ListCases(ctx context.Context, filter CaseFilter) ([]model.CaseJob, error)

	// Sessions
	SaveSession(ctx context.Context, s model.CrawlerSession) error
	ListSessions(ctx context.Context) ([]model.CrawlerSession, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 1000

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
