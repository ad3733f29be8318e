package prescription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	Search(ctx context.Context, f SearchFilter, limit, offset int) ([]*Prescription, int, error)
}

// DrugChecker confirms that referenced drugs exist in the catalog.
type DrugChecker interface {
	DrugExists(ctx context.Context, id uuid.UUID) (bool, error)
}
