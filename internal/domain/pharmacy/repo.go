package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/hms/internal/domain/prescription"
)

type DrugRepository interface {
	Create(ctx context.Context, d *Drug) error
	GetByID(ctx context.Context, id uuid.UUID) (*Drug, error)
	// GetForUpdate reads the drug and holds a row lock until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Drug, error)
	Update(ctx context.Context, d *Drug) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f DrugFilter, limit, offset int) ([]*Drug, int, error)
	DrugExists(ctx context.Context, id uuid.UUID) (bool, error)
	// AddStock applies delta to stock_quantity and returns the new value.
	AddStock(ctx context.Context, id uuid.UUID, delta int) (int, error)
	SetStock(ctx context.Context, id uuid.UUID, qty int) error
	Categories(ctx context.Context) ([]string, error)
	LowStock(ctx context.Context) ([]*Drug, error)
	Stats(ctx context.Context, expiringBefore time.Time) (*InventoryStats, error)
	// StockDrift lists drugs whose stock_quantity differs from their batch total.
	StockDrift(ctx context.Context) ([]StockDrift, error)
	// LockStock locks every batch row and then every drug row.
	LockStock(ctx context.Context) error
}

type BatchRepository interface {
	Create(ctx context.Context, b *DrugBatch) error
	GetByID(ctx context.Context, id uuid.UUID) (*DrugBatch, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*DrugBatch, error)
	NumberExists(ctx context.Context, batchNumber string) (bool, error)
	Update(ctx context.Context, b *DrugBatch) error
	SetQuantity(ctx context.Context, id uuid.UUID, qty int) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f BatchFilter, limit, offset int) ([]*DrugBatch, int, error)
	CountByDrug(ctx context.Context, drugID uuid.UUID) (int, error)
	// ListAll returns every batch with its drug.
	ListAll(ctx context.Context) ([]*DrugBatch, error)
	// LowStock returns the batches of drugs at or below their reorder level.
	LowStock(ctx context.Context) ([]*DrugBatch, error)
}

type AdjustmentRepository interface {
	Create(ctx context.Context, a *BatchAdjustment) error
	// ListByBatches returns adjustments per batch, newest first.
	ListByBatches(ctx context.Context, batchIDs []uuid.UUID) (map[uuid.UUID][]*BatchAdjustment, error)
}

type DispensedRepository interface {
	Create(ctx context.Context, d *DispensedDrug) error
	GetByID(ctx context.Context, id uuid.UUID) (*DispensedDrug, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*DispensedDrug, error)
	Update(ctx context.Context, d *DispensedDrug) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f DispensedFilter, limit, offset int) ([]*DispensedDrug, int, error)
	CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error)
	// PerDrug returns the record count and quantity dispensed per drug, largest first.
	PerDrug(ctx context.Context) ([]DrugDispenseStat, error)
}

// PrescriptionReader is the view of prescriptions the ledger validates against.
type PrescriptionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
}
