package pharmacy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/pkg/pagination"
)

// Drug maps to the drug table. StockQuantity is the sum of the drug's batch
// quantities and is only changed by the ledger operations.
type Drug struct {
	ID            uuid.UUID        `json:"id"`
	Name          string           `json:"name"`
	GenericName   *string          `json:"genericName,omitempty"`
	Manufacturer  *string          `json:"manufacturer,omitempty"`
	Category      string           `json:"category"`
	Strength      *string          `json:"strength,omitempty"`
	Unit          string           `json:"unit"`
	StockQuantity int              `json:"stockQuantity"`
	ReorderLevel  int              `json:"reorderLevel"`
	CostPrice     *decimal.Decimal `json:"costPrice,omitempty"`
	SellingPrice  *decimal.Decimal `json:"sellingPrice,omitempty"`
	Location      *string          `json:"location,omitempty"`
	Description   *string          `json:"description,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`

	Batches []*DrugBatch `json:"batches,omitempty"`
}

// LowStock reports whether the drug is at or below its reorder level.
func (d *Drug) LowStock() bool {
	return d.StockQuantity <= d.ReorderLevel
}

// DrugUpdate carries the editable catalog fields. Stock is not among them.
type DrugUpdate struct {
	Name         *string          `json:"name,omitempty"`
	GenericName  *string          `json:"genericName,omitempty"`
	Manufacturer *string          `json:"manufacturer,omitempty"`
	Category     *string          `json:"category,omitempty"`
	Strength     *string          `json:"strength,omitempty"`
	Unit         *string          `json:"unit,omitempty"`
	ReorderLevel *int             `json:"reorderLevel,omitempty"`
	CostPrice    *decimal.Decimal `json:"costPrice,omitempty"`
	SellingPrice *decimal.Decimal `json:"sellingPrice,omitempty"`
	Location     *string          `json:"location,omitempty"`
	Description  *string          `json:"description,omitempty"`
}

// DrugBatch maps to the drug_batch table.
type DrugBatch struct {
	ID                uuid.UUID       `json:"id"`
	DrugID            uuid.UUID       `json:"drugId"`
	BatchNumber       string          `json:"batchNumber"`
	Quantity          int             `json:"quantity"`
	ManufacturingDate time.Time       `json:"manufacturingDate"`
	ExpiryDate        time.Time       `json:"expiryDate"`
	UnitCost          decimal.Decimal `json:"unitCost"`
	Supplier          *string         `json:"supplier,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`

	Drug        *Drug              `json:"drug,omitempty"`
	Adjustments []*BatchAdjustment `json:"adjustments,omitempty"`
}

// Expired reports whether the batch expiry date is before now.
func (b *DrugBatch) Expired(now time.Time) bool {
	return b.ExpiryDate.Before(now)
}

// CreateBatchInput is the body of POST /drug-batches.
type CreateBatchInput struct {
	DrugID            uuid.UUID       `json:"drugId"`
	BatchNumber       string          `json:"batchNumber"`
	Quantity          int             `json:"quantity"`
	ManufacturingDate time.Time       `json:"manufacturingDate"`
	ExpiryDate        time.Time       `json:"expiryDate"`
	UnitCost          decimal.Decimal `json:"unitCost"`
	Supplier          *string         `json:"supplier,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
}

// BatchUpdate edits batch metadata. Quantity changes go through AdjustQuantity.
type BatchUpdate struct {
	BatchNumber       *string          `json:"batchNumber,omitempty"`
	ManufacturingDate *time.Time       `json:"manufacturingDate,omitempty"`
	ExpiryDate        *time.Time       `json:"expiryDate,omitempty"`
	UnitCost          *decimal.Decimal `json:"unitCost,omitempty"`
	Supplier          *string          `json:"supplier,omitempty"`
	Notes             *string          `json:"notes,omitempty"`
}

// BatchAdjustment maps to drug_batch_adjustment. Rows are never updated or
// deleted; BatchID becomes nil once the batch is removed.
type BatchAdjustment struct {
	ID               uuid.UUID  `json:"id"`
	BatchID          *uuid.UUID `json:"batchId,omitempty"`
	DrugID           uuid.UUID  `json:"drugId"`
	BatchNumber      string     `json:"batchNumber"`
	PreviousQuantity int        `json:"previousQuantity"`
	NewQuantity      int        `json:"newQuantity"`
	Reason           string     `json:"reason"`
	AdjustedBy       *string    `json:"adjustedBy,omitempty"`
	AdjustedAt       time.Time  `json:"adjustedAt"`
}

// AdjustInput is the body of PATCH /drug-batches/:id/adjust-quantity.
type AdjustInput struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type AdjustResult struct {
	Batch      *DrugBatch       `json:"batch"`
	Adjustment *BatchAdjustment `json:"adjustment"`
}

// DispensedDrug maps to the dispensed_drug table.
type DispensedDrug struct {
	ID             uuid.UUID `json:"id"`
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	BatchID        uuid.UUID `json:"batchId"`
	DrugID         uuid.UUID `json:"drugId"`
	PatientID      uuid.UUID `json:"patientId"`
	Quantity       int       `json:"quantity"`
	DispensedBy    string    `json:"dispensedBy"`
	DispensedAt    time.Time `json:"dispensedAt"`
	Notes          *string   `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	DrugName     string                     `json:"drugName,omitempty"`
	BatchNumber  string                     `json:"batchNumber,omitempty"`
	Batch        *DrugBatch                 `json:"batch,omitempty"`
	Prescription *prescription.Prescription `json:"prescription,omitempty"`
}

// DispenseInput is the body of POST /dispensed-drugs. DispensedBy defaults
// to the authenticated user.
type DispenseInput struct {
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	BatchID        uuid.UUID `json:"batchId"`
	Quantity       int       `json:"quantity"`
	DispensedBy    string    `json:"dispensedBy"`
	Notes          *string   `json:"notes,omitempty"`
}

// DispenseUpdate is the body of PATCH /dispensed-drugs/:id.
type DispenseUpdate struct {
	Quantity *int    `json:"quantity,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// -- Filters --

const (
	SortName              = "name"
	SortCategory          = "category"
	SortStockQuantity     = "stockQuantity"
	SortExpiryDate        = "expiryDate"
	SortManufacturingDate = "manufacturingDate"
	SortQuantity          = "quantity"
	SortBatchNumber       = "batchNumber"
	SortCreatedAt         = "createdAt"
	SortDispensedAt       = "dispensedAt"
)

var (
	DrugSortFields      = []string{SortName, SortCategory, SortStockQuantity, SortCreatedAt}
	BatchSortFields     = []string{SortExpiryDate, SortManufacturingDate, SortQuantity, SortBatchNumber, SortCreatedAt}
	DispensedSortFields = []string{SortDispensedAt, SortQuantity}

	DefaultDrugSort      = pagination.Sort{Field: SortName}
	DefaultBatchSort     = pagination.Sort{Field: SortExpiryDate}
	DefaultDispensedSort = pagination.Sort{Field: SortDispensedAt, Desc: true}
)

type DrugFilter struct {
	Search   string
	Category string
	InStock  *bool
	Sort     pagination.Sort
}

type BatchFilter struct {
	DrugID           *uuid.UUID
	ExpiringSoon     bool
	ManufacturedFrom *time.Time
	ManufacturedTo   *time.Time
	Search           string
	Supplier         string
	Sort             pagination.Sort

	// ExpiresBefore is derived from ExpiringSoon by the service.
	ExpiresBefore *time.Time
}

type DispensedFilter struct {
	PrescriptionID *uuid.UUID
	PatientID      *uuid.UUID
	DrugID         *uuid.UUID
	BatchID        *uuid.UUID
	From           *time.Time
	To             *time.Time
	Sort           pagination.Sort
}

// -- Reports --

type InventoryStats struct {
	TotalDrugs      int             `json:"totalDrugs"`
	TotalQuantity   int             `json:"totalQuantity"`
	LowStockDrugs   int             `json:"lowStockDrugs"`
	OutOfStockDrugs int             `json:"outOfStockDrugs"`
	ExpiringBatches int             `json:"expiringBatches"`
	InventoryValue  decimal.Decimal `json:"inventoryValue"`
}

type DrugExpiry struct {
	DrugID        uuid.UUID `json:"drugId"`
	DrugName      string    `json:"drugName"`
	TotalBatches  int       `json:"totalBatches"`
	TotalQuantity int       `json:"totalQuantity"`
	Expired       int       `json:"expired"`
	ExpiringSoon  int       `json:"expiringSoon"`
}

type ExpirationStats struct {
	TotalBatches          int          `json:"totalBatches"`
	ExpiredBatches        int          `json:"expiredBatches"`
	ExpiringSoonBatches   int          `json:"expiringSoonBatches"`
	ExpiringLaterBatches  int          `json:"expiringLaterBatches"`
	TotalQuantity         int          `json:"totalQuantity"`
	ExpiredQuantity       int          `json:"expiredQuantity"`
	ExpiringSoonQuantity  int          `json:"expiringSoonQuantity"`
	ExpiringLaterQuantity int          `json:"expiringLaterQuantity"`
	ByDrug                []DrugExpiry `json:"byDrug"`
}

type DrugDispenseStat struct {
	Drug          *Drug `json:"drug"`
	Count         int   `json:"count"`
	TotalQuantity int   `json:"totalDispensed"`
}

type DispenseStats struct {
	TotalDispensed  int                `json:"totalDispensed"`
	DrugStats       []DrugDispenseStat `json:"drugStats"`
	RecentDispensed []*DispensedDrug   `json:"recentDispensed"`
}

// StockDrift is a drug whose aggregate disagrees with its batches.
type StockDrift struct {
	DrugID        uuid.UUID `json:"drugId"`
	DrugName      string    `json:"drugName"`
	StockQuantity int       `json:"stockQuantity"`
	BatchTotal    int       `json:"batchTotal"`
}

func (d StockDrift) Delta() int { return d.BatchTotal - d.StockQuantity }
