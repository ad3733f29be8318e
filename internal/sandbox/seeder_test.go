package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospital/hms/internal/domain/pharmacy"
	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/apperr"
)

type fakeLedger struct {
	drugs     []*pharmacy.Drug
	batches   map[uuid.UUID]*pharmacy.DrugBatch
	dispensed []pharmacy.DispenseInput
	failDrug  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{batches: make(map[uuid.UUID]*pharmacy.DrugBatch)}
}

func (f *fakeLedger) CreateDrug(_ context.Context, d *pharmacy.Drug) error {
	if f.failDrug != nil {
		return f.failDrug
	}
	d.ID = uuid.New()
	f.drugs = append(f.drugs, d)
	return nil
}

func (f *fakeLedger) CreateBatch(_ context.Context, in pharmacy.CreateBatchInput) (*pharmacy.DrugBatch, error) {
	b := &pharmacy.DrugBatch{
		ID:          uuid.New(),
		DrugID:      in.DrugID,
		BatchNumber: in.BatchNumber,
		Quantity:    in.Quantity,
		ExpiryDate:  in.ExpiryDate,
	}
	f.batches[b.ID] = b
	return b, nil
}

func (f *fakeLedger) Dispense(_ context.Context, in pharmacy.DispenseInput) (*pharmacy.DispensedDrug, error) {
	b := f.batches[in.BatchID]
	if b.Quantity < in.Quantity {
		return nil, apperr.InsufficientStock(b.Quantity, in.Quantity)
	}
	b.Quantity -= in.Quantity
	f.dispensed = append(f.dispensed, in)
	return &pharmacy.DispensedDrug{ID: uuid.New(), BatchID: in.BatchID, Quantity: in.Quantity}, nil
}

type fakePrescriber struct {
	created []*prescription.Prescription
}

func (f *fakePrescriber) Create(_ context.Context, p *prescription.Prescription) error {
	p.ID = uuid.New()
	p.Status = prescription.StatusActive
	f.created = append(f.created, p)
	return nil
}

func TestSeeder_Run(t *testing.T) {
	ledger, rx := newFakeLedger(), &fakePrescriber{}
	cfg := SeedConfig{DrugCount: 4, BatchesPerDrug: 2, PrescriptionCount: 5, DispensesPerPrescription: 2, Seed: 42}

	res, err := NewSeeder(ledger, rx, cfg, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Drugs)
	assert.Equal(t, 8, res.Batches)
	assert.Equal(t, 5, res.Prescriptions)
	assert.Equal(t, 10, res.Dispenses+res.Skipped)
	assert.Len(t, ledger.dispensed, res.Dispenses)

	for _, in := range ledger.dispensed {
		assert.Equal(t, SeederActor, in.DispensedBy)
		b := ledger.batches[in.BatchID]
		var p *prescription.Prescription
		for _, c := range rx.created {
			if c.ID == in.PrescriptionID {
				p = c
			}
		}
		require.NotNil(t, p, "dispense against unknown prescription")
		assert.True(t, p.Prescribes(b.DrugID), "dispensed %s which is not on the prescription", b.BatchNumber)
	}
	for _, b := range ledger.batches {
		assert.GreaterOrEqual(t, b.Quantity, 0)
	}
}

func TestSeeder_EmptyCatalogSkipsPrescriptions(t *testing.T) {
	rx := &fakePrescriber{}
	res, err := NewSeeder(newFakeLedger(), rx, SeedConfig{PrescriptionCount: 3, Seed: 1}, zerolog.Nop()).
		Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Prescriptions)
	assert.Empty(t, rx.created)
}

func TestSeeder_PropagatesLedgerErrors(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failDrug = apperr.Conflict("drug exists")

	_, err := NewSeeder(ledger, &fakePrescriber{}, DefaultSeedConfig(), zerolog.Nop()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestGenerator_Deterministic(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a, b := NewGenerator(7, now), NewGenerator(7, now)

	da, db := a.Drug(0), b.Drug(0)
	assert.Equal(t, da.Name, db.Name)
	assert.True(t, da.CostPrice.Equal(*db.CostPrice))

	da.ID, db.ID = uuid.New(), uuid.New()
	ba, bb := a.Batch(da, 1), b.Batch(db, 1)
	assert.Equal(t, ba.Quantity, bb.Quantity)
	assert.Equal(t, ba.ExpiryDate, bb.ExpiryDate)
}

func TestGenerator_BatchInvariants(t *testing.T) {
	g := NewGenerator(99, time.Now())
	d := g.Drug(0)
	d.ID = uuid.New()
	seen := make(map[string]bool)
	for i := 1; i <= 200; i++ {
		in := g.Batch(d, i)
		assert.True(t, in.ExpiryDate.After(in.ManufacturingDate), "batch %d expires before manufacture", i)
		assert.GreaterOrEqual(t, in.Quantity, 20)
		assert.LessOrEqual(t, in.Quantity, 300)
		assert.True(t, in.UnitCost.IsPositive())
		assert.False(t, seen[in.BatchNumber], "duplicate batch number %s", in.BatchNumber)
		seen[in.BatchNumber] = true
	}
}

func TestGenerator_DrugNamesUniqueBeyondCatalog(t *testing.T) {
	g := NewGenerator(3, time.Now())
	names := make(map[string]bool)
	for i := 0; i < len(catalog)*2+1; i++ {
		n := g.Drug(i).Name
		assert.False(t, names[n], "duplicate drug name %s", n)
		names[n] = true
	}
}
