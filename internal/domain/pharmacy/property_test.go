package pharmacy

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospital/hms/internal/platform/apperr"
)

// TestLedger_RandomSequencesKeepStockEqualToBatchTotal drives random
// CreateBatch, RemoveBatch, Dispense, UpdateDispensed, ReverseDispensed and
// AdjustQuantity calls against one drug. After every call, successful or
// not, stock_quantity must equal the batch total and no batch may be negative.
func TestLedger_RandomSequencesKeepStockEqualToBatchTotal(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			f := newFixture(t)
			d := f.drug(t, "Paracetamol", 25)
			p := f.prescription(d.ID)

			var batches []uuid.UUID
			var records []uuid.UUID
			pick := func(ids []uuid.UUID) (uuid.UUID, int) {
				i := rng.Intn(len(ids))
				return ids[i], i
			}

			for step := 0; step < 60; step++ {
				var err error
				op := rng.Intn(6)
				switch {
				case op == 0 || len(batches) == 0:
					var b *DrugBatch
					b, err = f.svc.CreateBatch(f.ctx, f.batchInput(d.ID, fmt.Sprintf("B%d-%d", seed, step), rng.Intn(80)))
					if err == nil {
						batches = append(batches, b.ID)
					}
				case op == 1:
					id, i := pick(batches)
					if err = f.svc.RemoveBatch(f.ctx, id); err == nil {
						batches = append(batches[:i], batches[i+1:]...)
					} else {
						assert.Equal(t, apperr.ErrConflict, apperr.KindOf(err))
					}
				case op == 2:
					id, _ := pick(batches)
					var x *DispensedDrug
					x, err = f.svc.Dispense(f.ctx, DispenseInput{PrescriptionID: p.ID, BatchID: id, Quantity: 1 + rng.Intn(40)})
					if err == nil {
						records = append(records, x.ID)
					} else {
						assert.True(t, errors.Is(err, apperr.ErrInsufficientStock), err)
					}
				case op == 3 && len(records) > 0:
					id, _ := pick(records)
					qty := 1 + rng.Intn(40)
					_, err = f.svc.UpdateDispensed(f.ctx, id, DispenseUpdate{Quantity: &qty})
				case op == 4 && len(records) > 0:
					id, i := pick(records)
					if err = f.svc.ReverseDispensed(f.ctx, id); err == nil {
						records = append(records[:i], records[i+1:]...)
					}
				default:
					id, _ := pick(batches)
					before := f.store.batchQty(id)
					var res *AdjustResult
					res, err = f.svc.AdjustQuantity(f.ctx, id, AdjustInput{Quantity: rng.Intn(100), Reason: "cycle count"})
					if err == nil {
						assert.Equal(t, before, res.Adjustment.PreviousQuantity)
					}
				}
				if err != nil && apperr.KindOf(err) == "" {
					require.NoError(t, err, "step %d", step)
				}

				require.Equal(t, f.store.batchTotal(d.ID), f.store.stock(d.ID), "step %d", step)
				require.GreaterOrEqual(t, f.store.stock(d.ID), 0)
				for _, id := range batches {
					require.GreaterOrEqual(t, f.store.batchQty(id), 0)
				}
			}
		})
	}
}

func TestAdjustQuantity_OneRowPerCall(t *testing.T) {
	f := newFixture(t)
	d := f.drug(t, "Paracetamol", 10)
	b := f.batch(t, d.ID, "B1", 10)

	for i, qty := range []int{10, 0, 30, 30, 5} {
		_, err := f.svc.AdjustQuantity(f.ctx, b.ID, AdjustInput{Quantity: qty, Reason: "count"})
		require.NoError(t, err)
		assert.Len(t, memAdjustments{f.store}.all(), i+1)
	}
	assert.Equal(t, 5, f.store.stock(d.ID))
}
