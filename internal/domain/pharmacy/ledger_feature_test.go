package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/auth"
)

type ledgerFeature struct {
	store         *memStore
	svc           *Service
	ctx           context.Context
	drugs         map[string]uuid.UUID
	batches       map[string]uuid.UUID
	prescriptions map[string]uuid.UUID
	lastDispense  uuid.UUID
	err           error
}

func (lf *ledgerFeature) reset() {
	lf.store = newMemStore()
	drugs, batches, adjustments, dispensed, rx := lf.store.repos()
	lf.svc = NewService(drugs, batches, adjustments, dispensed, rx, lf.store, nil, zerolog.Nop(), DefaultOptions())
	lf.ctx = context.WithValue(context.Background(), auth.UserIDKey, "pharm-1")
	lf.drugs = make(map[string]uuid.UUID)
	lf.batches = make(map[string]uuid.UUID)
	lf.prescriptions = make(map[string]uuid.UUID)
	lf.lastDispense = uuid.Nil
	lf.err = nil
}

func (lf *ledgerFeature) aDrugWithReorderLevel(name string, level int) error {
	d := &Drug{Name: name, Category: "General", Unit: "tablet", ReorderLevel: level}
	if err := lf.svc.CreateDrug(lf.ctx, d); err != nil {
		return err
	}
	lf.drugs[name] = d.ID
	return nil
}

func (lf *ledgerFeature) aPrescriptionForDrug(ref, drug string) error {
	id, ok := lf.drugs[drug]
	if !ok {
		return fmt.Errorf("unknown drug %q", drug)
	}
	p := &prescription.Prescription{PatientID: uuid.New(), PrescriberID: uuid.New(), DrugIDs: []uuid.UUID{id}}
	lf.store.addPrescription(p)
	lf.prescriptions[ref] = p.ID
	return nil
}

func (lf *ledgerFeature) iReceiveBatch(number, drug string, qty int) error {
	now := time.Now()
	b, err := lf.svc.CreateBatch(lf.ctx, CreateBatchInput{
		DrugID:            lf.drugs[drug],
		BatchNumber:       number,
		Quantity:          qty,
		ManufacturingDate: now.AddDate(0, -1, 0),
		ExpiryDate:        now.AddDate(1, 0, 0),
		UnitCost:          decimal.NewFromInt(1),
	})
	lf.err = err
	if err == nil {
		lf.batches[number] = b.ID
	}
	return nil
}

func (lf *ledgerFeature) iDispense(qty int, batch, rx string) error {
	x, err := lf.svc.Dispense(lf.ctx, DispenseInput{
		PrescriptionID: lf.prescriptions[rx],
		BatchID:        lf.batches[batch],
		Quantity:       qty,
	})
	lf.err = err
	if err == nil {
		lf.lastDispense = x.ID
	}
	return nil
}

func (lf *ledgerFeature) iAdjustBatch(batch string, qty int, reason string) error {
	_, lf.err = lf.svc.AdjustQuantity(lf.ctx, lf.batches[batch], AdjustInput{Quantity: qty, Reason: reason})
	return nil
}

func (lf *ledgerFeature) iReverseTheLastDispense() error {
	lf.err = lf.svc.ReverseDispensed(lf.ctx, lf.lastDispense)
	return nil
}

func (lf *ledgerFeature) iRemoveBatch(batch string) error {
	lf.err = lf.svc.RemoveBatch(lf.ctx, lf.batches[batch])
	return nil
}

func (lf *ledgerFeature) theOperationSucceeds() error {
	return lf.err
}

func (lf *ledgerFeature) theOperationFailsWith(kind string) error {
	if lf.err == nil {
		return errors.New("expected an error, got none")
	}
	if got := apperr.KindOf(lf.err); string(got) != kind {
		return fmt.Errorf("expected %q error, got %q (%v)", kind, got, lf.err)
	}
	return nil
}

func (lf *ledgerFeature) theOperationFailsWithInsufficientStock() error {
	if !errors.Is(lf.err, apperr.ErrInsufficientStock) {
		return fmt.Errorf("expected insufficient stock, got %v", lf.err)
	}
	return nil
}

func (lf *ledgerFeature) drugHasStock(drug string, want int) error {
	if got := lf.store.stock(lf.drugs[drug]); got != want {
		return fmt.Errorf("drug %s: stock %d, want %d", drug, got, want)
	}
	return nil
}

func (lf *ledgerFeature) batchHasQuantity(batch string, want int) error {
	if got := lf.store.batchQty(lf.batches[batch]); got != want {
		return fmt.Errorf("batch %s: quantity %d, want %d", batch, got, want)
	}
	return nil
}

func (lf *ledgerFeature) batchHasAdjustment(batch string, n, from, to int, reason string) error {
	adj, err := lf.svc.BatchAdjustments(lf.ctx, lf.batches[batch])
	if err != nil {
		return err
	}
	if len(adj) != n {
		return fmt.Errorf("batch %s: %d adjustments, want %d", batch, len(adj), n)
	}
	a := adj[0]
	if a.PreviousQuantity != from || a.NewQuantity != to || a.Reason != reason {
		return fmt.Errorf("adjustment %d->%d %q, want %d->%d %q", a.PreviousQuantity, a.NewQuantity, a.Reason, from, to, reason)
	}
	return nil
}

func (lf *ledgerFeature) theLedgerIsConsistent() error {
	drift, err := lf.svc.CheckConsistency(lf.ctx)
	if err != nil {
		return err
	}
	if len(drift) > 0 {
		return fmt.Errorf("stock drift: %+v", drift)
	}
	return nil
}

func initializeLedgerScenario(ctx *godog.ScenarioContext) {
	lf := &ledgerFeature{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		lf.reset()
		return ctx, nil
	})

	ctx.Step(`^a drug "([^"]*)" with reorder level (\d+)$`, lf.aDrugWithReorderLevel)
	ctx.Step(`^a prescription "([^"]*)" for drug "([^"]*)"$`, lf.aPrescriptionForDrug)

	ctx.Step(`^I receive batch "([^"]*)" of drug "([^"]*)" with quantity (\d+)$`, lf.iReceiveBatch)
	ctx.Step(`^I dispense (\d+) from batch "([^"]*)" on prescription "([^"]*)"$`, lf.iDispense)
	ctx.Step(`^I adjust batch "([^"]*)" to (\d+) because "([^"]*)"$`, lf.iAdjustBatch)
	ctx.Step(`^I reverse the last dispense$`, lf.iReverseTheLastDispense)
	ctx.Step(`^I remove batch "([^"]*)"$`, lf.iRemoveBatch)

	ctx.Step(`^the operation succeeds$`, lf.theOperationSucceeds)
	ctx.Step(`^the operation fails with "([^"]*)"$`, lf.theOperationFailsWith)
	ctx.Step(`^the operation fails with insufficient stock$`, lf.theOperationFailsWithInsufficientStock)
	ctx.Step(`^drug "([^"]*)" has stock (\d+)$`, lf.drugHasStock)
	ctx.Step(`^batch "([^"]*)" has quantity (\d+)$`, lf.batchHasQuantity)
	ctx.Step(`^batch "([^"]*)" has (\d+) adjustments? from (\d+) to (\d+) with reason "([^"]*)"$`, lf.batchHasAdjustment)
	ctx.Step(`^the ledger is consistent$`, lf.theLedgerIsConsistent)
}

func TestLedgerFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeLedgerScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/inventory_ledger.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
