package pharmacy

import (
	"context"

	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/events"
	"github.com/hospital/hms/internal/platform/telemetry"
)

// CheckConsistency lists drugs whose stock_quantity differs from the sum of
// their batch quantities. An empty result means the ledger is consistent.
func (s *Service) CheckConsistency(ctx context.Context) ([]StockDrift, error) {
	drift, err := s.drugs.StockDrift(ctx)
	if err != nil {
		return nil, err
	}
	if drift == nil {
		drift = []StockDrift{}
	}
	return drift, nil
}

// Reconcile resets every drifted stock_quantity to its batch total and
// returns the corrections applied. All stock rows are locked for the
// duration, batches before drugs.
func (s *Service) Reconcile(ctx context.Context) (fixed []StockDrift, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.Reconcile")
	defer func() { telemetry.EndSpan(span, err) }()

	actor := auth.UserIDFromContext(ctx)
	var evts []events.StockEvent
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.drugs.LockStock(ctx); err != nil {
			return err
		}
		drift, err := s.drugs.StockDrift(ctx)
		if err != nil {
			return err
		}
		for _, d := range drift {
			if err := s.drugs.SetStock(ctx, d.DrugID, d.BatchTotal); err != nil {
				return err
			}
			e := events.New(events.StockReconciled, d.DrugID)
			e.Delta = d.Delta()
			e.StockQuantity = d.BatchTotal
			e.Actor = actor
			evts = append(evts, e)
		}
		fixed = drift
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range fixed {
		s.logger.Warn().Str("drug_id", d.DrugID.String()).Int("stock", d.StockQuantity).
			Int("batch_total", d.BatchTotal).Int("delta", d.Delta()).Msg("stock reconciled")
	}
	s.publish(ctx, evts)
	if fixed == nil {
		fixed = []StockDrift{}
	}
	return fixed, nil
}
