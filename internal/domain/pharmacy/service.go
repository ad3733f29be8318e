package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/internal/platform/events"
)

// Options tunes the report windows.
type Options struct {
	ExpirySoonDays       int
	ExpiryLaterDays      int
	RecentDispensedLimit int
}

func DefaultOptions() Options {
	return Options{ExpirySoonDays: 30, ExpiryLaterDays: 90, RecentDispensedLimit: 5}
}

// Service owns the drug catalog and the inventory ledger. Every operation
// that changes a batch quantity applies the same delta to the drug's
// stock_quantity in the same transaction.
type Service struct {
	drugs         DrugRepository
	batches       BatchRepository
	adjustments   AdjustmentRepository
	dispensed     DispensedRepository
	prescriptions PrescriptionReader
	tx            db.Transactor
	events        events.Publisher
	logger        zerolog.Logger
	opts          Options
	now           func() time.Time
}

func NewService(
	drugs DrugRepository,
	batches BatchRepository,
	adjustments AdjustmentRepository,
	dispensed DispensedRepository,
	prescriptions PrescriptionReader,
	tx db.Transactor,
	publisher events.Publisher,
	logger zerolog.Logger,
	opts Options,
) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		drugs:         drugs,
		batches:       batches,
		adjustments:   adjustments,
		dispensed:     dispensed,
		prescriptions: prescriptions,
		tx:            tx,
		events:        publisher,
		logger:        logger,
		opts:          opts,
		now:           time.Now,
	}
}

func (s *Service) soonCutoff() time.Time {
	return s.now().AddDate(0, 0, s.opts.ExpirySoonDays)
}

func (s *Service) laterCutoff() time.Time {
	return s.now().AddDate(0, 0, s.opts.ExpiryLaterDays)
}

// publish delivers events for a committed transaction. Failures are logged
// only; the committed ledger state stands.
func (s *Service) publish(ctx context.Context, evts []events.StockEvent) {
	if len(evts) == 0 {
		return
	}
	tenant := db.TenantFromContext(ctx)
	for i := range evts {
		evts[i].TenantID = tenant
	}
	if err := s.events.Publish(ctx, evts...); err != nil {
		s.logger.Warn().Err(err).Int("events", len(evts)).Msg("publish stock events")
	}
}

// lockBatch locks the batch row and then its drug row.
func (s *Service) lockBatch(ctx context.Context, batchID uuid.UUID) (*DrugBatch, *Drug, error) {
	b, err := s.batches.GetForUpdate(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.drugs.GetForUpdate(ctx, b.DrugID)
	if err != nil {
		return nil, nil, err
	}
	return b, d, nil
}

// stockChange records one delta applied to a locked drug.
type stockChange struct {
	drug   *Drug
	before int
}

// addStock applies delta to the locked drug d and updates d in place.
func (s *Service) addStock(ctx context.Context, d *Drug, delta int) (stockChange, error) {
	ch := stockChange{drug: d, before: d.StockQuantity}
	if delta == 0 {
		return ch, nil
	}
	if d.StockQuantity+delta < 0 {
		return ch, apperr.Conflict("stock of drug %s would become negative (%d%+d); reconcile inventory first",
			d.ID, d.StockQuantity, delta)
	}
	qty, err := s.drugs.AddStock(ctx, d.ID, delta)
	if err != nil {
		return ch, err
	}
	d.StockQuantity = qty
	return ch, nil
}

// toEvents builds a stock event for the change, plus a low-stock event when the
// change crossed the reorder level.
func (ch stockChange) toEvents(t events.Type, delta int, batch *DrugBatch) []events.StockEvent {
	e := events.New(t, ch.drug.ID)
	e.Delta = delta
	e.StockQuantity = ch.drug.StockQuantity
	e.ReorderLevel = ch.drug.ReorderLevel
	if batch != nil {
		id, qty := batch.ID, batch.Quantity
		e.BatchID, e.BatchQuantity = &id, &qty
	}
	out := []events.StockEvent{e}
	if events.CrossedLowStock(ch.before, ch.drug.StockQuantity, ch.drug.ReorderLevel) {
		low := events.New(events.DrugLowStock, ch.drug.ID)
		low.StockQuantity = ch.drug.StockQuantity
		low.ReorderLevel = ch.drug.ReorderLevel
		out = append(out, low)
	}
	return out
}
