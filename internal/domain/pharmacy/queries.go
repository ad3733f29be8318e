package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/pkg/pagination"
)

// -- Batches --

func (s *Service) SearchBatches(ctx context.Context, f BatchFilter, limit, offset int) ([]*DrugBatch, int, error) {
	if f.ManufacturedFrom != nil && f.ManufacturedTo != nil && f.ManufacturedTo.Before(*f.ManufacturedFrom) {
		return nil, 0, apperr.InvalidArgument("endDate is before startDate")
	}
	if f.ExpiringSoon {
		cutoff := s.soonCutoff()
		f.ExpiresBefore = &cutoff
	}
	if f.Sort.Field == "" {
		f.Sort = DefaultBatchSort
	}
	return s.batches.Search(ctx, f, limit, offset)
}

// GetBatch returns the batch with its drug and adjustments, newest first.
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*DrugBatch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachAdjustments(ctx, []*DrugBatch{b}); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) attachAdjustments(ctx context.Context, batches []*DrugBatch) error {
	ids := make([]uuid.UUID, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	adj, err := s.adjustments.ListByBatches(ctx, ids)
	if err != nil {
		return err
	}
	for _, b := range batches {
		b.Adjustments = adj[b.ID]
	}
	return nil
}

// BatchAdjustments returns the adjustment trail of a batch, newest first.
func (s *Service) BatchAdjustments(ctx context.Context, batchID uuid.UUID) ([]*BatchAdjustment, error) {
	if _, err := s.batches.GetByID(ctx, batchID); err != nil {
		return nil, err
	}
	adj, err := s.adjustments.ListByBatches(ctx, []uuid.UUID{batchID})
	if err != nil {
		return nil, err
	}
	return adj[batchID], nil
}

// DrugBatchHistory lists every live batch of a drug, newest first, with adjustments.
func (s *Service) DrugBatchHistory(ctx context.Context, drugID uuid.UUID) ([]*DrugBatch, error) {
	if _, err := s.drugs.GetByID(ctx, drugID); err != nil {
		return nil, err
	}
	f := BatchFilter{DrugID: &drugID, Sort: pagination.Sort{Field: SortCreatedAt, Desc: true}}
	items, _, err := s.batches.Search(ctx, f, maxListAll, 0)
	if err != nil {
		return nil, err
	}
	if err := s.attachAdjustments(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// ExpiringSoonBatches lists batches expiring inside the soon window,
// including those already expired, by expiry date.
func (s *Service) ExpiringSoonBatches(ctx context.Context, limit, offset int) ([]*DrugBatch, int, error) {
	cutoff := s.soonCutoff()
	return s.batches.Search(ctx, BatchFilter{ExpiresBefore: &cutoff, Sort: DefaultBatchSort}, limit, offset)
}

// LowStockBatches lists the batches of drugs whose total stock is at or
// below their reorder level.
func (s *Service) LowStockBatches(ctx context.Context) ([]*DrugBatch, error) {
	return s.batches.LowStock(ctx)
}

func (s *Service) ExpirationStats(ctx context.Context) (*ExpirationStats, error) {
	batches, err := s.batches.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return bucketExpiry(batches, s.now(), s.soonCutoff(), s.laterCutoff()), nil
}

// bucketExpiry sorts batches into expired (before now), expiring soon
// (now..soon) and expiring later (soon..later) buckets.
func bucketExpiry(batches []*DrugBatch, now, soon, later time.Time) *ExpirationStats {
	st := &ExpirationStats{ByDrug: []DrugExpiry{}}
	index := make(map[uuid.UUID]int)
	for _, b := range batches {
		st.TotalBatches++
		st.TotalQuantity += b.Quantity

		i, ok := index[b.DrugID]
		if !ok {
			i = len(st.ByDrug)
			index[b.DrugID] = i
			g := DrugExpiry{DrugID: b.DrugID}
			if b.Drug != nil {
				g.DrugName = b.Drug.Name
			}
			st.ByDrug = append(st.ByDrug, g)
		}
		g := &st.ByDrug[i]
		g.TotalBatches++
		g.TotalQuantity += b.Quantity

		switch {
		case b.ExpiryDate.Before(now):
			st.ExpiredBatches++
			st.ExpiredQuantity += b.Quantity
			g.Expired++
		case !b.ExpiryDate.After(soon):
			st.ExpiringSoonBatches++
			st.ExpiringSoonQuantity += b.Quantity
			g.ExpiringSoon++
		case !b.ExpiryDate.After(later):
			st.ExpiringLaterBatches++
			st.ExpiringLaterQuantity += b.Quantity
		}
	}
	return st
}

// -- Dispensed drugs --

func (s *Service) SearchDispensed(ctx context.Context, f DispensedFilter, limit, offset int) ([]*DispensedDrug, int, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, apperr.InvalidArgument("endDate is before startDate")
	}
	if f.Sort.Field == "" {
		f.Sort = DefaultDispensedSort
	}
	return s.dispensed.Search(ctx, f, limit, offset)
}

// GetDispensed returns the record with its batch, drug and prescription.
func (s *Service) GetDispensed(ctx context.Context, id uuid.UUID) (*DispensedDrug, error) {
	x, err := s.dispensed.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if x.Batch, err = s.batches.GetByID(ctx, x.BatchID); err != nil {
		return nil, err
	}
	if x.Prescription, err = s.prescriptions.GetByID(ctx, x.PrescriptionID); err != nil {
		return nil, err
	}
	return x, nil
}

func (s *Service) DispensedByPrescription(ctx context.Context, prescriptionID uuid.UUID, limit, offset int) ([]*DispensedDrug, int, error) {
	if _, err := s.prescriptions.GetByID(ctx, prescriptionID); err != nil {
		return nil, 0, err
	}
	return s.dispensed.Search(ctx, DispensedFilter{PrescriptionID: &prescriptionID, Sort: DefaultDispensedSort}, limit, offset)
}

func (s *Service) DispensedByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*DispensedDrug, int, error) {
	return s.dispensed.Search(ctx, DispensedFilter{PatientID: &patientID, Sort: DefaultDispensedSort}, limit, offset)
}

// DispenseStats reports the total record count, per-drug sums and the most
// recent records.
func (s *Service) DispenseStats(ctx context.Context) (*DispenseStats, error) {
	recent, total, err := s.dispensed.Search(ctx, DispensedFilter{Sort: DefaultDispensedSort}, s.opts.RecentDispensedLimit, 0)
	if err != nil {
		return nil, err
	}
	perDrug, err := s.dispensed.PerDrug(ctx)
	if err != nil {
		return nil, err
	}
	if perDrug == nil {
		perDrug = []DrugDispenseStat{}
	}
	if recent == nil {
		recent = []*DispensedDrug{}
	}
	return &DispenseStats{TotalDispensed: total, DrugStats: perDrug, RecentDispensed: recent}, nil
}
