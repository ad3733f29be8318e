package pharmacy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/events"
	"github.com/hospital/hms/internal/platform/telemetry"
)

func validateBatchDates(mfg, exp time.Time) error {
	if mfg.IsZero() {
		return apperr.InvalidArgument("manufacturingDate is required")
	}
	if exp.IsZero() {
		return apperr.InvalidArgument("expiryDate is required")
	}
	if !exp.After(mfg) {
		return apperr.InvalidArgument("expiryDate must be after manufacturingDate")
	}
	return nil
}

// CreateBatch receives a new lot and adds its quantity to the drug's stock.
func (s *Service) CreateBatch(ctx context.Context, in CreateBatchInput) (b *DrugBatch, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.CreateBatch",
		attribute.String("drug.id", in.DrugID.String()), attribute.Int("quantity", in.Quantity))
	defer func() { telemetry.EndSpan(span, err) }()

	in.BatchNumber = strings.TrimSpace(in.BatchNumber)
	if in.DrugID == uuid.Nil {
		return nil, apperr.InvalidArgument("drugId is required")
	}
	if in.BatchNumber == "" {
		return nil, apperr.InvalidArgument("batchNumber is required")
	}
	if in.Quantity < 0 {
		return nil, apperr.InvalidArgument("quantity cannot be negative")
	}
	if in.UnitCost.IsNegative() {
		return nil, apperr.InvalidArgument("unitCost cannot be negative")
	}
	if err := validateBatchDates(in.ManufacturingDate, in.ExpiryDate); err != nil {
		return nil, err
	}

	var evts []events.StockEvent
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.drugs.GetForUpdate(ctx, in.DrugID)
		if err != nil {
			return err
		}
		taken, err := s.batches.NumberExists(ctx, in.BatchNumber)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Conflict("batch number %s already exists", in.BatchNumber)
		}

		b = &DrugBatch{
			DrugID:            in.DrugID,
			BatchNumber:       in.BatchNumber,
			Quantity:          in.Quantity,
			ManufacturingDate: in.ManufacturingDate,
			ExpiryDate:        in.ExpiryDate,
			UnitCost:          in.UnitCost,
			Supplier:          in.Supplier,
			Notes:             in.Notes,
		}
		if err := s.batches.Create(ctx, b); err != nil {
			return err
		}
		ch, err := s.addStock(ctx, d, in.Quantity)
		if err != nil {
			return err
		}
		b.Drug = d
		evts = ch.toEvents(events.BatchCreated, in.Quantity, b)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("drug_id", b.DrugID.String()).Str("batch_id", b.ID.String()).
		Str("batch_number", b.BatchNumber).Int("delta", b.Quantity).
		Int("stock", b.Drug.StockQuantity).Msg("batch created")
	s.publish(ctx, evts)
	return b, nil
}

// UpdateBatch edits batch metadata. The quantity is not touched.
func (s *Service) UpdateBatch(ctx context.Context, id uuid.UUID, u BatchUpdate) (*DrugBatch, error) {
	var out *DrugBatch
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.batches.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if u.BatchNumber != nil {
			num := strings.TrimSpace(*u.BatchNumber)
			if num == "" {
				return apperr.InvalidArgument("batchNumber cannot be empty")
			}
			if num != b.BatchNumber {
				taken, err := s.batches.NumberExists(ctx, num)
				if err != nil {
					return err
				}
				if taken {
					return apperr.Conflict("batch number %s already exists", num)
				}
			}
			b.BatchNumber = num
		}
		if u.ManufacturingDate != nil {
			b.ManufacturingDate = *u.ManufacturingDate
		}
		if u.ExpiryDate != nil {
			b.ExpiryDate = *u.ExpiryDate
		}
		if err := validateBatchDates(b.ManufacturingDate, b.ExpiryDate); err != nil {
			return err
		}
		if u.UnitCost != nil {
			if u.UnitCost.IsNegative() {
				return apperr.InvalidArgument("unitCost cannot be negative")
			}
			b.UnitCost = *u.UnitCost
		}
		if u.Supplier != nil {
			b.Supplier = u.Supplier
		}
		if u.Notes != nil {
			b.Notes = u.Notes
		}
		if err := s.batches.Update(ctx, b); err != nil {
			return err
		}
		out, err = s.batches.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveBatch deletes a batch and subtracts its remaining quantity from the
// drug's stock. Batches with dispensing history cannot be removed, and the
// removal is rejected if the stock would go negative.
func (s *Service) RemoveBatch(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.RemoveBatch", attribute.String("batch.id", id.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	var evts []events.StockEvent
	var removed *DrugBatch
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b, d, err := s.lockBatch(ctx, id)
		if err != nil {
			return err
		}
		n, err := s.dispensed.CountByBatch(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.Conflict("batch %s has %d dispensing records; reverse them first", b.BatchNumber, n)
		}
		if d.StockQuantity < b.Quantity {
			return apperr.Conflict("removing batch %s would make stock of drug %s negative (%d - %d)",
				b.BatchNumber, d.ID, d.StockQuantity, b.Quantity)
		}
		if err := s.batches.Delete(ctx, id); err != nil {
			return err
		}
		ch, err := s.addStock(ctx, d, -b.Quantity)
		if err != nil {
			return err
		}
		removed = b
		evts = ch.toEvents(events.BatchRemoved, -b.Quantity, nil)
		evts[0].BatchID = &b.ID
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("drug_id", removed.DrugID.String()).Str("batch_id", id.String()).
		Int("delta", -removed.Quantity).Msg("batch removed")
	s.publish(ctx, evts)
	return nil
}

// Dispense deducts quantity from a batch against a prescription and records
// the dispensing.
func (s *Service) Dispense(ctx context.Context, in DispenseInput) (x *DispensedDrug, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.Dispense",
		attribute.String("batch.id", in.BatchID.String()),
		attribute.String("prescription.id", in.PrescriptionID.String()),
		attribute.Int("quantity", in.Quantity))
	defer func() { telemetry.EndSpan(span, err) }()

	if in.Quantity <= 0 {
		return nil, apperr.InvalidArgument("quantity must be positive")
	}
	if in.DispensedBy = strings.TrimSpace(in.DispensedBy); in.DispensedBy == "" {
		in.DispensedBy = auth.UserIDFromContext(ctx)
	}
	if in.DispensedBy == "" {
		return nil, apperr.InvalidArgument("dispensedBy is required")
	}

	var evts []events.StockEvent
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetByID(ctx, in.PrescriptionID)
		if err != nil {
			return err
		}
		if p.Status == prescription.StatusCancelled {
			return apperr.InvalidArgument("prescription %s is cancelled", p.ID)
		}
		b, d, err := s.lockBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if !p.Prescribes(b.DrugID) {
			return apperr.InvalidArgument("drug not prescribed: %s is not on prescription %s", d.Name, p.ID)
		}
		if b.Quantity < in.Quantity {
			return apperr.InsufficientStock(b.Quantity, in.Quantity)
		}

		if err := s.batches.SetQuantity(ctx, b.ID, b.Quantity-in.Quantity); err != nil {
			return err
		}
		b.Quantity -= in.Quantity
		ch, err := s.addStock(ctx, d, -in.Quantity)
		if err != nil {
			return err
		}

		x = &DispensedDrug{
			PrescriptionID: p.ID,
			BatchID:        b.ID,
			DrugID:         b.DrugID,
			PatientID:      p.PatientID,
			Quantity:       in.Quantity,
			DispensedBy:    in.DispensedBy,
			Notes:          in.Notes,
		}
		if err := s.dispensed.Create(ctx, x); err != nil {
			return err
		}
		b.Drug = d
		x.Batch, x.Prescription = b, p
		x.DrugName, x.BatchNumber = d.Name, b.BatchNumber

		evts = ch.toEvents(events.DrugDispensed, -in.Quantity, b)
		evts[0].DispensedID = &x.ID
		evts[0].Actor = in.DispensedBy
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("drug_id", x.DrugID.String()).Str("batch_id", x.BatchID.String()).
		Str("dispensed_id", x.ID.String()).Int("delta", -x.Quantity).
		Int("stock", x.Batch.Drug.StockQuantity).Msg("drug dispensed")
	s.publish(ctx, evts)
	return x, nil
}

// UpdateDispensed changes the quantity or notes of a dispensing record. A
// quantity change moves the difference between the batch and the record.
func (s *Service) UpdateDispensed(ctx context.Context, id uuid.UUID, u DispenseUpdate) (x *DispensedDrug, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.UpdateDispensed", attribute.String("dispensed.id", id.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	if u.Quantity != nil && *u.Quantity <= 0 {
		return nil, apperr.InvalidArgument("quantity must be positive; delete the record to reverse it")
	}

	var evts []events.StockEvent
	var delta int
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		x, err = s.dispensed.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if u.Quantity != nil && *u.Quantity != x.Quantity {
			delta = *u.Quantity - x.Quantity
			b, d, err := s.lockBatch(ctx, x.BatchID)
			if err != nil {
				return err
			}
			if delta > 0 && b.Quantity < delta {
				return apperr.InsufficientStock(b.Quantity, delta)
			}
			if err := s.batches.SetQuantity(ctx, b.ID, b.Quantity-delta); err != nil {
				return err
			}
			b.Quantity -= delta
			ch, err := s.addStock(ctx, d, -delta)
			if err != nil {
				return err
			}
			x.Quantity = *u.Quantity
			evts = ch.toEvents(events.DispenseUpdated, -delta, b)
			evts[0].DispensedID = &x.ID
			evts[0].Actor = auth.UserIDFromContext(ctx)
		}
		if u.Notes != nil {
			x.Notes = u.Notes
		}
		if err := s.dispensed.Update(ctx, x); err != nil {
			return err
		}
		x, err = s.dispensed.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if delta != 0 {
		s.logger.Info().Str("drug_id", x.DrugID.String()).Str("batch_id", x.BatchID.String()).
			Str("dispensed_id", id.String()).Int("delta", -delta).Msg("dispense updated")
	}
	s.publish(ctx, evts)
	return x, nil
}

// ReverseDispensed returns the dispensed quantity to its batch and deletes
// the record in one transaction.
func (s *Service) ReverseDispensed(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.ReverseDispensed", attribute.String("dispensed.id", id.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	var evts []events.StockEvent
	var x *DispensedDrug
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		x, err = s.dispensed.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		b, d, err := s.lockBatch(ctx, x.BatchID)
		if err != nil {
			return err
		}
		if err := s.batches.SetQuantity(ctx, b.ID, b.Quantity+x.Quantity); err != nil {
			return err
		}
		b.Quantity += x.Quantity
		ch, err := s.addStock(ctx, d, x.Quantity)
		if err != nil {
			return err
		}
		if err := s.dispensed.Delete(ctx, id); err != nil {
			return err
		}
		evts = ch.toEvents(events.DispenseReversed, x.Quantity, b)
		evts[0].DispensedID = &x.ID
		evts[0].Actor = auth.UserIDFromContext(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("drug_id", x.DrugID.String()).Str("batch_id", x.BatchID.String()).
		Str("dispensed_id", id.String()).Int("delta", x.Quantity).Msg("dispense reversed")
	s.publish(ctx, evts)
	return nil
}

// AdjustQuantity sets a batch quantity, applies the difference to the drug's
// stock and writes exactly one adjustment record.
func (s *Service) AdjustQuantity(ctx context.Context, batchID uuid.UUID, in AdjustInput) (res *AdjustResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pharmacy.AdjustQuantity",
		attribute.String("batch.id", batchID.String()), attribute.Int("quantity", in.Quantity))
	defer func() { telemetry.EndSpan(span, err) }()

	if in.Quantity < 0 {
		return nil, apperr.InvalidArgument("quantity cannot be negative")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apperr.InvalidArgument("reason is required")
	}
	actor := auth.UserIDFromContext(ctx)

	var evts []events.StockEvent
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b, d, err := s.lockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		prev := b.Quantity
		delta := in.Quantity - prev
		if err := s.batches.SetQuantity(ctx, b.ID, in.Quantity); err != nil {
			return err
		}
		b.Quantity = in.Quantity
		ch, err := s.addStock(ctx, d, delta)
		if err != nil {
			return err
		}

		a := &BatchAdjustment{
			BatchID:          &b.ID,
			DrugID:           b.DrugID,
			BatchNumber:      b.BatchNumber,
			PreviousQuantity: prev,
			NewQuantity:      in.Quantity,
			Reason:           reason,
		}
		if actor != "" {
			a.AdjustedBy = &actor
		}
		if err := s.adjustments.Create(ctx, a); err != nil {
			return err
		}

		b.Drug = d
		res = &AdjustResult{Batch: b, Adjustment: a}
		evts = ch.toEvents(events.BatchAdjusted, delta, b)
		evts[0].Reason = reason
		evts[0].Actor = actor
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("drug_id", res.Batch.DrugID.String()).Str("batch_id", batchID.String()).
		Int("previous", res.Adjustment.PreviousQuantity).Int("new", res.Adjustment.NewQuantity).
		Str("reason", reason).Msg("batch quantity adjusted")
	s.publish(ctx, evts)
	return res, nil
}
