package pharmacy

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/hms/internal/platform/apperr"
)

func checkPrice(name string, p *decimal.Decimal) error {
	if p != nil && p.IsNegative() {
		return apperr.InvalidArgument("%s cannot be negative", name)
	}
	return nil
}

func validateDrug(d *Drug) error {
	d.Name = strings.TrimSpace(d.Name)
	d.Category = strings.TrimSpace(d.Category)
	d.Unit = strings.TrimSpace(d.Unit)
	switch {
	case d.Name == "":
		return apperr.InvalidArgument("name is required")
	case d.Category == "":
		return apperr.InvalidArgument("category is required")
	case d.Unit == "":
		return apperr.InvalidArgument("unit is required")
	case d.ReorderLevel < 0:
		return apperr.InvalidArgument("reorderLevel cannot be negative")
	}
	if err := checkPrice("costPrice", d.CostPrice); err != nil {
		return err
	}
	return checkPrice("sellingPrice", d.SellingPrice)
}

// CreateDrug adds a catalog entry. Stock always starts at zero and only
// grows through CreateBatch.
func (s *Service) CreateDrug(ctx context.Context, d *Drug) error {
	if err := validateDrug(d); err != nil {
		return err
	}
	d.StockQuantity = 0
	d.Batches = nil
	if err := s.drugs.Create(ctx, d); err != nil {
		return err
	}
	s.logger.Info().Str("drug_id", d.ID.String()).Str("name", d.Name).Msg("drug created")
	return nil
}

// GetDrug returns the drug with its batches ordered by expiry.
func (s *Service) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	d, err := s.drugs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Batches, err = s.drugBatches(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) SearchDrugs(ctx context.Context, f DrugFilter, limit, offset int) ([]*Drug, int, error) {
	if f.Sort.Field == "" {
		f.Sort = DefaultDrugSort
	}
	return s.drugs.Search(ctx, f, limit, offset)
}

func (s *Service) UpdateDrug(ctx context.Context, id uuid.UUID, u DrugUpdate) (*Drug, error) {
	var out *Drug
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.drugs.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if u.Name != nil {
			d.Name = *u.Name
		}
		if u.GenericName != nil {
			d.GenericName = u.GenericName
		}
		if u.Manufacturer != nil {
			d.Manufacturer = u.Manufacturer
		}
		if u.Category != nil {
			d.Category = *u.Category
		}
		if u.Strength != nil {
			d.Strength = u.Strength
		}
		if u.Unit != nil {
			d.Unit = *u.Unit
		}
		if u.ReorderLevel != nil {
			d.ReorderLevel = *u.ReorderLevel
		}
		if u.CostPrice != nil {
			d.CostPrice = u.CostPrice
		}
		if u.SellingPrice != nil {
			d.SellingPrice = u.SellingPrice
		}
		if u.Location != nil {
			d.Location = u.Location
		}
		if u.Description != nil {
			d.Description = u.Description
		}
		if err := validateDrug(d); err != nil {
			return err
		}
		if err := s.drugs.Update(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// DeleteDrug removes a drug that has no batches.
func (s *Service) DeleteDrug(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.drugs.GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := s.batches.CountByDrug(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.Conflict("drug %s still has %d batches", id, n)
		}
		return s.drugs.Delete(ctx, id)
	})
}

// DrugExists reports whether the drug is in the catalog.
func (s *Service) DrugExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.drugs.DrugExists(ctx, id)
}

// DrugBatches lists a drug's batches by expiry, optionally only those
// expiring inside the soon window.
func (s *Service) DrugBatches(ctx context.Context, id uuid.UUID, expiringSoon bool) ([]*DrugBatch, error) {
	if _, err := s.drugs.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.drugBatches(ctx, id, expiringSoon)
}

func (s *Service) drugBatches(ctx context.Context, id uuid.UUID, expiringSoon bool) ([]*DrugBatch, error) {
	f := BatchFilter{DrugID: &id, Sort: DefaultBatchSort}
	if expiringSoon {
		cutoff := s.soonCutoff()
		f.ExpiresBefore = &cutoff
	}
	items, _, err := s.batches.Search(ctx, f, maxListAll, 0)
	for _, b := range items {
		b.Drug = nil
	}
	return items, err
}

// maxListAll bounds lists that are returned without pagination.
const maxListAll = 1000

func (s *Service) InventoryStats(ctx context.Context) (*InventoryStats, error) {
	return s.drugs.Stats(ctx, s.soonCutoff())
}

func (s *Service) Categories(ctx context.Context) ([]string, error) {
	return s.drugs.Categories(ctx)
}

// LowStockDrugs lists drugs at or below their reorder level, lowest stock first.
func (s *Service) LowStockDrugs(ctx context.Context) ([]*Drug, error) {
	return s.drugs.LowStock(ctx)
}

// ExpiringSoonDrugs lists drugs with batches expiring inside the soon
// window, each carrying only those batches.
func (s *Service) ExpiringSoonDrugs(ctx context.Context) ([]*Drug, error) {
	cutoff := s.soonCutoff()
	batches, _, err := s.batches.Search(ctx, BatchFilter{ExpiresBefore: &cutoff, Sort: DefaultBatchSort}, maxListAll, 0)
	if err != nil {
		return nil, err
	}
	var out []*Drug
	byID := make(map[uuid.UUID]*Drug)
	for _, b := range batches {
		d, ok := byID[b.DrugID]
		if !ok {
			d = b.Drug
			byID[b.DrugID] = d
			out = append(out, d)
		}
		b.Drug = nil
		d.Batches = append(d.Batches, b)
	}
	return out, nil
}
