package pharmacy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/hms/internal/domain/prescription"
	"github.com/hospital/hms/internal/platform/apperr"
)

// memStore backs every repository interface with maps. InTx serialises
// transactions and restores a snapshot when the callback fails, which is
// how the Postgres repositories behave under row locks and rollback.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	drugs         map[uuid.UUID]*Drug
	batches       map[uuid.UUID]*DrugBatch
	adjustments   []*BatchAdjustment
	dispensed     map[uuid.UUID]*DispensedDrug
	prescriptions map[uuid.UUID]*prescription.Prescription

	clock time.Time
}

func newMemStore() *memStore {
	return &memStore{
		drugs:         make(map[uuid.UUID]*Drug),
		batches:       make(map[uuid.UUID]*DrugBatch),
		dispensed:     make(map[uuid.UUID]*DispensedDrug),
		prescriptions: make(map[uuid.UUID]*prescription.Prescription),
		clock:         time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp so ordering by time is stable.
func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

type inTxKey struct{}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	drugs       map[uuid.UUID]Drug
	batches     map[uuid.UUID]DrugBatch
	adjustments []BatchAdjustment
	dispensed   map[uuid.UUID]DispensedDrug
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		drugs:     make(map[uuid.UUID]Drug, len(s.drugs)),
		batches:   make(map[uuid.UUID]DrugBatch, len(s.batches)),
		dispensed: make(map[uuid.UUID]DispensedDrug, len(s.dispensed)),
	}
	for id, d := range s.drugs {
		snap.drugs[id] = *d
	}
	for id, b := range s.batches {
		snap.batches[id] = *b
	}
	for _, a := range s.adjustments {
		snap.adjustments = append(snap.adjustments, *a)
	}
	for id, x := range s.dispensed {
		snap.dispensed[id] = *x
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drugs = make(map[uuid.UUID]*Drug, len(snap.drugs))
	for id, d := range snap.drugs {
		d := d
		s.drugs[id] = &d
	}
	s.batches = make(map[uuid.UUID]*DrugBatch, len(snap.batches))
	for id, b := range snap.batches {
		b := b
		s.batches[id] = &b
	}
	s.adjustments = nil
	for _, a := range snap.adjustments {
		a := a
		s.adjustments = append(s.adjustments, &a)
	}
	s.dispensed = make(map[uuid.UUID]*DispensedDrug, len(snap.dispensed))
	for id, x := range snap.dispensed {
		x := x
		s.dispensed[id] = &x
	}
}

func (s *memStore) repos() (DrugRepository, BatchRepository, AdjustmentRepository, DispensedRepository, PrescriptionReader) {
	return memDrugs{s}, memBatches{s}, memAdjustments{s}, memDispensed{s}, memPrescriptions{s}
}

// addPrescription stores p directly. The prescription service owns creation.
func (s *memStore) addPrescription(p *prescription.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = prescription.StatusActive
	}
	cp := *p
	s.prescriptions[p.ID] = &cp
}

// batchTotal sums the batch quantities of a drug.
func (s *memStore) batchTotal(drugID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchTotalLocked(drugID)
}

func (s *memStore) batchTotalLocked(drugID uuid.UUID) int {
	total := 0
	for _, b := range s.batches {
		if b.DrugID == drugID {
			total += b.Quantity
		}
	}
	return total
}

func (s *memStore) stock(drugID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drugs[drugID].StockQuantity
}

func (s *memStore) batchQty(batchID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[batchID].Quantity
}

// corrupt overwrites a drug's stock behind the ledger's back.
func (s *memStore) corrupt(drugID uuid.UUID, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drugs[drugID].StockQuantity = qty
}

func copyDrug(d *Drug) *Drug {
	cp := *d
	cp.Batches = nil
	return &cp
}

func copyBatch(b *DrugBatch) *DrugBatch {
	cp := *b
	cp.Drug, cp.Adjustments = nil, nil
	return &cp
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func containsFold(text string, fields ...*string) bool {
	needle := strings.ToLower(text)
	for _, f := range fields {
		if f != nil && strings.Contains(strings.ToLower(*f), needle) {
			return true
		}
	}
	return false
}

// -- Drugs --

type memDrugs struct{ s *memStore }

func (r memDrugs) Create(_ context.Context, d *Drug) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = r.s.tick()
	d.UpdatedAt = d.CreatedAt
	r.s.drugs[d.ID] = copyDrug(d)
	return nil
}

func (r memDrugs) GetByID(_ context.Context, id uuid.UUID) (*Drug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drugs[id]
	if !ok {
		return nil, apperr.NotFound("drug not found")
	}
	return copyDrug(d), nil
}

func (r memDrugs) GetForUpdate(ctx context.Context, id uuid.UUID) (*Drug, error) {
	return r.GetByID(ctx, id)
}

func (r memDrugs) Update(_ context.Context, d *Drug) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.drugs[d.ID]
	if !ok {
		return apperr.NotFound("drug not found")
	}
	d.UpdatedAt = r.s.tick()
	cp := copyDrug(d)
	cp.StockQuantity = old.StockQuantity
	r.s.drugs[d.ID] = cp
	return nil
}

func (r memDrugs) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.drugs[id]; !ok {
		return apperr.NotFound("drug not found")
	}
	delete(r.s.drugs, id)
	return nil
}

func drugLess(s string, a, b *Drug) bool {
	switch s {
	case SortCategory:
		return a.Category < b.Category
	case SortStockQuantity:
		return a.StockQuantity < b.StockQuantity
	case SortCreatedAt:
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Name < b.Name
}

func (r memDrugs) Search(_ context.Context, f DrugFilter, limit, offset int) ([]*Drug, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Drug
	for _, d := range r.s.drugs {
		if f.Search != "" && !containsFold(f.Search, &d.Name, d.GenericName, d.Description) {
			continue
		}
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		if f.InStock != nil && (d.StockQuantity > 0) != *f.InStock {
			continue
		}
		out = append(out, copyDrug(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Sort.Desc {
			return drugLess(f.Sort.Field, out[j], out[i])
		}
		return drugLess(f.Sort.Field, out[i], out[j])
	})
	return page(out, limit, offset), len(out), nil
}

func (r memDrugs) DrugExists(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.drugs[id]
	return ok, nil
}

func (r memDrugs) AddStock(_ context.Context, id uuid.UUID, delta int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drugs[id]
	if !ok {
		return 0, apperr.NotFound("drug not found")
	}
	d.StockQuantity += delta
	return d.StockQuantity, nil
}

func (r memDrugs) SetStock(_ context.Context, id uuid.UUID, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drugs[id]
	if !ok {
		return apperr.NotFound("drug not found")
	}
	d.StockQuantity = qty
	return nil
}

func (r memDrugs) Categories(_ context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.s.drugs {
		if !seen[d.Category] {
			seen[d.Category] = true
			out = append(out, d.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r memDrugs) LowStock(_ context.Context) ([]*Drug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Drug
	for _, d := range r.s.drugs {
		if d.LowStock() {
			out = append(out, copyDrug(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StockQuantity != out[j].StockQuantity {
			return out[i].StockQuantity < out[j].StockQuantity
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r memDrugs) Stats(_ context.Context, expiringBefore time.Time) (*InventoryStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := &InventoryStats{InventoryValue: decimal.Zero}
	for _, d := range r.s.drugs {
		st.TotalDrugs++
		st.TotalQuantity += d.StockQuantity
		if d.LowStock() {
			st.LowStockDrugs++
		}
		if d.StockQuantity == 0 {
			st.OutOfStockDrugs++
		}
	}
	for _, b := range r.s.batches {
		if !b.ExpiryDate.After(expiringBefore) {
			st.ExpiringBatches++
		}
		st.InventoryValue = st.InventoryValue.Add(b.UnitCost.Mul(decimal.NewFromInt(int64(b.Quantity))))
	}
	return st, nil
}

func (r memDrugs) StockDrift(_ context.Context) ([]StockDrift, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []StockDrift
	for _, d := range r.s.drugs {
		if total := r.s.batchTotalLocked(d.ID); total != d.StockQuantity {
			out = append(out, StockDrift{DrugID: d.ID, DrugName: d.Name, StockQuantity: d.StockQuantity, BatchTotal: total})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DrugName < out[j].DrugName })
	return out, nil
}

func (r memDrugs) LockStock(context.Context) error { return nil }

// -- Batches --

type memBatches struct{ s *memStore }

func (r memBatches) withDrug(b *DrugBatch) *DrugBatch {
	cp := copyBatch(b)
	if d, ok := r.s.drugs[b.DrugID]; ok {
		cp.Drug = copyDrug(d)
	}
	return cp
}

func (r memBatches) Create(_ context.Context, b *DrugBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.batches {
		if other.BatchNumber == b.BatchNumber {
			return apperr.Conflict("drug batch already exists")
		}
	}
	b.ID = uuid.New()
	b.CreatedAt = r.s.tick()
	b.UpdatedAt = b.CreatedAt
	r.s.batches[b.ID] = copyBatch(b)
	return nil
}

func (r memBatches) GetByID(_ context.Context, id uuid.UUID) (*DrugBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, apperr.NotFound("drug batch not found")
	}
	return r.withDrug(b), nil
}

func (r memBatches) GetForUpdate(_ context.Context, id uuid.UUID) (*DrugBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, apperr.NotFound("drug batch not found")
	}
	return copyBatch(b), nil
}

func (r memBatches) NumberExists(_ context.Context, batchNumber string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.batches {
		if b.BatchNumber == batchNumber {
			return true, nil
		}
	}
	return false, nil
}

func (r memBatches) Update(_ context.Context, b *DrugBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.batches[b.ID]
	if !ok {
		return apperr.NotFound("drug batch not found")
	}
	b.UpdatedAt = r.s.tick()
	cp := copyBatch(b)
	cp.Quantity = old.Quantity
	r.s.batches[b.ID] = cp
	return nil
}

func (r memBatches) SetQuantity(_ context.Context, id uuid.UUID, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return apperr.NotFound("drug batch not found")
	}
	b.Quantity = qty
	return nil
}

func (r memBatches) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.batches[id]; !ok {
		return apperr.NotFound("drug batch not found")
	}
	delete(r.s.batches, id)
	for _, a := range r.s.adjustments {
		if a.BatchID != nil && *a.BatchID == id {
			a.BatchID = nil
		}
	}
	return nil
}

func batchLess(s string, a, b *DrugBatch) bool {
	switch s {
	case SortManufacturingDate:
		return a.ManufacturingDate.Before(b.ManufacturingDate)
	case SortQuantity:
		return a.Quantity < b.Quantity
	case SortBatchNumber:
		return a.BatchNumber < b.BatchNumber
	case SortCreatedAt:
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ExpiryDate.Before(b.ExpiryDate)
}

func (r memBatches) Search(_ context.Context, f BatchFilter, limit, offset int) ([]*DrugBatch, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*DrugBatch
	for _, b := range r.s.batches {
		if f.DrugID != nil && b.DrugID != *f.DrugID {
			continue
		}
		if f.ExpiresBefore != nil && b.ExpiryDate.After(*f.ExpiresBefore) {
			continue
		}
		if f.ManufacturedFrom != nil && b.ManufacturingDate.Before(*f.ManufacturedFrom) {
			continue
		}
		if f.ManufacturedTo != nil && b.ManufacturingDate.After(*f.ManufacturedTo) {
			continue
		}
		cp := r.withDrug(b)
		if f.Search != "" && !containsFold(f.Search, &cp.BatchNumber, &cp.Drug.Name) {
			continue
		}
		if f.Supplier != "" && !containsFold(f.Supplier, cp.Supplier) {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Sort.Desc {
			return batchLess(f.Sort.Field, out[j], out[i])
		}
		return batchLess(f.Sort.Field, out[i], out[j])
	})
	return page(out, limit, offset), len(out), nil
}

func (r memBatches) CountByDrug(_ context.Context, drugID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, b := range r.s.batches {
		if b.DrugID == drugID {
			n++
		}
	}
	return n, nil
}

func (r memBatches) ListAll(ctx context.Context) ([]*DrugBatch, error) {
	items, _, err := r.Search(ctx, BatchFilter{Sort: DefaultBatchSort}, 1<<30, 0)
	return items, err
}

func (r memBatches) LowStock(_ context.Context) ([]*DrugBatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*DrugBatch
	for _, b := range r.s.batches {
		if d := r.s.drugs[b.DrugID]; d != nil && d.LowStock() {
			out = append(out, r.withDrug(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Drug.StockQuantity != out[j].Drug.StockQuantity {
			return out[i].Drug.StockQuantity < out[j].Drug.StockQuantity
		}
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out, nil
}

// -- Adjustments --

type memAdjustments struct{ s *memStore }

func (r memAdjustments) Create(_ context.Context, a *BatchAdjustment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a.ID = uuid.New()
	a.AdjustedAt = r.s.tick()
	cp := *a
	r.s.adjustments = append(r.s.adjustments, &cp)
	return nil
}

func (r memAdjustments) ListByBatches(_ context.Context, batchIDs []uuid.UUID) (map[uuid.UUID][]*BatchAdjustment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(batchIDs))
	for _, id := range batchIDs {
		want[id] = true
	}
	out := make(map[uuid.UUID][]*BatchAdjustment)
	for i := len(r.s.adjustments) - 1; i >= 0; i-- {
		a := r.s.adjustments[i]
		if a.BatchID != nil && want[*a.BatchID] {
			cp := *a
			out[*a.BatchID] = append(out[*a.BatchID], &cp)
		}
	}
	return out, nil
}

// all returns every adjustment row including those whose batch was removed.
func (r memAdjustments) all() []BatchAdjustment {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]BatchAdjustment, len(r.s.adjustments))
	for i, a := range r.s.adjustments {
		out[i] = *a
	}
	return out
}

// -- Dispensed drugs --

type memDispensed struct{ s *memStore }

func (r memDispensed) joined(x *DispensedDrug) *DispensedDrug {
	cp := *x
	cp.Batch, cp.Prescription = nil, nil
	if d, ok := r.s.drugs[x.DrugID]; ok {
		cp.DrugName = d.Name
	}
	if b, ok := r.s.batches[x.BatchID]; ok {
		cp.BatchNumber = b.BatchNumber
	}
	return &cp
}

func (r memDispensed) Create(_ context.Context, x *DispensedDrug) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	x.ID = uuid.New()
	x.DispensedAt = r.s.tick()
	x.CreatedAt, x.UpdatedAt = x.DispensedAt, x.DispensedAt
	cp := *x
	cp.Batch, cp.Prescription, cp.DrugName, cp.BatchNumber = nil, nil, "", ""
	r.s.dispensed[x.ID] = &cp
	return nil
}

func (r memDispensed) GetByID(_ context.Context, id uuid.UUID) (*DispensedDrug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	x, ok := r.s.dispensed[id]
	if !ok {
		return nil, apperr.NotFound("dispensed drug not found")
	}
	return r.joined(x), nil
}

func (r memDispensed) GetForUpdate(_ context.Context, id uuid.UUID) (*DispensedDrug, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	x, ok := r.s.dispensed[id]
	if !ok {
		return nil, apperr.NotFound("dispensed drug not found")
	}
	cp := *x
	return &cp, nil
}

func (r memDispensed) Update(_ context.Context, x *DispensedDrug) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.dispensed[x.ID]
	if !ok {
		return apperr.NotFound("dispensed drug not found")
	}
	old.Quantity, old.Notes = x.Quantity, x.Notes
	old.UpdatedAt = r.s.tick()
	x.UpdatedAt = old.UpdatedAt
	return nil
}

func (r memDispensed) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.dispensed[id]; !ok {
		return apperr.NotFound("dispensed drug not found")
	}
	delete(r.s.dispensed, id)
	return nil
}

func (r memDispensed) Search(_ context.Context, f DispensedFilter, limit, offset int) ([]*DispensedDrug, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*DispensedDrug
	for _, x := range r.s.dispensed {
		switch {
		case f.PrescriptionID != nil && x.PrescriptionID != *f.PrescriptionID,
			f.PatientID != nil && x.PatientID != *f.PatientID,
			f.DrugID != nil && x.DrugID != *f.DrugID,
			f.BatchID != nil && x.BatchID != *f.BatchID,
			f.From != nil && x.DispensedAt.Before(*f.From),
			f.To != nil && x.DispensedAt.After(*f.To):
			continue
		}
		out = append(out, r.joined(x))
	}
	less := func(a, b *DispensedDrug) bool {
		if f.Sort.Field == SortQuantity {
			return a.Quantity < b.Quantity
		}
		return a.DispensedAt.Before(b.DispensedAt)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Sort.Desc {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return page(out, limit, offset), len(out), nil
}

func (r memDispensed) CountByBatch(_ context.Context, batchID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, x := range r.s.dispensed {
		if x.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

func (r memDispensed) PerDrug(_ context.Context) ([]DrugDispenseStat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	index := make(map[uuid.UUID]int)
	var out []DrugDispenseStat
	for _, x := range r.s.dispensed {
		i, ok := index[x.DrugID]
		if !ok {
			i = len(out)
			index[x.DrugID] = i
			out = append(out, DrugDispenseStat{Drug: copyDrug(r.s.drugs[x.DrugID])})
		}
		out[i].Count++
		out[i].TotalQuantity += x.Quantity
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalQuantity != out[j].TotalQuantity {
			return out[i].TotalQuantity > out[j].TotalQuantity
		}
		return out[i].Drug.Name < out[j].Drug.Name
	})
	return out, nil
}

// -- Prescriptions --

type memPrescriptions struct{ s *memStore }

func (r memPrescriptions) GetByID(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.prescriptions[id]
	if !ok {
		return nil, apperr.NotFound("prescription not found")
	}
	cp := *p
	return &cp, nil
}
