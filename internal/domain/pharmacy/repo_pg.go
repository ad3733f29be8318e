package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/pkg/pagination"
)

// orderClause maps a validated sort onto its column, falling back to def.
func orderClause(cols map[string]string, s, def pagination.Sort, tiebreak string) string {
	col, ok := cols[s.Field]
	if !ok {
		col, s = cols[def.Field], def
	}
	return col + " " + s.Direction() + ", " + tiebreak
}

// =========== Drug Repository ===========

type drugRepoPG struct{ pool *pgxpool.Pool }

func NewDrugRepoPG(pool *pgxpool.Pool) DrugRepository {
	return &drugRepoPG{pool: pool}
}

const drugCols = `d.id, d.name, d.generic_name, d.manufacturer, d.category, d.strength, d.unit,
	d.stock_quantity, d.reorder_level, d.cost_price, d.selling_price, d.location,
	d.description, d.created_at, d.updated_at`

func drugDest(d *Drug) []any {
	return []any{&d.ID, &d.Name, &d.GenericName, &d.Manufacturer, &d.Category, &d.Strength, &d.Unit,
		&d.StockQuantity, &d.ReorderLevel, &d.CostPrice, &d.SellingPrice, &d.Location,
		&d.Description, &d.CreatedAt, &d.UpdatedAt}
}

func scanDrug(row pgx.Row) (*Drug, error) {
	var d Drug
	if err := row.Scan(drugDest(&d)...); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDrugs(rows pgx.Rows) ([]*Drug, error) {
	defer rows.Close()
	var out []*Drug
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *drugRepoPG) Create(ctx context.Context, d *Drug) error {
	d.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug (id, name, generic_name, manufacturer, category, strength, unit,
			stock_quantity, reorder_level, cost_price, selling_price, location, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.GenericName, d.Manufacturer, d.Category, d.Strength, d.Unit,
		d.StockQuantity, d.ReorderLevel, d.CostPrice, d.SellingPrice, d.Location, d.Description,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	return apperr.FromPG(err, "drug")
}

func (r *drugRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Drug, error) {
	d, err := scanDrug(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+drugCols+` FROM drug d WHERE d.id = $1`, id))
	if err != nil {
		return nil, apperr.FromPG(err, "drug")
	}
	return d, nil
}

func (r *drugRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Drug, error) {
	d, err := scanDrug(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+drugCols+` FROM drug d WHERE d.id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperr.FromPG(err, "drug")
	}
	return d, nil
}

func (r *drugRepoPG) Update(ctx context.Context, d *Drug) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE drug SET name=$2, generic_name=$3, manufacturer=$4, category=$5, strength=$6,
			unit=$7, reorder_level=$8, cost_price=$9, selling_price=$10, location=$11,
			description=$12, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Name, d.GenericName, d.Manufacturer, d.Category, d.Strength,
		d.Unit, d.ReorderLevel, d.CostPrice, d.SellingPrice, d.Location, d.Description,
	).Scan(&d.UpdatedAt)
	return apperr.FromPG(err, "drug")
}

func (r *drugRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM drug WHERE id = $1`, id)
	if err != nil {
		return apperr.FromPG(err, "drug")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("drug not found")
	}
	return nil
}

var drugSortColumns = map[string]string{
	SortName:          "d.name",
	SortCategory:      "d.category",
	SortStockQuantity: "d.stock_quantity",
	SortCreatedAt:     "d.created_at",
}

func (r *drugRepoPG) Search(ctx context.Context, f DrugFilter, limit, offset int) ([]*Drug, int, error) {
	qb := db.NewSearchQuery("drug d", drugCols)
	qb.AddContains(f.Search, "d.name", "d.generic_name", "d.description")
	if f.Category != "" {
		qb.AddEq("d.category", f.Category)
	}
	if f.InStock != nil {
		if *f.InStock {
			qb.Add("d.stock_quantity > 0")
		} else {
			qb.Add("d.stock_quantity = 0")
		}
	}
	qb.OrderBy(orderClause(drugSortColumns, f.Sort, DefaultDrugSort, "d.id"))

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectDrugs(rows)
	return items, total, err
}

func (r *drugRepoPG) DrugExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM drug WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *drugRepoPG) AddStock(ctx context.Context, id uuid.UUID, delta int) (int, error) {
	var qty int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE drug SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING stock_quantity`, id, delta).Scan(&qty)
	return qty, apperr.FromPG(err, "drug")
}

func (r *drugRepoPG) SetStock(ctx context.Context, id uuid.UUID, qty int) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE drug SET stock_quantity = $2, updated_at = NOW() WHERE id = $1`, id, qty)
	return apperr.FromPG(err, "drug")
}

func (r *drugRepoPG) Categories(ctx context.Context) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT DISTINCT category FROM drug ORDER BY category`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *drugRepoPG) LowStock(ctx context.Context) ([]*Drug, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+drugCols+` FROM drug d
		WHERE d.stock_quantity <= d.reorder_level
		ORDER BY d.stock_quantity ASC, d.name ASC`)
	if err != nil {
		return nil, err
	}
	return collectDrugs(rows)
}

func (r *drugRepoPG) Stats(ctx context.Context, expiringBefore time.Time) (*InventoryStats, error) {
	var s InventoryStats
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM drug),
			(SELECT COALESCE(SUM(stock_quantity), 0) FROM drug),
			(SELECT COUNT(*) FROM drug WHERE stock_quantity <= reorder_level),
			(SELECT COUNT(*) FROM drug WHERE stock_quantity = 0),
			(SELECT COUNT(*) FROM drug_batch WHERE expiry_date <= $1),
			(SELECT COALESCE(SUM(quantity * unit_cost), 0) FROM drug_batch)`,
		expiringBefore,
	).Scan(&s.TotalDrugs, &s.TotalQuantity, &s.LowStockDrugs, &s.OutOfStockDrugs,
		&s.ExpiringBatches, &s.InventoryValue)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *drugRepoPG) StockDrift(ctx context.Context) ([]StockDrift, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT d.id, d.name, d.stock_quantity, COALESCE(SUM(b.quantity), 0)::int AS batch_total
		FROM drug d
		LEFT JOIN drug_batch b ON b.drug_id = d.id
		GROUP BY d.id, d.name, d.stock_quantity
		HAVING d.stock_quantity <> COALESCE(SUM(b.quantity), 0)
		ORDER BY d.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockDrift
	for rows.Next() {
		var s StockDrift
		if err := rows.Scan(&s.DrugID, &s.DrugName, &s.StockQuantity, &s.BatchTotal); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *drugRepoPG) LockStock(ctx context.Context) error {
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `SELECT id FROM drug_batch ORDER BY id FOR UPDATE`); err != nil {
		return err
	}
	_, err := conn.Exec(ctx, `SELECT id FROM drug ORDER BY id FOR UPDATE`)
	return err
}

// =========== Batch Repository ===========

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

const batchCols = `b.id, b.drug_id, b.batch_number, b.quantity, b.manufacturing_date, b.expiry_date,
	b.unit_cost, b.supplier, b.notes, b.created_at, b.updated_at`

func batchDest(b *DrugBatch) []any {
	return []any{&b.ID, &b.DrugID, &b.BatchNumber, &b.Quantity, &b.ManufacturingDate, &b.ExpiryDate,
		&b.UnitCost, &b.Supplier, &b.Notes, &b.CreatedAt, &b.UpdatedAt}
}

func scanBatch(row pgx.Row) (*DrugBatch, error) {
	var b DrugBatch
	if err := row.Scan(batchDest(&b)...); err != nil {
		return nil, err
	}
	return &b, nil
}

// scanBatchWithDrug scans batchCols followed by drugCols.
func scanBatchWithDrug(row pgx.Row) (*DrugBatch, error) {
	var b DrugBatch
	var d Drug
	if err := row.Scan(append(batchDest(&b), drugDest(&d)...)...); err != nil {
		return nil, err
	}
	b.Drug = &d
	return &b, nil
}

func collectBatchesWithDrug(rows pgx.Rows) ([]*DrugBatch, error) {
	defer rows.Close()
	var out []*DrugBatch
	for rows.Next() {
		b, err := scanBatchWithDrug(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const batchWithDrugFrom = `drug_batch b JOIN drug d ON d.id = b.drug_id`

func (r *batchRepoPG) Create(ctx context.Context, b *DrugBatch) error {
	b.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug_batch (id, drug_id, batch_number, quantity, manufacturing_date,
			expiry_date, unit_cost, supplier, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		b.ID, b.DrugID, b.BatchNumber, b.Quantity, b.ManufacturingDate,
		b.ExpiryDate, b.UnitCost, b.Supplier, b.Notes,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return apperr.FromPG(err, "drug batch")
}

func (r *batchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DrugBatch, error) {
	b, err := scanBatchWithDrug(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+batchCols+`, `+drugCols+` FROM `+batchWithDrugFrom+` WHERE b.id = $1`, id))
	if err != nil {
		return nil, apperr.FromPG(err, "drug batch")
	}
	return b, nil
}

// GetForUpdate locks only the batch row. The drug row is locked separately
// so callers keep the batch-then-drug order.
func (r *batchRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*DrugBatch, error) {
	b, err := scanBatch(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+batchCols+` FROM drug_batch b WHERE b.id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperr.FromPG(err, "drug batch")
	}
	return b, nil
}

func (r *batchRepoPG) NumberExists(ctx context.Context, batchNumber string) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM drug_batch WHERE batch_number = $1)`, batchNumber).Scan(&ok)
	return ok, err
}

func (r *batchRepoPG) Update(ctx context.Context, b *DrugBatch) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE drug_batch SET batch_number=$2, manufacturing_date=$3, expiry_date=$4,
			unit_cost=$5, supplier=$6, notes=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.BatchNumber, b.ManufacturingDate, b.ExpiryDate, b.UnitCost, b.Supplier, b.Notes,
	).Scan(&b.UpdatedAt)
	return apperr.FromPG(err, "drug batch")
}

func (r *batchRepoPG) SetQuantity(ctx context.Context, id uuid.UUID, qty int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE drug_batch SET quantity = $2, updated_at = NOW() WHERE id = $1`, id, qty)
	if err != nil {
		return apperr.FromPG(err, "drug batch")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("drug batch not found")
	}
	return nil
}

func (r *batchRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM drug_batch WHERE id = $1`, id)
	if err != nil {
		return apperr.FromPG(err, "drug batch")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("drug batch not found")
	}
	return nil
}

var batchSortColumns = map[string]string{
	SortExpiryDate:        "b.expiry_date",
	SortManufacturingDate: "b.manufacturing_date",
	SortQuantity:          "b.quantity",
	SortBatchNumber:       "b.batch_number",
	SortCreatedAt:         "b.created_at",
}

func (r *batchRepoPG) Search(ctx context.Context, f BatchFilter, limit, offset int) ([]*DrugBatch, int, error) {
	qb := db.NewSearchQuery(batchWithDrugFrom, batchCols+", "+drugCols)
	if f.DrugID != nil {
		qb.AddEq("b.drug_id", *f.DrugID)
	}
	if f.ExpiresBefore != nil {
		qb.AddRange("b.expiry_date", nil, f.ExpiresBefore)
	}
	qb.AddRange("b.manufacturing_date", f.ManufacturedFrom, f.ManufacturedTo)
	qb.AddContains(f.Search, "b.batch_number", "d.name")
	qb.AddContains(f.Supplier, "b.supplier")
	qb.OrderBy(orderClause(batchSortColumns, f.Sort, DefaultBatchSort, "b.id"))

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectBatchesWithDrug(rows)
	return items, total, err
}

func (r *batchRepoPG) CountByDrug(ctx context.Context, drugID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM drug_batch WHERE drug_id = $1`, drugID).Scan(&n)
	return n, err
}

func (r *batchRepoPG) ListAll(ctx context.Context) ([]*DrugBatch, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+batchCols+`, `+drugCols+` FROM `+batchWithDrugFrom+` ORDER BY b.expiry_date, b.id`)
	if err != nil {
		return nil, err
	}
	return collectBatchesWithDrug(rows)
}

func (r *batchRepoPG) LowStock(ctx context.Context) ([]*DrugBatch, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+batchCols+`, `+drugCols+` FROM `+batchWithDrugFrom+`
		WHERE d.stock_quantity <= d.reorder_level
		ORDER BY d.stock_quantity ASC, b.expiry_date ASC, b.id`)
	if err != nil {
		return nil, err
	}
	return collectBatchesWithDrug(rows)
}

// =========== Adjustment Repository ===========

type adjustmentRepoPG struct{ pool *pgxpool.Pool }

func NewAdjustmentRepoPG(pool *pgxpool.Pool) AdjustmentRepository {
	return &adjustmentRepoPG{pool: pool}
}

func (r *adjustmentRepoPG) Create(ctx context.Context, a *BatchAdjustment) error {
	a.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug_batch_adjustment (id, batch_id, drug_id, batch_number,
			previous_quantity, new_quantity, reason, adjusted_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING adjusted_at`,
		a.ID, a.BatchID, a.DrugID, a.BatchNumber,
		a.PreviousQuantity, a.NewQuantity, a.Reason, a.AdjustedBy,
	).Scan(&a.AdjustedAt)
	return apperr.FromPG(err, "batch adjustment")
}

func (r *adjustmentRepoPG) ListByBatches(ctx context.Context, batchIDs []uuid.UUID) (map[uuid.UUID][]*BatchAdjustment, error) {
	out := make(map[uuid.UUID][]*BatchAdjustment, len(batchIDs))
	if len(batchIDs) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, batch_id, drug_id, batch_number, previous_quantity, new_quantity,
			reason, adjusted_by, adjusted_at
		FROM drug_batch_adjustment
		WHERE batch_id = ANY($1)
		ORDER BY adjusted_at DESC, id`, batchIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a BatchAdjustment
		if err := rows.Scan(&a.ID, &a.BatchID, &a.DrugID, &a.BatchNumber, &a.PreviousQuantity,
			&a.NewQuantity, &a.Reason, &a.AdjustedBy, &a.AdjustedAt); err != nil {
			return nil, err
		}
		out[*a.BatchID] = append(out[*a.BatchID], &a)
	}
	return out, rows.Err()
}

// =========== Dispensed Drug Repository ===========

type dispensedRepoPG struct{ pool *pgxpool.Pool }

func NewDispensedRepoPG(pool *pgxpool.Pool) DispensedRepository {
	return &dispensedRepoPG{pool: pool}
}

const dispensedCols = `x.id, x.prescription_id, x.batch_id, x.drug_id, x.patient_id, x.quantity,
	x.dispensed_by, x.dispensed_at, x.notes, x.created_at, x.updated_at`

const dispensedFrom = `dispensed_drug x
	JOIN drug d ON d.id = x.drug_id
	JOIN drug_batch b ON b.id = x.batch_id`

func dispensedDest(x *DispensedDrug) []any {
	return []any{&x.ID, &x.PrescriptionID, &x.BatchID, &x.DrugID, &x.PatientID, &x.Quantity,
		&x.DispensedBy, &x.DispensedAt, &x.Notes, &x.CreatedAt, &x.UpdatedAt}
}

func scanDispensed(row pgx.Row) (*DispensedDrug, error) {
	var x DispensedDrug
	dest := append(dispensedDest(&x), &x.DrugName, &x.BatchNumber)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &x, nil
}

const dispensedSelect = `SELECT ` + dispensedCols + `, d.name, b.batch_number FROM ` + dispensedFrom

func (r *dispensedRepoPG) Create(ctx context.Context, x *DispensedDrug) error {
	x.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO dispensed_drug (id, prescription_id, batch_id, drug_id, patient_id,
			quantity, dispensed_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING dispensed_at, created_at, updated_at`,
		x.ID, x.PrescriptionID, x.BatchID, x.DrugID, x.PatientID,
		x.Quantity, x.DispensedBy, x.Notes,
	).Scan(&x.DispensedAt, &x.CreatedAt, &x.UpdatedAt)
	return apperr.FromPG(err, "dispensed drug")
}

func (r *dispensedRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DispensedDrug, error) {
	x, err := scanDispensed(db.Conn(ctx, r.pool).QueryRow(ctx, dispensedSelect+` WHERE x.id = $1`, id))
	if err != nil {
		return nil, apperr.FromPG(err, "dispensed drug")
	}
	return x, nil
}

func (r *dispensedRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*DispensedDrug, error) {
	var x DispensedDrug
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+dispensedCols+` FROM dispensed_drug x WHERE x.id = $1 FOR UPDATE`, id,
	).Scan(dispensedDest(&x)...)
	if err != nil {
		return nil, apperr.FromPG(err, "dispensed drug")
	}
	return &x, nil
}

func (r *dispensedRepoPG) Update(ctx context.Context, x *DispensedDrug) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE dispensed_drug SET quantity=$2, notes=$3, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`, x.ID, x.Quantity, x.Notes).Scan(&x.UpdatedAt)
	return apperr.FromPG(err, "dispensed drug")
}

func (r *dispensedRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM dispensed_drug WHERE id = $1`, id)
	if err != nil {
		return apperr.FromPG(err, "dispensed drug")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("dispensed drug not found")
	}
	return nil
}

var dispensedSortColumns = map[string]string{
	SortDispensedAt: "x.dispensed_at",
	SortQuantity:    "x.quantity",
}

func (r *dispensedRepoPG) Search(ctx context.Context, f DispensedFilter, limit, offset int) ([]*DispensedDrug, int, error) {
	qb := db.NewSearchQuery(dispensedFrom, dispensedCols+", d.name, b.batch_number")
	if f.PrescriptionID != nil {
		qb.AddEq("x.prescription_id", *f.PrescriptionID)
	}
	if f.PatientID != nil {
		qb.AddEq("x.patient_id", *f.PatientID)
	}
	if f.DrugID != nil {
		qb.AddEq("x.drug_id", *f.DrugID)
	}
	if f.BatchID != nil {
		qb.AddEq("x.batch_id", *f.BatchID)
	}
	qb.AddRange("x.dispensed_at", f.From, f.To)
	qb.OrderBy(orderClause(dispensedSortColumns, f.Sort, DefaultDispensedSort, "x.id"))

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DispensedDrug
	for rows.Next() {
		x, err := scanDispensed(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, x)
	}
	return items, total, rows.Err()
}

func (r *dispensedRepoPG) CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM dispensed_drug WHERE batch_id = $1`, batchID).Scan(&n)
	return n, err
}

func (r *dispensedRepoPG) PerDrug(ctx context.Context) ([]DrugDispenseStat, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT s.cnt, s.total, `+drugCols+`
		FROM (
			SELECT drug_id, COUNT(*)::int AS cnt, SUM(quantity)::int AS total
			FROM dispensed_drug GROUP BY drug_id
		) s
		JOIN drug d ON d.id = s.drug_id
		ORDER BY s.total DESC, d.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DrugDispenseStat
	for rows.Next() {
		var st DrugDispenseStat
		var d Drug
		if err := rows.Scan(append([]any{&st.Count, &st.TotalQuantity}, drugDest(&d)...)...); err != nil {
			return nil, err
		}
		st.Drug = &d
		out = append(out, st)
	}
	return out, rows.Err()
}
