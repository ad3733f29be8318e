package prescription

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const prescriptionCols = `p.id, p.patient_id, p.prescriber_id, p.status,
	p.dosage, p.frequency, p.duration, p.instructions, p.notes,
	p.prescription_date, p.created_at, p.updated_at,
	COALESCE((SELECT array_agg(i.drug_id ORDER BY i.drug_id) FROM prescription_item i
		WHERE i.prescription_id = p.id), '{}')`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.PrescriberID, &p.Status,
		&p.Dosage, &p.Frequency, &p.Duration, &p.Instructions, &p.Notes,
		&p.PrescriptionDate, &p.CreatedAt, &p.UpdatedAt, &p.DrugIDs)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts the prescription and its items. Callers run it inside a
// transaction so a failing item insert leaves nothing behind.
func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	conn := db.Conn(ctx, r.pool)
	var date any
	if !p.PrescriptionDate.IsZero() {
		date = p.PrescriptionDate
	}
	err := conn.QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, prescriber_id, status,
			dosage, frequency, duration, instructions, notes, prescription_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,COALESCE($10, NOW()))
		RETURNING prescription_date, created_at, updated_at`,
		p.ID, p.PatientID, p.PrescriberID, p.Status,
		p.Dosage, p.Frequency, p.Duration, p.Instructions, p.Notes, date,
	).Scan(&p.PrescriptionDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return apperr.FromPG(err, "prescription")
	}
	return r.insertItems(ctx, conn, p.ID, p.DrugIDs)
}

func (r *repoPG) insertItems(ctx context.Context, conn db.Querier, id uuid.UUID, drugIDs []uuid.UUID) error {
	if len(drugIDs) == 0 {
		return nil
	}
	_, err := conn.Exec(ctx, `
		INSERT INTO prescription_item (prescription_id, drug_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING`, id, drugIDs)
	return apperr.FromPG(err, "prescription item")
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescription p WHERE p.id = $1`, id))
	if err != nil {
		return nil, apperr.FromPG(err, "prescription")
	}
	return p, nil
}

// Update writes the mutable columns and replaces the item list.
func (r *repoPG) Update(ctx context.Context, p *Prescription) error {
	conn := db.Conn(ctx, r.pool)
	err := conn.QueryRow(ctx, `
		UPDATE prescription SET status=$2, dosage=$3, frequency=$4, duration=$5,
			instructions=$6, notes=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Status, p.Dosage, p.Frequency, p.Duration, p.Instructions, p.Notes,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return apperr.FromPG(err, "prescription")
	}
	if _, err := conn.Exec(ctx, `DELETE FROM prescription_item WHERE prescription_id = $1`, p.ID); err != nil {
		return err
	}
	return r.insertItems(ctx, conn, p.ID, p.DrugIDs)
}

var prescriptionSortColumns = map[string]string{
	SortPrescriptionDate: "p.prescription_date",
	SortCreatedAt:        "p.created_at",
}

func (r *repoPG) Search(ctx context.Context, f SearchFilter, limit, offset int) ([]*Prescription, int, error) {
	qb := db.NewSearchQuery("prescription p", prescriptionCols)
	if f.PatientID != nil {
		qb.AddEq("p.patient_id", *f.PatientID)
	}
	if f.PrescriberID != nil {
		qb.AddEq("p.prescriber_id", *f.PrescriberID)
	}
	if f.Status != "" {
		qb.AddEq("p.status", f.Status)
	}
	qb.AddRange("p.prescription_date", f.From, f.To)

	col, ok := prescriptionSortColumns[f.Sort.Field]
	if !ok {
		col = prescriptionSortColumns[DefaultSort.Field]
	}
	qb.OrderBy(col + " " + f.Sort.Direction() + ", p.id")

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
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
