package prescription

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/db"
)

type Service struct {
	repo   Repository
	drugs  DrugChecker
	tx     db.Transactor
	logger zerolog.Logger
}

func NewService(repo Repository, drugs DrugChecker, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{repo: repo, drugs: drugs, tx: tx, logger: logger}
}

func (s *Service) checkDrugs(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		ok, err := s.drugs.DrugExists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("drug %s not found", id)
		}
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) Create(ctx context.Context, p *Prescription) error {
	if p.PatientID == uuid.Nil {
		return apperr.InvalidArgument("patientId is required")
	}
	if p.PrescriberID == uuid.Nil {
		return apperr.InvalidArgument("prescriberId is required")
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if !p.Status.Valid() {
		return apperr.InvalidArgument("invalid status: %s", p.Status)
	}
	p.DrugIDs = dedupe(p.DrugIDs)

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.checkDrugs(ctx, p.DrugIDs); err != nil {
			return err
		}
		return s.repo.Create(ctx, p)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("prescription_id", p.ID.String()).Int("items", len(p.DrugIDs)).Msg("prescription created")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, f SearchFilter, limit, offset int) ([]*Prescription, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.InvalidArgument("invalid status: %s", f.Status)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, apperr.InvalidArgument("endDate is before startDate")
	}
	if f.Sort.Field == "" {
		f.Sort = DefaultSort
	}
	return s.repo.Search(ctx, f, limit, offset)
}

// ActiveForPatient lists the patient's ACTIVE prescriptions, newest first.
func (s *Service) ActiveForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.Search(ctx, SearchFilter{PatientID: &patientID, Status: StatusActive, Sort: DefaultSort}, limit, offset)
}

// ActiveForPrescriber lists the prescriber's ACTIVE prescriptions, newest first.
func (s *Service) ActiveForPrescriber(ctx context.Context, prescriberID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.Search(ctx, SearchFilter{PrescriberID: &prescriberID, Status: StatusActive, Sort: DefaultSort}, limit, offset)
}

// Update applies u. A cancelled prescription cannot be changed.
func (s *Service) Update(ctx context.Context, id uuid.UUID, u Update) (*Prescription, error) {
	if u.Status != nil && !u.Status.Valid() {
		return nil, apperr.InvalidArgument("invalid status: %s", *u.Status)
	}

	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusCancelled {
			return apperr.InvalidArgument("prescription %s is cancelled", id)
		}
		if u.Status != nil {
			p.Status = *u.Status
		}
		if u.Dosage != nil {
			p.Dosage = u.Dosage
		}
		if u.Frequency != nil {
			p.Frequency = u.Frequency
		}
		if u.Duration != nil {
			p.Duration = u.Duration
		}
		if u.Instructions != nil {
			p.Instructions = u.Instructions
		}
		if u.Notes != nil {
			p.Notes = u.Notes
		}
		if u.DrugIDs != nil {
			ids := dedupe(*u.DrugIDs)
			if err := s.checkDrugs(ctx, ids); err != nil {
				return err
			}
			p.DrugIDs = ids
		}
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Delete cancels the prescription. Dispensing history keeps referencing it,
// so the row is never removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusCancelled {
			return nil
		}
		p.Status = StatusCancelled
		return s.repo.Update(ctx, p)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("prescription_id", id.String()).Msg("prescription cancelled")
	return nil
}

// PrescribesDrug reports whether drugID may be dispensed against the prescription.
func (s *Service) PrescribesDrug(ctx context.Context, prescriptionID, drugID uuid.UUID) (bool, error) {
	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return false, err
	}
	return p.Status != StatusCancelled && p.Prescribes(drugID), nil
}
