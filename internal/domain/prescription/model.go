package prescription

import (
	"time"

	"github.com/google/uuid"

	"github.com/hospital/hms/pkg/pagination"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFilled, StatusCancelled:
		return true
	}
	return false
}

// Prescription maps to the prescription table. DrugIDs come from
// prescription_item.
type Prescription struct {
	ID               uuid.UUID   `json:"id"`
	PatientID        uuid.UUID   `json:"patientId"`
	PrescriberID     uuid.UUID   `json:"prescriberId"`
	Status           Status      `json:"status"`
	Dosage           *string     `json:"dosage,omitempty"`
	Frequency        *string     `json:"frequency,omitempty"`
	Duration         *string     `json:"duration,omitempty"`
	Instructions     *string     `json:"instructions,omitempty"`
	Notes            *string     `json:"notes,omitempty"`
	PrescriptionDate time.Time   `json:"prescriptionDate"`
	DrugIDs          []uuid.UUID `json:"drugIds"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Prescribes reports whether drugID may be dispensed against p. A
// prescription without items accepts any drug.
func (p *Prescription) Prescribes(drugID uuid.UUID) bool {
	if len(p.DrugIDs) == 0 {
		return true
	}
	for _, id := range p.DrugIDs {
		if id == drugID {
			return true
		}
	}
	return false
}

// Update carries the mutable fields of a prescription. Nil fields are left
// unchanged; a non-nil DrugIDs replaces the item list.
type Update struct {
	Status       *Status      `json:"status,omitempty"`
	Dosage       *string      `json:"dosage,omitempty"`
	Frequency    *string      `json:"frequency,omitempty"`
	Duration     *string      `json:"duration,omitempty"`
	Instructions *string      `json:"instructions,omitempty"`
	Notes        *string      `json:"notes,omitempty"`
	DrugIDs      *[]uuid.UUID `json:"drugIds,omitempty"`
}

// Sort fields accepted by SearchFilter.
const (
	SortPrescriptionDate = "prescriptionDate"
	SortCreatedAt        = "createdAt"
)

var SortFields = []string{SortPrescriptionDate, SortCreatedAt}

var DefaultSort = pagination.Sort{Field: SortPrescriptionDate, Desc: true}

type SearchFilter struct {
	PatientID    *uuid.UUID
	PrescriberID *uuid.UUID
	Status       Status
	From         *time.Time
	To           *time.Time
	Sort         pagination.Sort
}
