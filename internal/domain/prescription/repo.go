package prescription

import (
	"context"
)

// Single-row lookups return an error wrapping errNoRows when nothing matches.

type PatientRepository interface {
	// FindOrCreate resolves p by (first name, last name, birthdate), inserting
	// it when absent. p.ID is set either way; created reports an insert.
	FindOrCreate(ctx context.Context, p *Patient) (created bool, err error)
	GetByID(ctx context.Context, id int) (*Patient, error)
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id int) (*Doctor, error)
}

type MedicamentRepository interface {
	// GetByIDs returns the medicaments that exist among ids, in no particular order.
	GetByIDs(ctx context.Context, ids []int) ([]*Medicament, error)
}

type PrescriptionRepository interface {
	// Create inserts the prescription and its lines as a single unit.
	Create(ctx context.Context, p *Prescription) error
	// ListByPatient returns prescriptions joined to doctors, ordered by due date.
	ListByPatient(ctx context.Context, patientID int) ([]*PrescriptionWithDoctor, error)
	// ListLines returns line items joined to medicaments for the given prescriptions.
	ListLines(ctx context.Context, prescriptionIDs []int) ([]*LineWithMedicament, error)
}
