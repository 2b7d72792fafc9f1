package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxMedicamentsPerPrescription caps the number of line items on one prescription.
const MaxMedicamentsPerPrescription = 10

// Doctor maps to the doctor table. Read-only reference data.
type Doctor struct {
	ID        int    `db:"id_doctor" json:"idDoctor"`
	FirstName string `db:"first_name" json:"firstName"`
	LastName  string `db:"last_name" json:"lastName"`
	Email     string `db:"email" json:"email"`
}

// Patient maps to the patient table. (FirstName, LastName, Birthdate) is unique.
type Patient struct {
	ID        int       `db:"id_patient" json:"idPatient"`
	FirstName string    `db:"first_name" json:"firstName"`
	LastName  string    `db:"last_name" json:"lastName"`
	Birthdate time.Time `db:"birthdate" json:"birthdate"`
}

// Medicament maps to the medicament table. Read-only reference data.
type Medicament struct {
	ID          int    `db:"id_medicament" json:"idMedicament"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	Type        string `db:"type" json:"type"`
}

// Prescription maps to the prescription table together with its line items.
type Prescription struct {
	ID        int       `db:"id_prescription" json:"idPrescription"`
	Date      time.Time `db:"date" json:"date"`
	DueDate   time.Time `db:"due_date" json:"dueDate"`
	PatientID int       `db:"id_patient" json:"idPatient"`
	DoctorID  int       `db:"id_doctor" json:"idDoctor"`
	Lines     []Line    `db:"-" json:"medicaments"`
}

// Line maps to the prescription_medicament join table.
type Line struct {
	MedicamentID   int    `db:"id_medicament" json:"idMedicament"`
	PrescriptionID int    `db:"id_prescription" json:"idPrescription"`
	Dose           string `db:"dose" json:"dose"`
	Details        string `db:"details" json:"details"`
}

// PrescriptionWithDoctor is a prescription row joined to its prescribing doctor.
type PrescriptionWithDoctor struct {
	Prescription
	Doctor Doctor
}

// LineWithMedicament is a line item joined to its medicament reference data.
type LineWithMedicament struct {
	Line
	Medicament Medicament
}

// -- Request --

// CreateRequest is the body of POST /api/prescriptions.
type CreateRequest struct {
	Patient     PatientInput `json:"patient"`
	Medicaments []LineInput  `json:"medicaments"`
	Date        Date         `json:"date"`
	DueDate     Date         `json:"dueDate"`
	DoctorID    int          `json:"idDoctor"`
}

type PatientInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Birthdate Date   `json:"birthdate"`
}

type LineInput struct {
	MedicamentID int    `json:"idMedicament"`
	Dose         string `json:"dose"`
	Details      string `json:"details"`
}

// MedicamentIDs returns the requested medicament ids in request order.
func (r *CreateRequest) MedicamentIDs() []int {
	ids := make([]int, 0, len(r.Medicaments))
	for _, m := range r.Medicaments {
		ids = append(ids, m.MedicamentID)
	}
	return ids
}

// -- Response --

// PatientDetails is the body of GET /api/prescriptions/:id.
type PatientDetails struct {
	ID            int                   `json:"idPatient"`
	FirstName     string                `json:"firstName"`
	LastName      string                `json:"lastName"`
	Birthdate     time.Time             `json:"birthdate"`
	Prescriptions []PrescriptionDetails `json:"prescriptions"`
}

type PrescriptionDetails struct {
	ID          int              `json:"idPrescription"`
	Date        time.Time        `json:"date"`
	DueDate     time.Time        `json:"dueDate"`
	Medicaments []MedicamentLine `json:"medicaments"`
	Doctor      DoctorSummary    `json:"doctor"`
}

type DoctorSummary struct {
	ID        int    `json:"idDoctor"`
	FirstName string `json:"firstName"`
}

type MedicamentLine struct {
	ID          int    `json:"idMedicament"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Dose        string `json:"dose"`
}

// NewPatientDetails assembles the response from separately fetched rows.
// prescriptions must already be ordered; lines are grouped by prescription id.
func NewPatientDetails(p *Patient, prescriptions []*PrescriptionWithDoctor, lines []*LineWithMedicament) *PatientDetails {
	byPrescription := make(map[int][]MedicamentLine, len(prescriptions))
	for _, l := range lines {
		byPrescription[l.PrescriptionID] = append(byPrescription[l.PrescriptionID], MedicamentLine{
			ID:          l.MedicamentID,
			Name:        l.Medicament.Name,
			Description: l.Medicament.Description,
			Dose:        l.Dose,
		})
	}

	out := &PatientDetails{
		ID:            p.ID,
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		Birthdate:     p.Birthdate,
		Prescriptions: make([]PrescriptionDetails, 0, len(prescriptions)),
	}
	for _, rx := range prescriptions {
		meds := byPrescription[rx.ID]
		if meds == nil {
			meds = []MedicamentLine{}
		}
		out.Prescriptions = append(out.Prescriptions, PrescriptionDetails{
			ID:          rx.ID,
			Date:        rx.Date,
			DueDate:     rx.DueDate,
			Medicaments: meds,
			Doctor: DoctorSummary{
				ID:        rx.Doctor.ID,
				FirstName: rx.Doctor.FirstName,
			},
		})
	}
	return out
}

// -- Events --

const EventPrescriptionCreated = "prescription.created"

// CreatedEvent is published after a prescription has been committed.
type CreatedEvent struct {
	EventID        uuid.UUID `json:"eventId"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurredAt"`
	PrescriptionID int       `json:"idPrescription"`
	PatientID      int       `json:"idPatient"`
	PatientCreated bool      `json:"patientCreated"`
	DoctorID       int       `json:"idDoctor"`
	Date           time.Time `json:"date"`
	DueDate        time.Time `json:"dueDate"`
	MedicamentIDs  []int     `json:"medicamentIds"`
}

func newCreatedEvent(rx *Prescription, patientCreated bool, now time.Time) CreatedEvent {
	ids := make([]int, 0, len(rx.Lines))
	for _, l := range rx.Lines {
		ids = append(ids, l.MedicamentID)
	}
	return CreatedEvent{
		EventID:        uuid.New(),
		Type:           EventPrescriptionCreated,
		OccurredAt:     now.UTC(),
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		PatientCreated: patientCreated,
		DoctorID:       rx.DoctorID,
		Date:           rx.Date,
		DueDate:        rx.DueDate,
		MedicamentIDs:  ids,
	}
}

// -- Date --

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Date accepts a calendar date or a timestamp. Values without a zone are UTC.
type Date struct {
	time.Time
}

// ParseDate parses s using the layouts accepted on the wire.
func ParseDate(s string) (Date, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{Time: t}, nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// IsCalendarDay reports whether d carries no time of day in its own zone.
func (d Date) IsCalendarDay() bool {
	h, m, sec := d.Clock()
	return h == 0 && m == 0 && sec == 0 && d.Nanosecond() == 0
}

// Day truncates to midnight UTC of the same calendar day.
func (d Date) Day() time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}
