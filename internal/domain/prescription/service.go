package prescription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/prescription-manager/internal/platform/metrics"
)

// Publisher delivers domain events keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, key string, event interface{}) error
}

type Service struct {
	patients      PatientRepository
	doctors       DoctorRepository
	medicaments   MedicamentRepository
	prescriptions PrescriptionRepository
	publisher     Publisher
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(
	patients PatientRepository,
	doctors DoctorRepository,
	medicaments MedicamentRepository,
	prescriptions PrescriptionRepository,
	logger zerolog.Logger,
) *Service {
	return &Service{
		patients:      patients,
		doctors:       doctors,
		medicaments:   medicaments,
		prescriptions: prescriptions,
		logger:        logger.With().Str("component", "prescription").Logger(),
		now:           time.Now,
	}
}

// SetPublisher attaches an optional event publisher.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// CreatePrescription validates req, resolves the patient, doctor and
// medicaments, and stores the prescription with its lines.
//
// The patient is created and committed before the doctor and medicaments are
// checked, so a failed request may leave a patient without prescriptions.
func (s *Service) CreatePrescription(ctx context.Context, req *CreateRequest) (*Prescription, error) {
	if err := validateRequest(req); err != nil {
		return nil, s.countErr(err)
	}

	patient := &Patient{
		FirstName: req.Patient.FirstName,
		LastName:  req.Patient.LastName,
		Birthdate: req.Patient.Birthdate.Day(),
	}
	created, err := s.patients.FindOrCreate(ctx, patient)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.PatientsCreated.Inc()
		s.logger.Info().Int("patient_id", patient.ID).Msg("patient created")
	}

	if _, err := s.getDoctor(ctx, req.DoctorID); err != nil {
		return nil, s.countErr(err)
	}
	if err := s.checkMedicaments(ctx, req.MedicamentIDs()); err != nil {
		return nil, s.countErr(err)
	}

	rx := &Prescription{
		Date:      req.Date.Time,
		DueDate:   req.DueDate.Time,
		PatientID: patient.ID,
		DoctorID:  req.DoctorID,
		Lines:     make([]Line, 0, len(req.Medicaments)),
	}
	for _, m := range req.Medicaments {
		rx.Lines = append(rx.Lines, Line{
			MedicamentID: m.MedicamentID,
			Dose:         m.Dose,
			Details:      m.Details,
		})
	}

	if err := s.prescriptions.Create(ctx, rx); err != nil {
		return nil, err
	}
	metrics.PrescriptionsCreated.Inc()
	s.logger.Info().
		Int("prescription_id", rx.ID).
		Int("patient_id", rx.PatientID).
		Int("doctor_id", rx.DoctorID).
		Int("lines", len(rx.Lines)).
		Msg("prescription created")

	s.publishCreated(ctx, rx, created)
	return rx, nil
}

func validateRequest(req *CreateRequest) error {
	if !req.Patient.Birthdate.IsCalendarDay() {
		return invalidf("Birthdate must be a calendar date without a time of day")
	}
	if req.DueDate.Before(req.Date.Time) {
		return conflictf("Due date cannot be earlier than prescription date")
	}
	if len(req.Medicaments) > MaxMedicamentsPerPrescription {
		return conflictf("Maximum %d medicaments allowed per prescription", MaxMedicamentsPerPrescription)
	}
	seen := make(map[int]bool, len(req.Medicaments))
	for _, m := range req.Medicaments {
		if seen[m.MedicamentID] {
			return conflictf("Medicament with ID %d is listed more than once", m.MedicamentID)
		}
		seen[m.MedicamentID] = true
	}
	return nil
}

func (s *Service) getDoctor(ctx context.Context, id int) (*Doctor, error) {
	d, err := s.doctors.GetByID(ctx, id)
	if errors.Is(err, errNoRows) {
		return nil, notFoundf("Doctor with ID %d not found", id)
	}
	return d, err
}

// checkMedicaments fetches ids in one query and reports every missing id in
// request order.
func (s *Service) checkMedicaments(ctx context.Context, ids []int) error {
	found, err := s.medicaments.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) == len(ids) {
		return nil
	}

	existing := make(map[int]bool, len(found))
	for _, m := range found {
		existing[m.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !existing[id] {
			missing = append(missing, strconv.Itoa(id))
		}
	}
	return notFoundf("Medicaments not found: %s", strings.Join(missing, ", "))
}

func (s *Service) publishCreated(ctx context.Context, rx *Prescription, patientCreated bool) {
	if s.publisher == nil {
		return
	}
	evt := newCreatedEvent(rx, patientCreated, s.now())
	if err := s.publisher.Publish(ctx, strconv.Itoa(rx.PatientID), evt); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Error().Err(err).
			Int("prescription_id", rx.ID).
			Str("event_id", evt.EventID.String()).
			Msg("publish prescription event failed")
	}
}

// GetPatient returns the patient with every prescription ordered by due date,
// each with its doctor and medicament lines.
func (s *Service) GetPatient(ctx context.Context, id int) (*PatientDetails, error) {
	p, err := s.patients.GetByID(ctx, id)
	if errors.Is(err, errNoRows) {
		return nil, s.countErr(notFoundf("Patient with ID %d not found", id))
	}
	if err != nil {
		return nil, err
	}

	prescriptions, err := s.prescriptions.ListByPatient(ctx, id)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(prescriptions))
	for _, rx := range prescriptions {
		ids = append(ids, rx.ID)
	}
	lines, err := s.prescriptions.ListLines(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load lines for patient %d: %w", id, err)
	}

	return NewPatientDetails(p, prescriptions, lines), nil
}

func (s *Service) countErr(err error) error {
	if kind := errorKind(err); kind != "" {
		metrics.DomainErrors.WithLabelValues(kind).Inc()
	}
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	}
	return ""
}
