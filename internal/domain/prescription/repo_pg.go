package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/prescription-manager/internal/platform/db"
)

func noRows(err error, what string, id int) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, errNoRows)
	}
	return fmt.Errorf("get %s %d: %w", what, id, err)
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// FindOrCreate inserts p unless a patient with the same identity exists,
// without touching the existing row. When a concurrent insert of the same
// patient commits after the statement snapshot was taken, neither branch
// returns a row; a second attempt sees the committed row.
func (r *patientRepoPG) FindOrCreate(ctx context.Context, p *Patient) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var created bool
		err := r.conn(ctx).QueryRow(ctx, `
			WITH ins AS (
				INSERT INTO patient (first_name, last_name, birthdate)
				VALUES ($1, $2, $3)
				ON CONFLICT ON CONSTRAINT uq_patient_identity DO NOTHING
				RETURNING id_patient
			)
			SELECT id_patient, true FROM ins
			UNION ALL
			SELECT id_patient, false FROM patient
			WHERE first_name = $1 AND last_name = $2 AND birthdate = $3
			LIMIT 1`,
			p.FirstName, p.LastName, p.Birthdate).Scan(&p.ID, &created)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("find or create patient: %w", err)
		}
		return created, nil
	}
	return false, fmt.Errorf("find or create patient %s %s: no row after retry", p.FirstName, p.LastName)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id int) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id_patient, first_name, last_name, birthdate
		FROM patient WHERE id_patient = $1`, id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &p.Birthdate)
	if err != nil {
		return nil, noRows(err, "patient", id)
	}
	return &p, nil
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{pool: pool}
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id int) (*Doctor, error) {
	var d Doctor
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id_doctor, first_name, last_name, email
		FROM doctor WHERE id_doctor = $1`, id).
		Scan(&d.ID, &d.FirstName, &d.LastName, &d.Email)
	if err != nil {
		return nil, noRows(err, "doctor", id)
	}
	return &d, nil
}

// =========== Medicament Repository ===========

type medicamentRepoPG struct{ pool *pgxpool.Pool }

func NewMedicamentRepoPG(pool *pgxpool.Pool) MedicamentRepository {
	return &medicamentRepoPG{pool: pool}
}

func (r *medicamentRepoPG) GetByIDs(ctx context.Context, ids []int) ([]*Medicament, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id_medicament, name, description, type
		FROM medicament WHERE id_medicament = ANY($1::int[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("query medicaments: %w", err)
	}
	defer rows.Close()

	var items []*Medicament
	for rows.Next() {
		var m Medicament
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.Type); err != nil {
			return nil, fmt.Errorf("scan medicament: %w", err)
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		err := q.QueryRow(ctx, `
			INSERT INTO prescription (date, due_date, id_patient, id_doctor)
			VALUES ($1, $2, $3, $4)
			RETURNING id_prescription`,
			p.Date, p.DueDate, p.PatientID, p.DoctorID).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}

		if len(p.Lines) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i := range p.Lines {
			p.Lines[i].PrescriptionID = p.ID
			l := p.Lines[i]
			batch.Queue(`
				INSERT INTO prescription_medicament (id_medicament, id_prescription, dose, details)
				VALUES ($1, $2, $3, $4)`,
				l.MedicamentID, l.PrescriptionID, l.Dose, l.Details)
		}

		br := q.SendBatch(ctx, batch)
		for _, l := range p.Lines {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert line for medicament %d: %w", l.MedicamentID, err)
			}
		}
		return br.Close()
	})
}

func (r *prescriptionRepoPG) ListByPatient(ctx context.Context, patientID int) ([]*PrescriptionWithDoctor, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT p.id_prescription, p.date, p.due_date, p.id_patient, p.id_doctor,
			d.id_doctor, d.first_name, d.last_name, d.email
		FROM prescription p
		JOIN doctor d ON d.id_doctor = p.id_doctor
		WHERE p.id_patient = $1
		ORDER BY p.due_date, p.id_prescription`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions for patient %d: %w", patientID, err)
	}
	defer rows.Close()

	var items []*PrescriptionWithDoctor
	for rows.Next() {
		var rx PrescriptionWithDoctor
		if err := rows.Scan(&rx.ID, &rx.Date, &rx.DueDate, &rx.PatientID, &rx.DoctorID,
			&rx.Doctor.ID, &rx.Doctor.FirstName, &rx.Doctor.LastName, &rx.Doctor.Email); err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		items = append(items, &rx)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) ListLines(ctx context.Context, prescriptionIDs []int) ([]*LineWithMedicament, error) {
	if len(prescriptionIDs) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT pm.id_medicament, pm.id_prescription, pm.dose, pm.details,
			m.id_medicament, m.name, m.description, m.type
		FROM prescription_medicament pm
		JOIN medicament m ON m.id_medicament = pm.id_medicament
		WHERE pm.id_prescription = ANY($1::int[])
		ORDER BY pm.id_prescription, pm.id_medicament`, prescriptionIDs)
	if err != nil {
		return nil, fmt.Errorf("query prescription lines: %w", err)
	}
	defer rows.Close()

	var items []*LineWithMedicament
	for rows.Next() {
		var l LineWithMedicament
		if err := rows.Scan(&l.MedicamentID, &l.PrescriptionID, &l.Dose, &l.Details,
			&l.Medicament.ID, &l.Medicament.Name, &l.Medicament.Description, &l.Medicament.Type); err != nil {
			return nil, fmt.Errorf("scan prescription line: %w", err)
		}
		items = append(items, &l)
	}
	return items, rows.Err()
}
