package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"medisys.org/internal/audit"
	"medisys.org/internal/store/pg"
)

type Patient struct {
	ID                     int64     `db:"id" json:"id"`
	FirstName              string    `db:"first_name" json:"first_name" validate:"required,max=50,personname"`
	LastName               string    `db:"last_name" json:"last_name" validate:"required,max=50,personname"`
	DOB                    time.Time `db:"dob" json:"dob" validate:"required"`
	Gender                 string    `db:"gender" json:"gender" validate:"required,oneof=male female other"`
	Address                string    `db:"address" json:"address" validate:"max=500"`
	Mobile                 string    `db:"mobile" json:"mobile" validate:"omitempty,max=15,mobile"`
	Email                  string    `db:"email" json:"email" validate:"omitempty,max=100,emailaddr"`
	EmergencyContactName   string    `db:"emergency_contact_name" json:"emergency_contact_name" validate:"omitempty,max=100,personname"`
	EmergencyContactMobile string    `db:"emergency_contact_mobile" json:"emergency_contact_mobile" validate:"omitempty,max=15,mobile"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Patient) normalize() {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	p.Address = strings.TrimSpace(p.Address)
	p.Email = strings.TrimSpace(p.Email)
	p.EmergencyContactName = strings.TrimSpace(p.EmergencyContactName)
	if !p.DOB.IsZero() {
		y, m, d := p.DOB.Date()
		p.DOB = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

const (
	patientColumns = `id, first_name, last_name, dob, gender, address, mobile, email,
	emergency_contact_name, emergency_contact_mobile, created_at, updated_at`
	insertPatientSQL = `insert into patients (first_name, last_name, dob, gender, address, mobile, email,
	emergency_contact_name, emergency_contact_mobile)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
returning id, created_at, updated_at`
	updatePatientSQL = `update patients set first_name = $2, last_name = $3, dob = $4, gender = $5, address = $6,
	mobile = $7, email = $8, emergency_contact_name = $9, emergency_contact_mobile = $10, updated_at = now()
where id = $1
returning created_at, updated_at`
	getPatientSQL    = `select ` + patientColumns + ` from patients where id = $1`
	listPatientsSQL  = `select ` + patientColumns + ` from patients order by last_name, first_name, id limit $1 offset $2`
	deletePatientSQL = `delete from patients where id = $1`
)

func (s *Service) checkPatient(p Patient) error {
	if err := s.check(p); err != nil {
		return err
	}
	if p.DOB.After(time.Now()) {
		return fmt.Errorf("%w: dob: in the future", ErrInvalidInput)
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, ac audit.Context, p Patient) (Patient, error) {
	p.normalize()
	if err := s.checkPatient(p); err != nil {
		return Patient{}, err
	}
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, insertPatientSQL,
			p.FirstName, p.LastName, p.DOB, p.Gender, p.Address, p.Mobile, p.Email,
			p.EmergencyContactName, p.EmergencyContactMobile)
		return storeErr("create patient", row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt))
	})
	if err != nil {
		return Patient{}, err
	}
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, ac audit.Context, id int64) (Patient, error) {
	if id <= 0 {
		return Patient{}, fmt.Errorf("%w: patient id", ErrInvalidInput)
	}
	var p Patient
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		return storeErr("get patient", tx.GetContext(ctx, &p, getPatientSQL, id))
	})
	return p, err
}

// UpdatePatient replaces every editable field of patient p.ID.
func (s *Service) UpdatePatient(ctx context.Context, ac audit.Context, p Patient) (Patient, error) {
	if p.ID <= 0 {
		return Patient{}, fmt.Errorf("%w: patient id", ErrInvalidInput)
	}
	p.normalize()
	if err := s.checkPatient(p); err != nil {
		return Patient{}, err
	}
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, updatePatientSQL,
			p.ID, p.FirstName, p.LastName, p.DOB, p.Gender, p.Address, p.Mobile, p.Email,
			p.EmergencyContactName, p.EmergencyContactMobile)
		return storeErr("update patient", row.Scan(&p.CreatedAt, &p.UpdatedAt))
	})
	if err != nil {
		return Patient{}, err
	}
	return p, nil
}

func (s *Service) DeletePatient(ctx context.Context, ac audit.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: patient id", ErrInvalidInput)
	}
	return s.run(ctx, ac, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, deletePatientSQL, id)
		if err != nil {
			return storeErr("delete patient", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return pg.Wrap("delete patient", err)
		}
		if n == 0 {
			return storeErr("delete patient", sql.ErrNoRows)
		}
		return nil
	})
}

func (s *Service) ListPatients(ctx context.Context, ac audit.Context, limit, offset int) ([]Patient, error) {
	limit, offset, err := page(limit, offset)
	if err != nil {
		return nil, err
	}
	var out []Patient
	err = s.run(ctx, ac, func(tx *sqlx.Tx) error {
		return storeErr("list patients", tx.SelectContext(ctx, &out, listPatientsSQL, limit, offset))
	})
	return out, err
}
