package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"medisys.org/internal/audit"
)

type Doctor struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id" validate:"required,gt=0"`
	DepartmentID   *int64    `db:"department_id" json:"department_id,omitempty" validate:"omitempty,gt=0"`
	FirstName      string    `db:"first_name" json:"first_name" validate:"required,max=50,personname"`
	LastName       string    `db:"last_name" json:"last_name" validate:"required,max=50,personname"`
	Specialization string    `db:"specialization" json:"specialization" validate:"max=100"`
	LicenseNumber  *string   `db:"license_number" json:"license_number,omitempty" validate:"omitempty,max=50,license"`
	Mobile         string    `db:"mobile" json:"mobile" validate:"omitempty,max=15,mobile"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

const (
	doctorColumns   = `id, user_id, department_id, first_name, last_name, specialization, license_number, mobile, created_at`
	insertDoctorSQL = `insert into doctors (user_id, department_id, first_name, last_name, specialization, license_number, mobile)
values ($1, $2, $3, $4, $5, $6, $7)
returning id, created_at`
	getDoctorSQL         = `select ` + doctorColumns + ` from doctors where id = $1`
	listDoctorsSQL       = `select ` + doctorColumns + ` from doctors order by last_name, first_name, id limit $1 offset $2`
	listDoctorsByDeptSQL = `select ` + doctorColumns + ` from doctors where department_id = $1 order by last_name, first_name, id limit $2 offset $3`
)

func (s *Service) CreateDoctor(ctx context.Context, ac audit.Context, d Doctor) (Doctor, error) {
	d.FirstName = strings.TrimSpace(d.FirstName)
	d.LastName = strings.TrimSpace(d.LastName)
	d.Specialization = strings.TrimSpace(d.Specialization)
	if err := s.check(d); err != nil {
		return Doctor{}, err
	}
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, insertDoctorSQL,
			d.UserID, d.DepartmentID, d.FirstName, d.LastName, d.Specialization, d.LicenseNumber, d.Mobile)
		return storeErr("create doctor", row.Scan(&d.ID, &d.CreatedAt))
	})
	if err != nil {
		return Doctor{}, err
	}
	return d, nil
}

func (s *Service) GetDoctor(ctx context.Context, ac audit.Context, id int64) (Doctor, error) {
	if id <= 0 {
		return Doctor{}, fmt.Errorf("%w: doctor id", ErrInvalidInput)
	}
	var d Doctor
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		return storeErr("get doctor", tx.GetContext(ctx, &d, getDoctorSQL, id))
	})
	return d, err
}

// ListDoctors pages through all doctors, or those of departmentID when it is non-zero.
func (s *Service) ListDoctors(ctx context.Context, ac audit.Context, departmentID int64, limit, offset int) ([]Doctor, error) {
	if departmentID < 0 {
		return nil, fmt.Errorf("%w: department id", ErrInvalidInput)
	}
	limit, offset, err := page(limit, offset)
	if err != nil {
		return nil, err
	}
	var out []Doctor
	err = s.run(ctx, ac, func(tx *sqlx.Tx) error {
		if departmentID == 0 {
			return storeErr("list doctors", tx.SelectContext(ctx, &out, listDoctorsSQL, limit, offset))
		}
		return storeErr("list doctors", tx.SelectContext(ctx, &out, listDoctorsByDeptSQL, departmentID, limit, offset))
	})
	return out, err
}
