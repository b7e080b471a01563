package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"medisys.org/internal/audit"
)

type Department struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name" validate:"required,max=100"`
	HeadID      *int64    `db:"head_id" json:"head_id,omitempty" validate:"omitempty,gt=0"`
	Description string    `db:"description" json:"description" validate:"max=1000"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

const (
	departmentColumns   = `id, name, head_id, description, created_at`
	insertDepartmentSQL = `insert into departments (name, head_id, description) values ($1, $2, $3) returning id, created_at`
	getDepartmentSQL    = `select ` + departmentColumns + ` from departments where id = $1`
	listDepartmentsSQL  = `select ` + departmentColumns + ` from departments order by name, id limit $1 offset $2`
)

func (s *Service) CreateDepartment(ctx context.Context, ac audit.Context, d Department) (Department, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	if err := s.check(d); err != nil {
		return Department{}, err
	}
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		return storeErr("create department",
			tx.QueryRowxContext(ctx, insertDepartmentSQL, d.Name, d.HeadID, d.Description).Scan(&d.ID, &d.CreatedAt))
	})
	if err != nil {
		return Department{}, err
	}
	return d, nil
}

func (s *Service) GetDepartment(ctx context.Context, ac audit.Context, id int64) (Department, error) {
	if id <= 0 {
		return Department{}, fmt.Errorf("%w: department id", ErrInvalidInput)
	}
	var d Department
	err := s.run(ctx, ac, func(tx *sqlx.Tx) error {
		return storeErr("get department", tx.GetContext(ctx, &d, getDepartmentSQL, id))
	})
	return d, err
}

func (s *Service) ListDepartments(ctx context.Context, ac audit.Context, limit, offset int) ([]Department, error) {
	limit, offset, err := page(limit, offset)
	if err != nil {
		return nil, err
	}
	var out []Department
	err = s.run(ctx, ac, func(tx *sqlx.Tx) error {
		return storeErr("list departments", tx.SelectContext(ctx, &out, listDepartmentsSQL, limit, offset))
	})
	return out, err
}
