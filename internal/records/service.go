// Package records performs validated CRUD on departments, doctors and patients.
// Every call runs in one transaction with the caller's audit context bound, so
// the database attributes each row change to that caller and writes its audit
// entry in the same transaction.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"medisys.org/internal/audit"
	"medisys.org/internal/store/pg"
)

var (
	ErrInvalidInput = errors.New("records: invalid input")
	ErrNotFound     = errors.New("records: not found")
	ErrConflict     = errors.New("records: already exists")
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service is safe for concurrent use.
type Service struct {
	store    *pg.Store
	validate *validator.Validate
}

func NewService(store *pg.Store) *Service {
	return &Service{store: store, validate: newValidator()}
}

// run validates ac and executes fn under it.
func (s *Service) run(ctx context.Context, ac audit.Context, fn func(tx *sqlx.Tx) error) error {
	if ac.UserID <= 0 {
		return fmt.Errorf("%w: audit context requires a user", ErrInvalidInput)
	}
	return audit.Scoped(ctx, s.store, ac, fn)
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	return nil
}

// storeErr maps driver errors onto the package sentinels.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case pg.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrConflict, op)
	case pg.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s: referenced record does not exist", ErrInvalidInput, op)
	default:
		return pg.Wrap(op, err)
	}
}

func page(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, fmt.Errorf("%w: negative paging", ErrInvalidInput)
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, offset, nil
}
