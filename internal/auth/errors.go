package auth

import (
	"errors"

	"medisys.org/internal/store/pg"
)

var (
	// ErrInvalidInput: a required field is empty. Reported before any store access.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrInvalidCredentials is the only failure a caller sees for unknown users,
	// wrong passwords and malformed usernames.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("auth: not found")
	ErrSystemActorMissing = errors.New("auth: system account missing")
	ErrPasswordTooLong    = errors.New("auth: password exceeds 72 bytes")
	ErrNotImplemented     = errors.New("auth: not implemented")

	// ErrStore is matched by every database failure surfaced from this package.
	ErrStore = pg.ErrStore
)
