package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"

	"github.com/jmoiron/sqlx"

	"medisys.org/internal/store/pg"
)

// SystemUsername is the distinguished account that acts for anonymous callers
// in the audit trail. It is created by the schema bootstrap and cannot log in.
const SystemUsername = "system"

// MaxUsernameLen matches users.username.
const MaxUsernameLen = 50

// Roles accepted by users.role.
const (
	RoleAdmin          = "admin"
	RoleFinance        = "finance"
	RoleDoctor         = "doctor"
	RoleDepartmentHead = "department_head"
	RoleAdministration = "administration"
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidUsername reports whether s is a well-formed username.
func ValidUsername(s string) bool {
	return len(s) <= MaxUsernameLen && usernameRE.MatchString(s)
}

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	switch r {
	case RoleAdmin, RoleFinance, RoleDoctor, RoleDepartmentHead, RoleAdministration:
		return true
	}
	return false
}

// Credential is the stored login material for one user.
type Credential struct {
	UserID       int64  `db:"id"`
	PasswordHash string `db:"password_hash"`
}

const (
	lookupCredentialSQL = `select id, password_hash from users where username = $1`
	lookupUserIDSQL     = `select id from users where username = $1`
)

// LookupCredential fetches the credential for username inside the caller's
// transaction. Usernames are unique, so at most one row matches.
func LookupCredential(ctx context.Context, q sqlx.QueryerContext, username string) (Credential, error) {
	var c Credential
	err := sqlx.GetContext(ctx, q, &c, lookupCredentialSQL, username)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, pg.Wrap("lookup credential", err)
	}
	return c, nil
}

// ResolveSystemActor returns the id of the system account. A missing account
// means the schema was never bootstrapped and is reported as a store failure.
func ResolveSystemActor(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, lookupUserIDSQL, SystemUsername)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pg.Wrap("resolve system actor", ErrSystemActorMissing)
	}
	if err != nil {
		return 0, pg.Wrap("resolve system actor", err)
	}
	return id, nil
}
