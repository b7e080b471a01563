// Package bootstrap brings a database to the state the service needs: current
// schema, the system actor, and the default accounts. It runs on every start.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"medisys.org/internal/audit"
	"medisys.org/internal/auth"
	"medisys.org/internal/config"
	"medisys.org/internal/migrate"
	"medisys.org/internal/obs"
	"medisys.org/internal/store/pg"
)

// ErrInvalidAccount is returned when a configured seed account is malformed.
var ErrInvalidAccount = errors.New("bootstrap: invalid account")

// Audit origin recorded for rows written by the bootstrap.
const (
	originIP      = "localhost"
	originSession = "bootstrap"
)

// Account is a user seeded when missing. An empty Password with Locked set
// produces an account that can never log in.
type Account struct {
	Username  string
	Password  string
	Locked    bool
	Role      string
	FirstName string
	LastName  string
	Email     string
}

// DoctorProfile attaches a doctor record (and its department) to a seeded account.
type DoctorProfile struct {
	Username       string
	Department     string
	FirstName      string
	LastName       string
	Specialization string
}

// SystemAccount is the audit actor for unauthenticated events.
func SystemAccount() Account {
	return Account{
		Username:  auth.SystemUsername,
		Locked:    true,
		Role:      auth.RoleAdministration,
		FirstName: "System",
	}
}

// DefaultAccounts returns the admin and doctor accounts with passwords from cfg.
func DefaultAccounts(cfg config.BootstrapConfig) []Account {
	return []Account{
		{
			Username:  "admin",
			Password:  cfg.AdminPassword,
			Role:      auth.RoleAdmin,
			FirstName: "Admin",
			LastName:  "User",
		},
		{
			Username:  "doctor",
			Password:  cfg.DoctorPassword,
			Role:      auth.RoleDoctor,
			FirstName: "John",
			LastName:  "Smith",
			Email:     "doctor@medisys.com",
		},
	}
}

// DefaultDoctor returns the profile of the seeded doctor account.
func DefaultDoctor(cfg config.BootstrapConfig) *DoctorProfile {
	return &DoctorProfile{
		Username:       "doctor",
		Department:     cfg.DoctorDepartment,
		FirstName:      "John",
		LastName:       "Smith",
		Specialization: cfg.DoctorDepartment,
	}
}

// Report describes what a run changed. It is informational only.
type Report struct {
	Applied  []string
	Created  []string
	Existing []string
}

// Changed reports whether the run modified the database.
func (r Report) Changed() bool {
	return len(r.Applied) > 0 || len(r.Created) > 0
}

// Bootstrapper ensures schema and seed data.
type Bootstrapper struct {
	store      *pg.Store
	migrations *migrate.Manager
	accounts   []Account
	doctor     *DoctorProfile
	cost       int
	log        *zerolog.Logger
}

// Option configures Bootstrapper.
type Option func(*Bootstrapper)

// WithAccounts replaces the seeded accounts (the system account is always seeded).
func WithAccounts(accounts ...Account) Option {
	return func(b *Bootstrapper) { b.accounts = accounts }
}

// WithDoctor sets the doctor profile; nil disables it.
func WithDoctor(p *DoctorProfile) Option {
	return func(b *Bootstrapper) { b.doctor = p }
}

// WithBcryptCost sets the hashing cost for seeded passwords.
func WithBcryptCost(cost int) Option {
	return func(b *Bootstrapper) {
		if cost > 0 {
			b.cost = cost
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bootstrapper) { b.log = &l }
}

// New returns a Bootstrapper seeding the default accounts with default passwords.
func New(store *pg.Store, migrations *migrate.Manager, opts ...Option) *Bootstrapper {
	defaults := config.BootstrapConfig{
		AdminPassword:    "admin",
		DoctorPassword:   "doctor123",
		DoctorDepartment: "General Medicine",
	}
	b := &Bootstrapper{
		store:      store,
		migrations: migrations,
		accounts:   DefaultAccounts(defaults),
		doctor:     DefaultDoctor(defaults),
		cost:       bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FromConfig wires a Bootstrapper from the service configuration.
func FromConfig(store *pg.Store, migrations *migrate.Manager, cfg *config.Config) *Bootstrapper {
	return New(store, migrations,
		WithAccounts(DefaultAccounts(cfg.Bootstrap)...),
		WithDoctor(DefaultDoctor(cfg.Bootstrap)),
		WithBcryptCost(cfg.Auth.BcryptCost),
	)
}

func (b *Bootstrapper) logger() zerolog.Logger {
	if b.log != nil {
		return *b.log
	}
	return obs.Logger()
}

// EnsureSchema applies pending migrations and seeds missing accounts in one
// transaction guarded by an advisory lock, so concurrent starts serialise and a
// failure leaves the database untouched. Existing rows are never modified.
func (b *Bootstrapper) EnsureSchema(ctx context.Context) (Report, error) {
	if err := b.validate(); err != nil {
		obs.BootstrapRuns.WithLabelValues("failure").Inc()
		return Report{}, err
	}

	var report Report
	err := b.store.InTx(ctx, func(tx *sqlx.Tx) error {
		report = Report{}
		if err := migrate.Lock(ctx, tx); err != nil {
			return pg.Wrap("schema lock", err)
		}
		applied, err := b.migrations.UpTx(ctx, tx)
		if err != nil {
			return pg.Wrap("migrate", err)
		}
		for _, m := range applied {
			report.Applied = append(report.Applied, m.String())
		}

		systemID, err := b.ensureAccount(ctx, tx, SystemAccount(), &report)
		if err != nil {
			return err
		}
		if err := audit.Bind(ctx, tx, audit.Context{UserID: systemID, IPAddress: originIP, SessionID: originSession}); err != nil {
			return err
		}

		userIDs := make(map[string]int64, len(b.accounts))
		for _, acct := range b.accounts {
			id, err := b.ensureAccount(ctx, tx, acct, &report)
			if err != nil {
				return err
			}
			userIDs[acct.Username] = id
		}

		if b.doctor != nil {
			uid, ok := userIDs[b.doctor.Username]
			if !ok {
				return fmt.Errorf("%w: doctor profile for unknown account %q", ErrInvalidAccount, b.doctor.Username)
			}
			return b.ensureDoctor(ctx, tx, uid, &report)
		}
		return nil
	})
	log := b.logger()
	if err != nil {
		obs.BootstrapRuns.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("schema bootstrap failed")
		return Report{}, err
	}

	obs.BootstrapRuns.WithLabelValues("success").Inc()
	log.Info().
		Strs("applied", report.Applied).
		Strs("created", report.Created).
		Strs("existing", report.Existing).
		Msg("schema bootstrap complete")
	return report, nil
}

func (b *Bootstrapper) validate() error {
	seen := map[string]bool{auth.SystemUsername: true}
	for _, acct := range b.accounts {
		if !auth.ValidUsername(acct.Username) {
			return fmt.Errorf("%w: username %q", ErrInvalidAccount, acct.Username)
		}
		if seen[acct.Username] {
			return fmt.Errorf("%w: duplicate or reserved username %q", ErrInvalidAccount, acct.Username)
		}
		seen[acct.Username] = true
		if !auth.ValidRole(acct.Role) {
			return fmt.Errorf("%w: role %q for %s", ErrInvalidAccount, acct.Role, acct.Username)
		}
		if !acct.Locked && acct.Password == "" {
			return fmt.Errorf("%w: empty password for %s", ErrInvalidAccount, acct.Username)
		}
		if len(acct.Password) > auth.MaxPasswordBytes {
			return fmt.Errorf("%w: password for %s: %v", ErrInvalidAccount, acct.Username, auth.ErrPasswordTooLong)
		}
	}
	if b.doctor != nil && b.doctor.Department == "" {
		return fmt.Errorf("%w: doctor department is required", ErrInvalidAccount)
	}
	return nil
}

const (
	selectUserSQL = `select id from users where username = $1`
	insertUserSQL = `insert into users (username, password_hash, role, first_name, last_name, email)
values ($1, $2, $3, $4, $5, $6)
on conflict (username) do nothing
returning id`
	selectDepartmentSQL = `select id from departments where name = $1`
	insertDepartmentSQL = `insert into departments (name, description) values ($1, $2) returning id`
	selectDoctorSQL     = `select id from doctors where user_id = $1`
	insertDoctorSQL     = `insert into doctors (user_id, department_id, first_name, last_name, specialization)
values ($1, $2, $3, $4, $5)
returning id`
)

// ensureAccount returns the id of acct, inserting it when missing. The password
// is hashed only when an insert is needed.
func (b *Bootstrapper) ensureAccount(ctx context.Context, tx *sqlx.Tx, acct Account, report *Report) (int64, error) {
	id, found, err := lookupID(ctx, tx, selectUserSQL, acct.Username)
	if err != nil {
		return 0, pg.Wrap("lookup account "+acct.Username, err)
	}
	if found {
		report.Existing = append(report.Existing, acct.Username)
		return id, nil
	}

	hash := auth.LockedHash
	if !acct.Locked {
		if hash, err = auth.HashPasswordCost(acct.Password, b.cost); err != nil {
			return 0, fmt.Errorf("hash password for %s: %w", acct.Username, err)
		}
	}
	err = tx.GetContext(ctx, &id, insertUserSQL,
		acct.Username, hash, acct.Role, acct.FirstName, acct.LastName, nullable(acct.Email))
	if errors.Is(err, sql.ErrNoRows) {
		// inserted concurrently by a writer that bypassed the schema lock
		if id, _, err = lookupID(ctx, tx, selectUserSQL, acct.Username); err != nil {
			return 0, pg.Wrap("lookup account "+acct.Username, err)
		}
		report.Existing = append(report.Existing, acct.Username)
		return id, nil
	}
	if err != nil {
		return 0, pg.Wrap("create account "+acct.Username, err)
	}
	report.Created = append(report.Created, acct.Username)
	return id, nil
}

func (b *Bootstrapper) ensureDoctor(ctx context.Context, tx *sqlx.Tx, userID int64, report *Report) error {
	p := b.doctor
	deptID, found, err := lookupID(ctx, tx, selectDepartmentSQL, p.Department)
	if err != nil {
		return pg.Wrap("lookup department", err)
	}
	if !found {
		if err := tx.GetContext(ctx, &deptID, insertDepartmentSQL, p.Department, ""); err != nil {
			return pg.Wrap("create department", err)
		}
		report.Created = append(report.Created, "department:"+p.Department)
	}

	_, found, err = lookupID(ctx, tx, selectDoctorSQL, userID)
	if err != nil {
		return pg.Wrap("lookup doctor", err)
	}
	if found {
		return nil
	}
	var doctorID int64
	if err := tx.GetContext(ctx, &doctorID, insertDoctorSQL,
		userID, deptID, p.FirstName, p.LastName, p.Specialization); err != nil {
		return pg.Wrap("create doctor", err)
	}
	report.Created = append(report.Created, "doctor:"+p.Username)
	return nil
}

func lookupID(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (int64, bool, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
