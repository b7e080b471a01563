package bootstrap

import (
	"bytes"
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"medisys.org/internal/auth"
	"medisys.org/internal/config"
	"medisys.org/internal/migrate"
	"medisys.org/internal/store/pg"
)

// bcryptArg matches a password hash produced for password.
type bcryptArg string

func (p bcryptArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && auth.VerifyPassword(s, string(p))
}

var bindRE = regexp.QuoteMeta("select set_config('medisys.user_id', $1, true)")

func newBootstrapper(t *testing.T, opts ...Option) (*Bootstrapper, sqlmock.Sqlmock, *bytes.Buffer) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	xdb := sqlx.NewDb(db, "pgx")
	src := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table users (id bigserial primary key);")},
		"0001_init.down.sql": {Data: []byte("drop table users;")},
	}
	var buf bytes.Buffer
	opts = append([]Option{WithBcryptCost(bcrypt.MinCost), WithLogger(zerolog.New(&buf))}, opts...)
	b := New(pg.New(xdb), migrate.NewManager(xdb, migrate.WithSource(src)), opts...)
	return b, mock, &buf
}

func expectLockAndMigrations(mock sqlmock.Sqlmock, applied ...int64) {
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, v := range applied {
		rows.AddRow(v)
	}
	mock.ExpectQuery("select version from schema_migrations").WillReturnRows(rows)
}

func expectUser(mock sqlmock.Sqlmock, username string, id int64) {
	rows := sqlmock.NewRows([]string{"id"})
	if id != 0 {
		rows.AddRow(id)
	}
	mock.ExpectQuery(regexp.QuoteMeta(selectUserSQL)).WithArgs(username).WillReturnRows(rows)
}

func idRow(id int64) *sqlmock.Rows { return sqlmock.NewRows([]string{"id"}).AddRow(id) }

func TestEnsureSchemaFreshDatabase(t *testing.T) {
	b, mock, logs := newBootstrapper(t)

	mock.ExpectBegin()
	expectLockAndMigrations(mock)
	mock.ExpectExec(regexp.QuoteMeta("create table users (id bigserial primary key)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs(int64(1), "init").WillReturnResult(sqlmock.NewResult(0, 1))

	expectUser(mock, "system", 0)
	mock.ExpectQuery(regexp.QuoteMeta(insertUserSQL)).
		WithArgs("system", auth.LockedHash, auth.RoleAdministration, "System", "", nil).
		WillReturnRows(idRow(1))
	mock.ExpectExec(bindRE).WithArgs("1", "localhost", "bootstrap").WillReturnResult(sqlmock.NewResult(0, 0))

	expectUser(mock, "admin", 0)
	mock.ExpectQuery(regexp.QuoteMeta(insertUserSQL)).
		WithArgs("admin", bcryptArg("admin"), auth.RoleAdmin, "Admin", "User", nil).
		WillReturnRows(idRow(2))
	expectUser(mock, "doctor", 0)
	mock.ExpectQuery(regexp.QuoteMeta(insertUserSQL)).
		WithArgs("doctor", bcryptArg("doctor123"), auth.RoleDoctor, "John", "Smith", "doctor@medisys.com").
		WillReturnRows(idRow(3))

	mock.ExpectQuery(regexp.QuoteMeta(selectDepartmentSQL)).WithArgs("General Medicine").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(insertDepartmentSQL)).WithArgs("General Medicine", "").WillReturnRows(idRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(selectDoctorSQL)).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(insertDoctorSQL)).
		WithArgs(int64(3), int64(1), "John", "Smith", "General Medicine").
		WillReturnRows(idRow(1))
	mock.ExpectCommit()

	report, err := b.EnsureSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init"}, report.Applied)
	assert.Equal(t, []string{"system", "admin", "doctor", "department:General Medicine", "doctor:doctor"}, report.Created)
	assert.Empty(t, report.Existing)
	assert.True(t, report.Changed())
	assert.Contains(t, logs.String(), "schema bootstrap complete")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	b, mock, _ := newBootstrapper(t)

	mock.ExpectBegin()
	expectLockAndMigrations(mock, 1)
	expectUser(mock, "system", 1)
	mock.ExpectExec(bindRE).WithArgs("1", "localhost", "bootstrap").WillReturnResult(sqlmock.NewResult(0, 0))
	expectUser(mock, "admin", 2)
	expectUser(mock, "doctor", 3)
	mock.ExpectQuery(regexp.QuoteMeta(selectDepartmentSQL)).WithArgs("General Medicine").WillReturnRows(idRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(selectDoctorSQL)).WithArgs(int64(3)).WillReturnRows(idRow(1))
	mock.ExpectCommit()

	report, err := b.EnsureSchema(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, []string{"system", "admin", "doctor"}, report.Existing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaKeepsChangedPasswords(t *testing.T) {
	// An existing admin is never re-hashed or updated, whatever the configured password.
	b, mock, _ := newBootstrapper(t,
		WithAccounts(DefaultAccounts(config.BootstrapConfig{AdminPassword: "rotated", DoctorPassword: "x"})...),
		WithDoctor(nil))

	mock.ExpectBegin()
	expectLockAndMigrations(mock, 1)
	expectUser(mock, "system", 1)
	mock.ExpectExec(bindRE).WillReturnResult(sqlmock.NewResult(0, 0))
	expectUser(mock, "admin", 2)
	expectUser(mock, "doctor", 3)
	mock.ExpectCommit()

	_, err := b.EnsureSchema(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaRollsBackOnFailure(t *testing.T) {
	b, mock, logs := newBootstrapper(t)

	mock.ExpectBegin()
	expectLockAndMigrations(mock, 1)
	expectUser(mock, "system", 1)
	mock.ExpectExec(bindRE).WillReturnResult(sqlmock.NewResult(0, 0))
	expectUser(mock, "admin", 0)
	mock.ExpectQuery(regexp.QuoteMeta(insertUserSQL)).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := b.EnsureSchema(context.Background())
	require.ErrorIs(t, err, pg.ErrStore)
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, logs.String(), "schema bootstrap failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaMigrationFailure(t *testing.T) {
	b, mock, _ := newBootstrapper(t)

	mock.ExpectBegin()
	expectLockAndMigrations(mock)
	mock.ExpectExec(regexp.QuoteMeta("create table users")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := b.EnsureSchema(context.Background())
	require.ErrorIs(t, err, pg.ErrStore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaConcurrentInsertFallsBackToLookup(t *testing.T) {
	b, mock, _ := newBootstrapper(t, WithAccounts(), WithDoctor(nil))

	mock.ExpectBegin()
	expectLockAndMigrations(mock, 1)
	expectUser(mock, "system", 0)
	mock.ExpectQuery(regexp.QuoteMeta(insertUserSQL)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	expectUser(mock, "system", 7)
	mock.ExpectExec(bindRE).WithArgs("7", "localhost", "bootstrap").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	report, err := b.EnsureSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"system"}, report.Existing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAccounts(t *testing.T) {
	cases := map[string]Account{
		"bad username": {Username: "bad name", Password: "x", Role: auth.RoleAdmin},
		"reserved":     {Username: auth.SystemUsername, Password: "x", Role: auth.RoleAdmin},
		"bad role":     {Username: "nurse", Password: "x", Role: "nurse"},
		"no password":  {Username: "nurse", Role: auth.RoleDoctor},
	}
	for name, acct := range cases {
		t.Run(name, func(t *testing.T) {
			b, mock, _ := newBootstrapper(t, WithAccounts(acct), WithDoctor(nil))
			_, err := b.EnsureSchema(context.Background())
			require.ErrorIs(t, err, ErrInvalidAccount)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFromConfigUsesConfiguredPasswords(t *testing.T) {
	cfg := &config.Config{
		Auth:      config.AuthConfig{BcryptCost: 5},
		Bootstrap: config.BootstrapConfig{AdminPassword: "a-secret", DoctorPassword: "d-secret", DoctorDepartment: "Cardiology"},
	}
	b := FromConfig(nil, nil, cfg)
	require.Len(t, b.accounts, 2)
	assert.Equal(t, "a-secret", b.accounts[0].Password)
	assert.Equal(t, "d-secret", b.accounts[1].Password)
	assert.Equal(t, "Cardiology", b.doctor.Department)
	assert.Equal(t, 5, b.cost)
}
