package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

const defaultMigrationsTable = "schema_migrations"

// lockKey is the pg_advisory_xact_lock key serialising schema changes.
const lockKey int64 = 0x6d656469 // "medi"

//go:embed sql/*.sql
var embedded embed.FS

// Source returns the migrations compiled into the binary.
func Source() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("migrate: no migrations applied")

// Migration is one versioned schema change.
type Migration struct {
	Version  int64
	Name     string
	UpPath   string
	DownPath string
}

func (m Migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// Applied is a row of the migrations bookkeeping table.
type Applied struct {
	Version   int64        `db:"version"`
	Name      string       `db:"name"`
	AppliedAt sql.NullTime `db:"applied_at"`
}

// Manager applies versioned SQL migrations. State is kept as an explicit record per
// version in the bookkeeping table; the catalog is never probed.
type Manager struct {
	db              *sqlx.DB
	source          fs.FS
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSource replaces the embedded migrations.
func WithSource(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.source = fsys
		}
	}
}

// NewManager constructs a Manager over the embedded migrations.
func NewManager(db *sqlx.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		source:          Source(),
		migrationsTable: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock takes the transaction-scoped advisory lock that serialises schema work
// across processes. It is released on commit or rollback.
func Lock(ctx context.Context, tx sqlx.ExecerContext) error {
	_, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey)
	return err
}

// UpTx applies every pending migration inside tx and returns what it applied.
// The caller owns the transaction; nothing is committed here.
func (m *Manager) UpTx(ctx context.Context, tx sqlx.ExtContext) ([]Migration, error) {
	migrations, err := m.Migrations()
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx, tx); err != nil {
		return nil, err
	}
	done, err := m.appliedVersions(ctx, tx)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, mig := range migrations {
		if done[mig.Version] {
			continue
		}
		if err := m.execFile(ctx, tx, mig.UpPath); err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", mig, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`insert into %s(version, name) values ($1, $2)`, m.migrationsTable),
			mig.Version, mig.Name); err != nil {
			return nil, fmt.Errorf("record migration %s: %w", mig, err)
		}
		applied = append(applied, mig)
	}
	return applied, nil
}

// Up applies all pending migrations in a single locked transaction.
func (m *Manager) Up(ctx context.Context) ([]Migration, error) {
	var applied []Migration
	err := m.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := Lock(ctx, tx); err != nil {
			return err
		}
		var err error
		applied, err = m.UpTx(ctx, tx)
		return err
	})
	return applied, err
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) (Migration, error) {
	var rolled Migration
	err := m.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := Lock(ctx, tx); err != nil {
			return err
		}
		if err := m.ensureTable(ctx, tx); err != nil {
			return err
		}
		var last Applied
		err := tx.GetContext(ctx, &last,
			fmt.Sprintf(`select version, name, applied_at from %s order by version desc limit 1`, m.migrationsTable))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoMigrations
		}
		if err != nil {
			return err
		}

		migrations, err := m.Migrations()
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if mig.Version == last.Version {
				rolled = mig
			}
		}
		if rolled.DownPath == "" {
			return fmt.Errorf("missing down migration for %04d_%s", last.Version, last.Name)
		}
		if err := m.execFile(ctx, tx, rolled.DownPath); err != nil {
			return fmt.Errorf("rollback migration %s: %w", rolled, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where version = $1`, m.migrationsTable), last.Version)
		return err
	})
	return rolled, err
}

// Status returns applied migrations ordered by version.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTable(ctx, m.db); err != nil {
		return nil, err
	}
	var res []Applied
	err := m.db.SelectContext(ctx, &res,
		fmt.Sprintf(`select version, name, applied_at from %s order by version asc`, m.migrationsTable))
	return res, err
}

// Migrations lists the migrations available in the source, ordered by version.
func (m *Manager) Migrations() ([]Migration, error) {
	return collectSQL(m.source)
}

func (m *Manager) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTable(ctx context.Context, ex sqlx.ExecerContext) error {
	ddl := fmt.Sprintf(`create table if not exists %s (
	version bigint primary key,
	name text not null,
	applied_at timestamptz not null default now()
)`, m.migrationsTable)
	_, err := ex.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) appliedVersions(ctx context.Context, q sqlx.QueryerContext) (map[int64]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`select version from %s`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result[v] = true
	}
	return result, rows.Err()
}

func (m *Manager) execFile(ctx context.Context, ex sqlx.ExecerContext, path string) error {
	body, err := fs.ReadFile(m.source, path)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(body)) {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var fileRE = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

func collectSQL(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := fileRE.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %s: %w", e.Name(), err)
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		} else if mig.Name != match[2] {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, mig.Name, match[2])
		}
		if match[3] == "up" {
			mig.UpPath = e.Name()
		} else {
			mig.DownPath = e.Name()
		}
	}

	res := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpPath == "" {
			return nil, fmt.Errorf("migration %s has no up file", mig)
		}
		res = append(res, *mig)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Version < res[j].Version })
	return res, nil
}

// splitStatements splits a SQL script on top-level semicolons. Semicolons inside
// single-quoted strings, dollar-quoted bodies ($$ ... $$, $tag$ ... $tag$) and
// "--" comments do not terminate a statement. Comments are dropped.
func splitStatements(src string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		dollarTag string
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case dollarTag != "":
			if strings.HasPrefix(src[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			current.WriteByte(c)
		case inString:
			current.WriteByte(c)
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			inString = true
			current.WriteByte(c)
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				i = len(src)
				continue
			}
			i += nl
			current.WriteByte('\n')
		case c == '$':
			if tag, ok := dollarTagAt(src[i:]); ok {
				dollarTag = tag
				current.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			current.WriteByte(c)
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}

// dollarTagAt reports the dollar-quote opener at the start of s, if any.
// Positional parameters ($1) are not tags.
func dollarTagAt(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := s[:end+2]
	body := tag[1 : len(tag)-1]
	if body != "" && body[0] >= '0' && body[0] <= '9' {
		return "", false
	}
	for _, r := range body {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", false
		}
	}
	return tag, true
}
