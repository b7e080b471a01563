package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"medisys.org/internal/store/pg"
)

const (
	defaultExportLimit = 100
	maxExportLimit     = 1000
)

// ErrInvalidFilter is returned for malformed export requests.
var ErrInvalidFilter = errors.New("audit: invalid filter")

// Filter narrows an audit export. Zero values leave a dimension open.
type Filter struct {
	Since       time.Time
	Until       time.Time
	ActorUserID int64
	Action      string
	EntityType  string
	Limit       int
	// BeforeID pages backwards: only entries with a smaller id are returned.
	// Pass the last id of the previous page to continue.
	BeforeID int64
}

// Entry is one audit_log row joined with the actor's username.
type Entry struct {
	ID          int64     `db:"id" json:"id"`
	ActorUserID int64     `db:"user_id" json:"user_id"`
	Username    string    `db:"username" json:"username"`
	Action      string    `db:"action" json:"action"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    int64     `db:"entity_id" json:"entity_id"`
	Details     []byte    `db:"details" json:"-"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	SessionID   string    `db:"session_id" json:"session_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Detail decodes the stored JSON detail.
func (e Entry) Detail() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Details) == 0 {
		return out, nil
	}
	err := json.Unmarshal(e.Details, &out)
	return out, err
}

// Reader exports the audit trail. Every export is itself audited.
type Reader struct {
	store  *pg.Store
	logger *Logger
}

func NewReader(store *pg.Store, logger *Logger) *Reader {
	return &Reader{store: store, logger: logger}
}

// Export returns entries matching f, newest first, and records a
// generate_audit_report entry for ac in the same transaction. The entries are
// read before that record is written, so a page never contains its own export.
func (r *Reader) Export(ctx context.Context, ac Context, f Filter) ([]Entry, error) {
	if ac.UserID <= 0 {
		return nil, fmt.Errorf("%w: audit context requires a user", ErrInvalidFilter)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return nil, fmt.Errorf("%w: since must be before until", ErrInvalidFilter)
	}
	if f.Limit < 0 || f.BeforeID < 0 {
		return nil, fmt.Errorf("%w: negative paging", ErrInvalidFilter)
	}

	query, args := f.query()
	var entries []Entry
	err := Scoped(ctx, r.store, ac, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &entries, query, args...); err != nil {
			return pg.Wrap("export audit log", err)
		}
		return r.logger.Log(ctx, tx, Record{
			ActorUserID: ac.UserID,
			Action:      ActionGenerateAuditReport,
			TargetType:  TargetAuditLog,
			Detail:      f.detail(),
			IPAddress:   ac.IPAddress,
			SessionID:   ac.SessionID,
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (f Filter) query() (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.Since.IsZero() {
		add("a.created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("a.created_at < $%d", f.Until)
	}
	if f.ActorUserID != 0 {
		add("a.user_id = $%d", f.ActorUserID)
	}
	if f.Action != "" {
		add("a.action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("a.entity_type = $%d", f.EntityType)
	}
	if f.BeforeID > 0 {
		add("a.id < $%d", f.BeforeID)
	}

	var b strings.Builder
	b.WriteString(`select a.id, a.user_id, coalesce(u.username, '') as username, a.action, a.entity_type,
	a.entity_id, a.details, a.ip_address, a.session_id, a.created_at
from audit_log a
left join users u on u.id = a.user_id`)
	if len(where) > 0 {
		b.WriteString("\nwhere ")
		b.WriteString(strings.Join(where, " and "))
	}

	limit := f.Limit
	if limit == 0 {
		limit = defaultExportLimit
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, "\norder by a.id desc limit $%d", len(args))
	return b.String(), args
}

func (f Filter) detail() map[string]any {
	d := map[string]any{}
	if !f.Since.IsZero() {
		d["since"] = f.Since.UTC().Format(time.RFC3339)
	}
	if !f.Until.IsZero() {
		d["until"] = f.Until.UTC().Format(time.RFC3339)
	}
	if f.ActorUserID != 0 {
		d["user_id"] = f.ActorUserID
	}
	if f.Action != "" {
		d["action"] = f.Action
	}
	if f.EntityType != "" {
		d["entity_type"] = f.EntityType
	}
	if f.BeforeID > 0 {
		d["before_id"] = f.BeforeID
	}
	return d
}
