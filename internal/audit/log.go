package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"medisys.org/internal/obs"
	"medisys.org/internal/store/pg"
)

// Action tags written by the service. Row triggers add create_/update_/delete_<entity>.
const (
	ActionFailedLogin         = "failed_login"
	ActionSuccessfulLogin     = "successful_login"
	ActionGenerateAuditReport = "generate_audit_report"
)

// Target types.
const (
	TargetUser     = "user"
	TargetAuditLog = "audit_log"
)

// ErrInvalidRecord is returned for records missing an action or target type.
var ErrInvalidRecord = errors.New("audit: invalid record")

// Record is one append-only audit entry. ActorUserID 0 means "no account".
type Record struct {
	ActorUserID int64
	Action      string
	TargetType  string
	TargetID    int64
	Detail      map[string]any
	IPAddress   string
	SessionID   string
}

const logSQL = `select log_audit_action($1, $2, $3, $4, $5::jsonb, $6, $7)`

// Logger writes audit records through the log_audit_action routine.
type Logger struct {
	log *zerolog.Logger
}

// LoggerOption configures Logger.
type LoggerOption func(*Logger)

// WithZerolog mirrors writes to l instead of the shared logger.
func WithZerolog(l zerolog.Logger) LoggerOption {
	return func(lg *Logger) { lg.log = &l }
}

// NewLogger returns a Logger mirroring each write at debug level.
func NewLogger(opts ...LoggerOption) *Logger {
	l := &Logger{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) mirror() zerolog.Logger {
	if l.log != nil {
		return *l.log
	}
	return obs.Logger()
}

// Log appends rec inside the caller's transaction. Missing network and session
// fields come from the audit context on ctx. A failure is returned to the caller,
// who must abort the enclosing transaction.
func (l *Logger) Log(ctx context.Context, ex sqlx.ExecerContext, rec Record) error {
	rec.Action = strings.TrimSpace(rec.Action)
	rec.TargetType = strings.TrimSpace(rec.TargetType)
	if rec.Action == "" || rec.TargetType == "" {
		return fmt.Errorf("%w: action and target type are required", ErrInvalidRecord)
	}
	if ac, ok := FromContext(ctx); ok {
		if rec.IPAddress == "" {
			rec.IPAddress = ac.IPAddress
		}
		if rec.SessionID == "" {
			rec.SessionID = ac.SessionID
		}
	}
	origin := Context{IPAddress: rec.IPAddress, SessionID: rec.SessionID}.Normalized()

	detail := rec.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("%w: encode detail: %v", ErrInvalidRecord, err)
	}

	if _, err := ex.ExecContext(ctx, logSQL,
		rec.ActorUserID, rec.Action, rec.TargetType, rec.TargetID,
		string(payload), origin.IPAddress, origin.SessionID,
	); err != nil {
		return pg.Wrap("log audit action", err)
	}

	obs.AuditRecords.WithLabelValues(rec.Action).Inc()
	mirror := l.mirror()
	mirror.Debug().
		Str("type", "audit").
		Str("action", rec.Action).
		Int64("actor", rec.ActorUserID).
		Str("target_type", rec.TargetType).
		Int64("target_id", rec.TargetID).
		Str("session_id", origin.SessionID).
		Msg("audit record written")
	return nil
}
