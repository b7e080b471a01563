package audit

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Unknown is stored when the caller's network address or session is not known.
const Unknown = "unknown"

// Column widths of audit_log.ip_address and audit_log.session_id, in characters.
const (
	MaxIPAddressLen = 64
	MaxSessionIDLen = 128
)

// Context identifies who is acting, from where, and in which session. It is passed
// explicitly to every audited operation and bound to the transaction that performs it.
type Context struct {
	UserID    int64
	IPAddress string
	SessionID string
}

// Normalized fills missing network and session fields with Unknown and clips
// them to the audit_log column widths.
func (c Context) Normalized() Context {
	c.IPAddress = clip(strings.TrimSpace(c.IPAddress), MaxIPAddressLen)
	c.SessionID = clip(strings.TrimSpace(c.SessionID), MaxSessionIDLen)
	if c.IPAddress == "" {
		c.IPAddress = Unknown
	}
	if c.SessionID == "" {
		c.SessionID = Unknown
	}
	return c
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

type contextKey struct{}

// WithContext attaches the audit context to ctx for request-scoped handles.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext returns the audit context previously attached with WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	ac, ok := ctx.Value(contextKey{}).(Context)
	return ac, ok
}
