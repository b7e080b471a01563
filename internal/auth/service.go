package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"medisys.org/internal/audit"
	"medisys.org/internal/ids"
	"medisys.org/internal/obs"
	"medisys.org/internal/session"
	"medisys.org/internal/store/pg"
)

// Service authenticates users against the credential store and records every
// attempt in the audit trail. It holds no per-call state and is safe for
// concurrent use; each call runs in its own transaction.
type Service struct {
	store    *pg.Store
	audit    *audit.Logger
	sessions *session.Manager
	log      *zerolog.Logger
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithAuditLogger overrides the audit writer.
func WithAuditLogger(l *audit.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithSessions enables Login by issuing tokens from m.
func WithSessions(m *session.Manager) ServiceOption {
	return func(s *Service) { s.sessions = m }
}

// WithLogger overrides the structured logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = &l }
}

func NewService(store *pg.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		audit: audit.NewLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logger() zerolog.Logger {
	if s.log != nil {
		return *s.log
	}
	return obs.Logger()
}

// Authenticate verifies username and password and returns the user id.
//
// Empty inputs fail with ErrInvalidInput before the store is touched. Every other
// failure is reported as ErrInvalidCredentials, except database failures, which
// match ErrStore. The lookup, the password check and exactly one audit record
// (failed_login or successful_login) share one transaction. Network and session
// details of the attempt are taken from the audit context on ctx, if any.
func (s *Service) Authenticate(ctx context.Context, username, password string) (int64, error) {
	if username == "" || password == "" {
		s.observe(username, obs.OutcomeInvalidInput)
		return 0, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if !ValidUsername(username) {
		// Never reaches the store and is indistinguishable from a wrong password.
		s.observe(username, obs.OutcomeInvalidInput)
		return 0, ErrInvalidCredentials
	}

	var (
		userID  int64
		outcome string
	)
	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		cred, err := LookupCredential(ctx, tx, username)
		switch {
		case errors.Is(err, ErrNotFound):
			outcome = obs.OutcomeUnknownUser
			return s.logFailure(ctx, tx, 0, username, "user not found")
		case err != nil:
			return err
		}

		if !VerifyPassword(cred.PasswordHash, password) {
			outcome = obs.OutcomeBadPassword
			return s.logFailure(ctx, tx, cred.UserID, username, "incorrect password")
		}

		outcome = obs.OutcomeSuccess
		userID = cred.UserID
		return s.audit.Log(ctx, tx, audit.Record{
			ActorUserID: cred.UserID,
			Action:      audit.ActionSuccessfulLogin,
			TargetType:  audit.TargetUser,
			TargetID:    cred.UserID,
			Detail:      map[string]any{"username": username},
		})
	})
	if err != nil {
		s.observe(username, obs.OutcomeError)
		return 0, err
	}

	s.observe(username, outcome)
	if outcome != obs.OutcomeSuccess {
		return 0, ErrInvalidCredentials
	}
	return userID, nil
}

// logFailure records a failed_login attributed to the system actor.
// target is the matched user id, or 0 when the username is unknown.
func (s *Service) logFailure(ctx context.Context, tx *sqlx.Tx, target int64, username, reason string) error {
	actor, err := ResolveSystemActor(ctx, tx)
	if err != nil {
		return err
	}
	return s.audit.Log(ctx, tx, audit.Record{
		ActorUserID: actor,
		Action:      audit.ActionFailedLogin,
		TargetType:  audit.TargetUser,
		TargetID:    target,
		Detail:      map[string]any{"username": username, "reason": reason},
	})
}

func (s *Service) observe(username, outcome string) {
	obs.AuthAttempts.WithLabelValues(outcome).Inc()
	l := s.logger()
	ev := l.Info()
	if outcome == obs.OutcomeError {
		ev = l.Error()
	}
	ev.Str("username", username).Str("outcome", outcome).Msg("authentication attempt")
}

// Session is the result of a successful Login.
type Session struct {
	UserID    int64
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// Login opens a session: it mints a session id, authenticates under an audit
// context carrying that id and ip, and issues a signed session token.
func (s *Service) Login(ctx context.Context, username, password, ip string) (Session, error) {
	if s.sessions == nil {
		return Session{}, fmt.Errorf("%w: sessions are not configured", ErrNotImplemented)
	}
	sid := ids.NewSessionID()
	ctx = audit.WithContext(ctx, audit.Context{IPAddress: ip, SessionID: sid})

	uid, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	token, exp, err := s.sessions.Issue(uid, sid)
	if err != nil {
		return Session{}, fmt.Errorf("issue session token: %w", err)
	}
	return Session{UserID: uid, SessionID: sid, Token: token, ExpiresAt: exp}, nil
}
