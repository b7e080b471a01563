// Package session issues and verifies signed session tokens. A token names the
// authenticated user and the login session, which together with the caller's
// network address form the audit context of later requests.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medisys.org/internal/audit"
	"medisys.org/internal/obs"
)

var (
	ErrInvalidToken = errors.New("session: invalid token")
	ErrInvalidInput = errors.New("session: invalid input")
)

const (
	defaultIssuer = "medisys"
	defaultTTL    = 8 * time.Hour
)

// Claims are the registered JWT claims plus the session id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}

// Manager signs tokens with HS256.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager. An empty secret is replaced with a random one,
// so tokens do not survive a restart.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	m := &Manager{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	if len(m.secret) == 0 {
		m.secret = make([]byte, 32)
		if _, err := rand.Read(m.secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		log := obs.Logger()
		log.Warn().Msg("auth.session_secret not set; using an ephemeral secret")
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue mints a token for userID in sessionID and returns it with its expiry.
func (m *Manager) Issue(userID int64, sessionID string) (string, time.Time, error) {
	if userID <= 0 || sessionID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user and session are required", ErrInvalidInput)
	}
	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies signature, method, issuer and expiry.
func (m *Manager) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session", ErrInvalidToken)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// AuditContext resolves token into the audit context for a request from ip.
func (m *Manager) AuditContext(token, ip string) (audit.Context, error) {
	claims, err := m.Parse(token)
	if err != nil {
		return audit.Context{}, err
	}
	uid, _ := claims.UserID()
	return audit.Context{UserID: uid, IPAddress: ip, SessionID: claims.SessionID}.Normalized(), nil
}
