package auth

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"medisys.org/internal/audit"
	"medisys.org/internal/session"
	"medisys.org/internal/store/pg"
)

const (
	logAuditSQL = `select log_audit_action($1, $2, $3, $4, $5::jsonb, $6, $7)`
	systemID    = int64(1)
)

type jsonArg map[string]any

func (j jsonArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	var got, want map[string]any
	if err := json.Unmarshal([]byte(s), &got); err != nil {
		return false
	}
	raw, _ := json.Marshal(map[string]any(j))
	_ = json.Unmarshal(raw, &want)
	return reflect.DeepEqual(got, want)
}

type prefixArg string

func (p prefixArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, string(p))
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := HashPasswordCost(pw, bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, sqlmock.Sqlmock, *sqlx.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	xdb := sqlx.NewDb(db, "pgx")
	return NewService(pg.New(xdb), opts...), mock, xdb
}

func expectLookup(mock sqlmock.Sqlmock, username string, id int64, hash string) {
	rows := sqlmock.NewRows([]string{"id", "password_hash"})
	if id != 0 {
		rows.AddRow(id, hash)
	}
	mock.ExpectQuery(regexp.QuoteMeta(lookupCredentialSQL)).WithArgs(username).WillReturnRows(rows)
}

func expectSystemActor(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(lookupUserIDSQL)).WithArgs(SystemUsername).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(systemID))
}

func TestAuthenticateSuccess(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "doctor", 2, mustHash(t, "doctor123"))
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
		WithArgs(int64(2), audit.ActionSuccessfulLogin, audit.TargetUser, int64(2),
			jsonArg{"username": "doctor"}, audit.Unknown, audit.Unknown).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := svc.Authenticate(context.Background(), "doctor", "doctor123")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUnknownUser(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "mallory", 0, "")
	expectSystemActor(mock)
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
		WithArgs(systemID, audit.ActionFailedLogin, audit.TargetUser, int64(0),
			jsonArg{"username": "mallory", "reason": "user not found"}, audit.Unknown, audit.Unknown).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.Authenticate(context.Background(), "mallory", "x")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateWrongPassword(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "admin", 2, mustHash(t, "admin"))
	expectSystemActor(mock)
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
		WithArgs(systemID, audit.ActionFailedLogin, audit.TargetUser, int64(2),
			jsonArg{"username": "admin", "reason": "incorrect password"}, audit.Unknown, audit.Unknown).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.Authenticate(context.Background(), "admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateSystemAccountCannotLogIn(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, SystemUsername, systemID, LockedHash)
	expectSystemActor(mock)
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
		WithArgs(systemID, audit.ActionFailedLogin, audit.TargetUser, systemID,
			jsonArg{"username": SystemUsername, "reason": "incorrect password"}, audit.Unknown, audit.Unknown).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.Authenticate(context.Background(), SystemUsername, "!")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "ghost", 0, "")
	expectSystemActor(mock)
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	expectLookup(mock, "admin", 2, mustHash(t, "admin"))
	expectSystemActor(mock)
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, errUnknown := svc.Authenticate(context.Background(), "ghost", "pw")
	_, errWrong := svc.Authenticate(context.Background(), "admin", "pw")
	_, errFormat := svc.Authenticate(context.Background(), "bad name!", "pw")

	require.Error(t, errUnknown)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.Equal(t, errUnknown.Error(), errFormat.Error())
	assert.Equal(t, "invalid credentials", errUnknown.Error())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateEmptyInputSkipsStore(t *testing.T) {
	svc, mock, _ := newTestService(t)

	for _, tc := range []struct{ user, pass string }{{"", "pw"}, {"admin", ""}, {"", ""}} {
		_, err := svc.Authenticate(context.Background(), tc.user, tc.pass)
		require.ErrorIs(t, err, ErrInvalidInput)
		assert.False(t, errors.Is(err, ErrInvalidCredentials))
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateMalformedUsernameSkipsStore(t *testing.T) {
	svc, mock, _ := newTestService(t)

	for _, u := range []string{"a b", "x'; drop table users; --", strings.Repeat("u", 51)} {
		_, err := svc.Authenticate(context.Background(), u, "pw")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateLookupFailure(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lookupCredentialSQL)).WithArgs("admin").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	_, err := svc.Authenticate(context.Background(), "admin", "admin")
	require.ErrorIs(t, err, ErrStore)
	assert.False(t, errors.Is(err, ErrInvalidCredentials))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateAuditFailureAbortsLogin(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "admin", 2, mustHash(t, "admin"))
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	id, err := svc.Authenticate(context.Background(), "admin", "admin")
	require.ErrorIs(t, err, ErrStore)
	assert.Zero(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateMissingSystemActor(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "ghost", 0, "")
	mock.ExpectQuery(regexp.QuoteMeta(lookupUserIDSQL)).WithArgs(SystemUsername).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := svc.Authenticate(context.Background(), "ghost", "pw")
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, ErrSystemActorMissing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUsesAuditContextOrigin(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	expectLookup(mock, "doctor", 3, mustHash(t, "doctor123"))
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
		WithArgs(int64(3), audit.ActionSuccessfulLogin, audit.TargetUser, int64(3),
			jsonArg{"username": "doctor"}, "10.0.0.7", "session_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := audit.WithContext(context.Background(), audit.Context{IPAddress: "10.0.0.7", SessionID: "session_abc"})
	_, err := svc.Authenticate(ctx, "doctor", "doctor123")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateConcurrentCallsAreIsolated(t *testing.T) {
	svc, mock, xdb := newTestService(t)
	xdb.SetMaxOpenConns(1)
	mock.MatchExpectationsInOrder(false)

	const n = 100
	hash := mustHash(t, "pw")
	for i := 0; i < n; i++ {
		username := fmt.Sprintf("user_%d", i)
		id := int64(100 + i)
		mock.ExpectBegin()
		expectLookup(mock, username, id, hash)
		if i%2 == 0 {
			mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
				WithArgs(id, audit.ActionSuccessfulLogin, audit.TargetUser, id,
					jsonArg{"username": username}, audit.Unknown, audit.Unknown).
				WillReturnResult(sqlmock.NewResult(0, 1))
		} else {
			expectSystemActor(mock)
			mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
				WithArgs(systemID, audit.ActionFailedLogin, audit.TargetUser, id,
					jsonArg{"username": username, "reason": "incorrect password"}, audit.Unknown, audit.Unknown).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pw := "pw"
			if i%2 == 1 {
				pw = "nope"
			}
			ids[i], results[i] = svc.Authenticate(context.Background(), fmt.Sprintf("user_%d", i), pw)
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if i%2 == 0 {
			require.NoError(t, err, "user_%d", i)
			assert.Equal(t, int64(100+i), ids[i])
		} else {
			require.ErrorIs(t, err, ErrInvalidCredentials, "user_%d", i)
		}
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginIssuesSessionToken(t *testing.T) {
	sessions, err := session.NewManager("test-secret")
	require.NoError(t, err)
	svc, mock, _ := newTestService(t, WithSessions(sessions))

	mock.ExpectBegin()
	expectLookup(mock, "doctor", 3, mustHash(t, "doctor123"))
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).
		WithArgs(int64(3), audit.ActionSuccessfulLogin, audit.TargetUser, int64(3),
			jsonArg{"username": "doctor"}, "172.16.0.4", prefixArg("session_")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess, err := svc.Login(context.Background(), "doctor", "doctor123", "172.16.0.4")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.UserID)
	assert.True(t, strings.HasPrefix(sess.SessionID, "session_"))

	ac, err := sessions.AuditContext(sess.Token, "172.16.0.4")
	require.NoError(t, err)
	assert.Equal(t, audit.Context{UserID: 3, IPAddress: "172.16.0.4", SessionID: sess.SessionID}, ac)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginFailureIssuesNothing(t *testing.T) {
	sessions, _ := session.NewManager("test-secret")
	svc, mock, _ := newTestService(t, WithSessions(sessions))

	mock.ExpectBegin()
	expectLookup(mock, "doctor", 3, mustHash(t, "doctor123"))
	expectSystemActor(mock)
	mock.ExpectExec(regexp.QuoteMeta(logAuditSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess, err := svc.Login(context.Background(), "doctor", "bad", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, sess.Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginWithoutSessions(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Login(context.Background(), "doctor", "doctor123", "")
	require.ErrorIs(t, err, ErrNotImplemented)
}
