package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/sessionguard/internal/models"
	"github.com/Skotchmaster/sessionguard/internal/tokens"
	"github.com/Skotchmaster/sessionguard/pkg/authclient"
)

var accessSecret = []byte("access-secret")

type nopCreator struct{}

func (nopCreator) Create(context.Context, *models.RefreshToken) error { return nil }

type fakeRefresher struct {
	calls  []string
	tokens *authclient.Tokens
	err    error
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*authclient.Tokens, error) {
	f.calls = append(f.calls, refreshToken)
	return f.tokens, f.err
}

func issueAccess(t *testing.T, at time.Time, roles ...string) string {
	t.Helper()
	iss, err := tokens.NewIssuer(nopCreator{}, tokens.Options{
		AccessSecret:  accessSecret,
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		Now:           func() time.Time { return at },
	})
	require.NoError(t, err)
	tok, _, err := iss.IssueAccessToken("u1", "u1@example.com", roles)
	require.NoError(t, err)
	return tok
}

func newServer(m *AutoRefreshMiddleware) *echo.Echo {
	e := echo.New()
	me := func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"user_id": c.Get(CtxUserID)})
	}
	e.GET("/me", me, m.RequireAuth)
	e.GET("/admin", me, m.RequireRole("admin"))
	return e
}

func do(e *echo.Echo, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestRequireAuth_ValidAccessToken(t *testing.T) {
	now := time.Now()
	ref := &fakeRefresher{}
	m := NewAutoRefreshMiddleware(accessSecret, ref)
	m.Now = func() time.Time { return now }

	rec := do(newServer(m), "/me", &http.Cookie{Name: AccessCookie, Value: issueAccess(t, now, "user")})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"u1"`)
	assert.Empty(t, ref.calls)
}

func TestRequireAuth_MissingOrGarbage(t *testing.T) {
	m := NewAutoRefreshMiddleware(accessSecret, &fakeRefresher{})
	e := newServer(m)

	rec := do(e, "/me")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, "/me", &http.Cookie{Name: AccessCookie, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid_token"}`, rec.Body.String())
	ck := cookieByName(rec, AccessCookie)
	require.NotNil(t, ck)
	assert.Empty(t, ck.Value)
}

func TestRequireAuth_ExpiredAccessIsRefreshed(t *testing.T) {
	now := time.Now()
	ref := &fakeRefresher{tokens: &authclient.Tokens{
		AccessToken:      issueAccess(t, now, "user"),
		AccessExpiresAt:  now.Add(time.Minute),
		RefreshToken:     "rotated-refresh",
		RefreshExpiresAt: now.Add(time.Hour),
	}}
	m := NewAutoRefreshMiddleware(accessSecret, ref)
	m.Now = func() time.Time { return now }

	rec := do(newServer(m), "/me",
		&http.Cookie{Name: AccessCookie, Value: issueAccess(t, now.Add(-time.Hour), "user")},
		&http.Cookie{Name: RefreshCookie, Value: "old-refresh"},
	)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"old-refresh"}, ref.calls)
	rc := cookieByName(rec, RefreshCookie)
	require.NotNil(t, rc)
	assert.Equal(t, "rotated-refresh", rc.Value)
	assert.True(t, rc.HttpOnly)
	assert.Equal(t, ref.tokens.AccessToken, cookieByName(rec, AccessCookie).Value)
}

func TestRequireAuth_ExpiredWithoutRefreshCookie(t *testing.T) {
	now := time.Now()
	ref := &fakeRefresher{}
	m := NewAutoRefreshMiddleware(accessSecret, ref)
	m.Now = func() time.Time { return now }

	rec := do(newServer(m), "/me", &http.Cookie{Name: AccessCookie, Value: issueAccess(t, now.Add(-time.Hour))})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"expired_token"}`, rec.Body.String())
	assert.Empty(t, ref.calls)
}

func TestRequireAuth_ReuseReportedByAuthService(t *testing.T) {
	now := time.Now()
	ref := &fakeRefresher{err: authclient.ErrTokenReuse}
	m := NewAutoRefreshMiddleware(accessSecret, ref)
	m.Now = func() time.Time { return now }

	rec := do(newServer(m), "/me",
		&http.Cookie{Name: AccessCookie, Value: issueAccess(t, now.Add(-time.Hour))},
		&http.Cookie{Name: RefreshCookie, Value: "stolen"},
	)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"token_reuse"}`, rec.Body.String())
	rc := cookieByName(rec, RefreshCookie)
	require.NotNil(t, rc)
	assert.Empty(t, rc.Value)
	assert.Equal(t, -1, rc.MaxAge)
}

func TestRequireRole(t *testing.T) {
	now := time.Now()
	m := NewAutoRefreshMiddleware(accessSecret, &fakeRefresher{})
	m.Now = func() time.Time { return now }
	e := newServer(m)

	rec := do(e, "/admin", &http.Cookie{Name: AccessCookie, Value: issueAccess(t, now, "user")})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, "/admin", &http.Cookie{Name: AccessCookie, Value: issueAccess(t, now, "user", "admin")})
	assert.Equal(t, http.StatusOK, rec.Code)
}
