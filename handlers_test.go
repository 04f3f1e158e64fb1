package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	cfg "github.com/example/panelauth/internal/config"
	"github.com/example/panelauth/internal/csrf"
	"github.com/example/panelauth/internal/guard"
	"github.com/example/panelauth/internal/password"
)

const testScryptN = 1 << 10

func testConfig() *cfg.Config {
	return &cfg.Config{
		JwtSecret:          "test-jwt-secret",
		JwtIssuer:          "panelauth-test",
		AccessTokenTTL:     15 * time.Minute,
		CSRFSecret:         "test-csrf-secret",
		CORSAllowedOrigins: "http://panel.test",
		LoginRatePerMinute: 1000,
		PasswordWorkers:    2,
		ScryptN:            testScryptN,
		StoreTimeout:       5 * time.Second,
		DefaultRole:        guard.RoleViewer,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, c *cfg.Config) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(c, NewMemoryDB(), discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)
	return app, srv
}

// seedIdentity stores an identity with a scrypt hash of pw.
func seedIdentity(t *testing.T, db DB, email, pw string, roles ...string) *Identity {
	t.Helper()
	hashed, err := password.NewHasher(password.Params{N: testScryptN, R: 8, P: 1}).Hash(pw)
	require.NoError(t, err)
	return seedWithHash(t, db, email, hashed, roles...)
}

func seedWithHash(t *testing.T, db DB, email, hashed string, roles ...string) *Identity {
	t.Helper()
	now := time.Now().UTC()
	ident := &Identity{
		ID:           "id-" + strings.SplitN(email, "@", 2)[0],
		Email:        email,
		PasswordHash: hashed,
		Roles:        roles,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, db.CreateIdentity(context.Background(), ident))
	return ident
}

type testClient struct {
	t      *testing.T
	base   string
	http   *http.Client
	csrf   string
	bearer string
}

// newTestClient returns a cookie-keeping client that already holds a CSRF
// token.
func newTestClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &testClient{t: t, base: srv.URL, http: &http.Client{Jar: jar}}

	resp := c.do(http.MethodGet, "/api/v1/auth/csrf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data struct {
			CSRFToken string `json:"csrf_token"`
		} `json:"data"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Data.CSRFToken)
	c.csrf = out.Data.CSRFToken
	return c
}

func (c *testClient) do(method, path string, body any) *http.Response {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set(csrf.HeaderName, c.csrf)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *testClient) login(email, pw string) tokenResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": pw})
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	var out tokenResponse
	decodeBody(c.t, resp, &out)
	return out
}

func (c *testClient) me() (int, identityView) {
	c.t.Helper()
	resp := c.do(http.MethodGet, "/api/v1/auth/me", nil)
	var out struct {
		Data identityView `json:"data"`
	}
	if resp.StatusCode == http.StatusOK {
		decodeBody(c.t, resp, &out)
	}
	return resp.StatusCode, out.Data
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var e APIError
	decodeBody(t, resp, &e)
	return e.Code
}

func TestAuthFlow(t *testing.T) {
	_, srv := newTestApp(t, testConfig())
	c := newTestClient(t, srv)

	resp := c.do(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email":    "Ada@Example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg tokenResponse
	decodeBody(t, resp, &reg)
	assert.Equal(t, "ada@example.com", reg.Identity.Email)
	assert.Equal(t, []string{guard.RoleViewer}, reg.Identity.Roles)
	assert.Equal(t, "Bearer", reg.TokenType)
	assert.Equal(t, 900, reg.ExpiresIn)
	assert.NotEmpty(t, reg.AccessToken)
	assert.NotEmpty(t, reg.RefreshToken)

	status, view := c.me()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, reg.Identity.ID, view.ID)

	// login supersedes the registration pair
	login := c.login("ada@example.com", "correct-horse")
	stale := &testClient{t: t, base: srv.URL, http: &http.Client{}, bearer: reg.AccessToken}
	status, _ = stale.me()
	assert.Equal(t, http.StatusUnauthorized, status)

	resp = c.do(http.MethodPost, "/api/v1/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed tokenResponse
	decodeBody(t, resp, &refreshed)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// the rotated-out refresh token no longer works
	other := newTestClient(t, srv)
	resp = other.do(http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": login.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codeUnauthorized, errorCode(t, resp))

	resp = c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ = c.me()
	assert.Equal(t, http.StatusUnauthorized, status)
	revoked := &testClient{t: t, base: srv.URL, http: &http.Client{}, bearer: refreshed.AccessToken}
	status, _ = revoked.me()
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRegister_Rejections(t *testing.T) {
	_, srv := newTestApp(t, testConfig())
	c := newTestClient(t, srv)

	resp := c.do(http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "dup@example.com", "password": "long-enough"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "DUP@example.com", "password": "long-enough"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, codeIdentityExists, errorCode(t, resp))

	resp = c.do(http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "not-an-email", "password": "short"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e APIError
	decodeBody(t, resp, &e)
	assert.Equal(t, codeInvalidRequest, e.Code)
	assert.Contains(t, e.Details, "email: email")
	assert.Contains(t, e.Details, "password: min")

	resp = c.do(http.MethodPost, "/api/v1/auth/register", map[string]any{"email": "x@example.com", "password": "long-enough", "admin": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	app, srv := newTestApp(t, testConfig())
	seedIdentity(t, app.DB, "bob@example.com", "right-password")
	inactive := seedIdentity(t, app.DB, "gone@example.com", "right-password")
	app.DB.(*MemDB).identities[inactive.ID].Active = false

	c := newTestClient(t, srv)
	for _, creds := range []map[string]string{
		{"email": "bob@example.com", "password": "wrong-password"},
		{"email": "nobody@example.com", "password": "right-password"},
		{"email": "gone@example.com", "password": "right-password"},
	} {
		resp := c.do(http.MethodPost, "/api/v1/auth/login", creds)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, creds["email"])
		assert.Equal(t, codeInvalidCredentials, errorCode(t, resp))
	}
}

func TestLogin_UpgradesLegacyHash(t *testing.T) {
	app, srv := newTestApp(t, testConfig())

	salt := "legacysalt"
	digest := pbkdf2.Key([]byte("old-password"), []byte(salt), 1000, 32, sha256.New)
	legacy := fmt.Sprintf("pbkdf2:sha256:1000:%s:%s", salt, hex.EncodeToString(digest))
	ident := seedWithHash(t, app.DB, "legacy@example.com", legacy, guard.RoleEditor)

	c := newTestClient(t, srv)
	out := c.login("legacy@example.com", "old-password")
	assert.Equal(t, []string{guard.RoleEditor}, out.Identity.Roles)

	stored, err := app.DB.GetIdentityByID(context.Background(), ident.ID)
	require.NoError(t, err)
	h, err := password.Parse(stored.PasswordHash)
	require.NoError(t, err)
	assert.Equal(t, password.Scrypt, h.Algorithm)
	assert.False(t, app.passwords.NeedsRehash(stored.PasswordHash))

	// the upgraded hash still accepts the same password
	c.login("legacy@example.com", "old-password")
}

func TestCSRF_Enforced(t *testing.T) {
	app, srv := newTestApp(t, testConfig())
	seedIdentity(t, app.DB, "carol@example.com", "carol-password")
	c := newTestClient(t, srv)

	token := c.csrf
	c.csrf = ""
	resp := c.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "carol@example.com", "password": "carol-password"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, codeCSRFFailed, errorCode(t, resp))

	c.csrf = token + "00"
	resp = c.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "carol@example.com", "password": "carol-password"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c.csrf = token
	c.login("carol@example.com", "carol-password")

	// exempt paths need no token
	bare := &testClient{t: t, base: srv.URL, http: &http.Client{}}
	resp = bare.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	app, srv := newTestApp(t, testConfig())
	seedIdentity(t, app.DB, "root@example.com", "root-password", guard.RoleSuperAdmin)
	seedIdentity(t, app.DB, "adm@example.com", "admin-password", guard.RoleAdmin)
	viewer := seedIdentity(t, app.DB, "view@example.com", "viewer-password", guard.RoleViewer)

	vc := newTestClient(t, srv)
	vLogin := vc.login("view@example.com", "viewer-password")

	rolesPath := "/api/v1/admin/identities/" + viewer.ID + "/roles"
	t.Run("viewer is forbidden", func(t *testing.T) {
		resp := vc.do(http.MethodPut, rolesPath, map[string]any{"roles": []string{guard.RoleAdmin}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, codeForbidden, errorCode(t, resp))
	})

	t.Run("anonymous is unauthenticated", func(t *testing.T) {
		anon := newTestClient(t, srv)
		resp := anon.do(http.MethodPut, rolesPath, map[string]any{"roles": []string{guard.RoleAdmin}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	ac := newTestClient(t, srv)
	ac.login("adm@example.com", "admin-password")

	t.Run("admin cannot grant super_admin", func(t *testing.T) {
		resp := ac.do(http.MethodPut, rolesPath, map[string]any{"roles": []string{guard.RoleSuperAdmin}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		resp := ac.do(http.MethodPut, rolesPath, map[string]any{"roles": []string{"owner"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("promotion applies on refresh", func(t *testing.T) {
		resp := ac.do(http.MethodPut, rolesPath, map[string]any{"roles": []string{guard.RoleEditor, guard.RoleEditor}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Data identityView `json:"data"`
		}
		decodeBody(t, resp, &out)
		assert.Equal(t, []string{guard.RoleEditor}, out.Data.Roles)

		_, view := vc.me()
		assert.Equal(t, []string{guard.RoleViewer}, view.Roles)

		resp = vc.do(http.MethodPost, "/api/v1/auth/refresh", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, view = vc.me()
		assert.Equal(t, []string{guard.RoleEditor}, view.Roles)
	})

	t.Run("introspect", func(t *testing.T) {
		resp := ac.do(http.MethodPost, "/api/v1/admin/introspect", map[string]string{"token": vLogin.AccessToken})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info TokenInfo
		decodeBody(t, resp, &info)
		// superseded by the refresh above
		assert.False(t, info.Active)
		assert.Empty(t, info.Subject)

		resp = ac.do(http.MethodPost, "/api/v1/admin/introspect", map[string]string{"token": "garbage", "kind": "refresh"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeBody(t, resp, &info)
		assert.False(t, info.Active)
	})

	t.Run("revoke sessions", func(t *testing.T) {
		resp := ac.do(http.MethodDelete, "/api/v1/admin/identities/"+viewer.ID+"/sessions", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		status, _ := vc.me()
		assert.Equal(t, http.StatusUnauthorized, status)

		resp = ac.do(http.MethodDelete, "/api/v1/admin/identities/missing/sessions", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete identity needs super admin", func(t *testing.T) {
		resp := ac.do(http.MethodDelete, "/api/v1/admin/identities/"+viewer.ID, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		rc := newTestClient(t, srv)
		root := rc.login("root@example.com", "root-password")

		resp = rc.do(http.MethodDelete, "/api/v1/admin/identities/"+root.Identity.ID, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = rc.do(http.MethodDelete, "/api/v1/admin/identities/"+viewer.ID, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		got, err := app.DB.GetIdentityByID(context.Background(), viewer.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		resp = rc.do(http.MethodDelete, "/api/v1/admin/identities/"+viewer.ID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestChangePassword(t *testing.T) {
	app, srv := newTestApp(t, testConfig())
	seedIdentity(t, app.DB, "dan@example.com", "first-password")

	c := newTestClient(t, srv)
	before := c.login("dan@example.com", "first-password")

	resp := c.do(http.MethodPost, "/api/v1/auth/password", map[string]string{
		"current_password": "wrong-password",
		"new_password":     "second-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/v1/auth/password", map[string]string{
		"current_password": "first-password",
		"new_password":     "first-password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/v1/auth/password", map[string]string{
		"current_password": "first-password",
		"new_password":     "second-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after tokenResponse
	decodeBody(t, resp, &after)
	assert.NotEqual(t, before.AccessToken, after.AccessToken)

	status, _ := c.me()
	assert.Equal(t, http.StatusOK, status)
	old := &testClient{t: t, base: srv.URL, http: &http.Client{}, bearer: before.AccessToken}
	status, _ = old.me()
	assert.Equal(t, http.StatusUnauthorized, status)

	fresh := newTestClient(t, srv)
	resp = fresh.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "dan@example.com", "password": "first-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	fresh.login("dan@example.com", "second-password")
}

func TestLogin_RateLimited(t *testing.T) {
	c := testConfig()
	c.LoginRatePerMinute = 2
	_, srv := newTestApp(t, c)
	tc := newTestClient(t, srv)

	creds := map[string]string{"email": "eve@example.com", "password": "whatever-it-is"}
	for i := 0; i < 2; i++ {
		resp := tc.do(http.MethodPost, "/api/v1/auth/login", creds)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := tc.do(http.MethodPost, "/api/v1/auth/login", creds)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, codeRateLimited, errorCode(t, resp))
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://panel.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://panel.test", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), csrf.HeaderName)

	req.Header.Set("Origin", "http://evil.test")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	assert.Equal(t, 0, rl.Sweep(time.Hour))
	assert.Equal(t, 2, rl.Sweep(-time.Second))
	assert.True(t, rl.Allow("a"))
}
