package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tg-broadcast/internal/config"
)

func testAuthConfig() config.Config {
	return config.Config{
		AppEnv:               "dev",
		AdminUsername:        "admin",
		AdminPassword:        "hunter2",
		AdminSessionSecret:   "0123456789abcdef0123456789abcdef",
		AdminSessionSameSite: "Strict",
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2", defaultArgon2Params)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$"))
	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("wrong", hash))
	assert.False(t, VerifyPassword("hunter2", "garbage"))
}

func TestSessionRoundTrip(t *testing.T) {
	sm := NewSessionManager(testAuthConfig())
	val, err := sm.CreateSession("admin")
	require.NoError(t, err)

	sd, err := sm.ValidateSession(val)
	require.NoError(t, err)
	assert.Equal(t, "admin", sd.Username)
	assert.True(t, sd.ExpiresAt.After(time.Now()))
}

func TestValidateSession_Tampered(t *testing.T) {
	sm := NewSessionManager(testAuthConfig())
	val, err := sm.CreateSession("admin")
	require.NoError(t, err)

	_, err = sm.ValidateSession("intruder" + val)
	require.Error(t, err)
	_, err = sm.ValidateSession("")
	require.Error(t, err)
	_, err = sm.ValidateSession("no-dot-here")
	require.Error(t, err)
}

func TestValidateSession_WrongSecret(t *testing.T) {
	sm := NewSessionManager(testAuthConfig())
	val, err := sm.CreateSession("admin")
	require.NoError(t, err)

	cfg := testAuthConfig()
	cfg.AdminSessionSecret = "another-secret-another-secret-xx"
	other := NewSessionManager(cfg)
	_, err = other.ValidateSession(val)
	require.Error(t, err)
}

func TestHandleLogin(t *testing.T) {
	sm := NewSessionManager(testAuthConfig())

	t.Run("valid credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"admin","password":"hunter2"}`))
		sm.HandleLogin(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var sessionCookie *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == "session" {
				sessionCookie = c
			}
		}
		require.NotNil(t, sessionCookie)
		_, err := sm.ValidateSession(sessionCookie.Value)
		require.NoError(t, err)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"admin","password":"nope"}`))
		sm.HandleLogin(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad payload", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{`))
		sm.HandleLogin(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleLogin_HashedPassword(t *testing.T) {
	hash, err := HashPassword("hunter2", defaultArgon2Params)
	require.NoError(t, err)
	cfg := testAuthConfig()
	cfg.AdminPassword = hash
	sm := NewSessionManager(cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"admin","password":"hunter2"}`))
	sm.HandleLogin(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	sm := NewSessionManager(testAuthConfig())
	protected := sm.AuthRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd, ok := SessionFrom(r)
		require.True(t, ok)
		assert.Equal(t, "admin", sd.Username)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("no cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: "forged.cookie"})
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid cookie", func(t *testing.T) {
		val, err := sm.CreateSession("admin")
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: val})
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
