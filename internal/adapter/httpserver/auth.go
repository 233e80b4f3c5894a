package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/tg-broadcast/internal/config"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies a password against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// SessionData represents a validated admin session.
type SessionData struct {
	Username  string
	LoginTime time.Time
	ExpiresAt time.Time
}

// SessionManager issues and validates HMAC-signed session cookies.
type SessionManager struct {
	secret []byte
	cfg    config.Config
}

// NewSessionManager creates a session manager from config.
func NewSessionManager(cfg config.Config) *SessionManager {
	return &SessionManager{secret: []byte(cfg.AdminSessionSecret), cfg: cfg}
}

// CreateSession returns a signed session cookie value for username.
func (sm *SessionManager) CreateSession(username string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(24 * time.Hour)
	payload := fmt.Sprintf("%s:%d:%d", username, now.Unix(), expiresAt.Unix())
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(payload))
	signature := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	return payload + "." + signature, nil
}

// ValidateSession checks signature and expiry of a session cookie value.
func (sm *SessionManager) ValidateSession(sessionValue string) (*SessionData, error) {
	if sessionValue == "" {
		return nil, fmt.Errorf("empty session value")
	}
	parts := strings.Split(sessionValue, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid session format")
	}
	payload, signatureB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(payload))
	expectedSignature := mac.Sum(nil)
	actualSignature, err := base64.URLEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	if !hmac.Equal(expectedSignature, actualSignature) {
		return nil, fmt.Errorf("invalid session signature")
	}

	payloadParts := strings.Split(payload, ":")
	if len(payloadParts) != 3 {
		return nil, fmt.Errorf("invalid payload format")
	}
	username := payloadParts[0]
	loginTime := time.Unix(parseInt64(payloadParts[1]), 0)
	expiresAt := time.Unix(parseInt64(payloadParts[2]), 0)
	if time.Now().After(expiresAt) {
		return nil, fmt.Errorf("session expired")
	}
	return &SessionData{Username: username, LoginTime: loginTime, ExpiresAt: expiresAt}, nil
}

func (sm *SessionManager) sameSite() http.SameSite {
	switch strings.ToLower(sm.cfg.AdminSessionSameSite) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// SetSessionCookie sets the session cookie on the response.
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, sessionValue string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    sessionValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.cfg.AppEnv != "dev",
		SameSite: sm.sameSite(),
		MaxAge:   86400,
	})
}

// ClearSessionCookie clears the session cookie.
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.cfg.AppEnv != "dev",
		SameSite: sm.sameSite(),
		MaxAge:   -1,
	})
}

type sessionKey struct{}

// AuthRequired rejects requests without a valid session cookie. This is a
// JSON API, so failures are 401 responses rather than redirects.
func (sm *SessionManager) AuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil || cookie.Value == "" {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "authentication required"}})
			return
		}
		sessionData, err := sm.ValidateSession(cookie.Value)
		if err != nil {
			sm.ClearSessionCookie(w)
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "session invalid or expired"}})
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sessionData)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFrom extracts the validated session from the request context.
func SessionFrom(r *http.Request) (*SessionData, bool) {
	sd, ok := r.Context().Value(sessionKey{}).(*SessionData)
	return sd, ok
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin validates admin credentials and issues a session cookie.
func (sm *SessionManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "invalid login payload"}})
		return
	}
	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(sm.cfg.AdminUsername)) == 1
	passwordOK := req.Password == sm.cfg.AdminPassword
	if strings.HasPrefix(sm.cfg.AdminPassword, "argon2id$") {
		passwordOK = VerifyPassword(req.Password, sm.cfg.AdminPassword)
	}
	if !usernameOK || !passwordOK {
		LoggerFrom(r).Warn("admin login rejected", "username", req.Username)
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "invalid credentials"}})
		return
	}
	sessionValue, err := sm.CreateSession(req.Username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: "session creation failed"}})
		return
	}
	sm.SetSessionCookie(w, sessionValue)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogout clears the session cookie.
func (sm *SessionManager) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	sm.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseInt64(s string) int64 {
	x, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return x
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil || x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
