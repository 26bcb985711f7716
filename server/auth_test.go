package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/config"
)

func newTestServer(t *testing.T, password string) *Server {
	t.Helper()
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			JWTSecret: "test-secret-key-1234567890",
			TokenTTL:  time.Hour,
		},
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		cfg.Auth.AdminPass = string(hash)
	}
	s := New(cfg, "test", nil)
	s.SetTasks(newMemTasks())
	s.SetBus(comms.NewInMemoryBus(comms.Options{Buffer: 16}))
	return s
}

func login(t *testing.T, h http.Handler, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: user, Password: pass})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSignAndVerifyJWT(t *testing.T) {
	token, err := signToken("my-test-secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	subject, err := verifyJWT("my-test-secret", token)
	if err != nil {
		t.Fatalf("verifyJWT: %v", err)
	}
	if subject != "alice" {
		t.Errorf("expected subject 'alice', got %q", subject)
	}
}

func TestVerifyJWT_ExpiredToken(t *testing.T) {
	token, err := signToken("my-test-secret", "alice", -time.Minute)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if _, err := verifyJWT("my-test-secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyJWT_BadSignature(t *testing.T) {
	token, _ := signToken("correct-secret", "alice", time.Hour)
	if _, err := verifyJWT("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyJWT_RejectsForeignIssuerAndAlgorithm(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	foreign, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	if _, err := verifyJWT("s", foreign); err == nil {
		t.Error("accepted token from another issuer")
	}

	claims.Issuer = issuer
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := verifyJWT("s", none); err == nil {
		t.Error("accepted unsigned token")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	s := newTestServer(t, "secret")
	rr := login(t, s.Handler(), "admin", "secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("expected non-empty token in response")
	}
	if d := time.Until(resp.ExpiresAt); d < 50*time.Minute || d > time.Hour {
		t.Errorf("expires_at in %v, want about 1h", d)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	s := newTestServer(t, "secret")
	if rr := login(t, s.Handler(), "admin", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if rr := login(t, s.Handler(), "root", "secret"); rr.Code != http.StatusUnauthorized {
		t.Errorf("unknown user: expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	s := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s := newTestServer(t, "secret")
	h := s.Handler()

	var resp loginResponse
	if err := json.NewDecoder(login(t, h, "admin", "secret").Body).Decode(&resp); err != nil {
		t.Fatalf("login: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var me map[string]any
	_ = json.NewDecoder(rr.Body).Decode(&me)
	if me["username"] != "admin" || me["auth_enabled"] != true {
		t.Errorf("me = %v", me)
	}
}

func TestAuthDisabledWithoutPassword(t *testing.T) {
	s := newTestServer(t, "")
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 without auth, got %d", rr.Code)
	}
	if rr := login(t, h, "admin", ""); rr.Code != http.StatusNotFound {
		t.Errorf("login with auth disabled: expected 404, got %d", rr.Code)
	}
}
