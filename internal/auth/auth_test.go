package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func newVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	v, err := NewVerifier(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func mustIssue(t *testing.T, secret string, id Identity, ttl time.Duration) string {
	t.Helper()
	token, err := IssueToken(secret, id, ttl)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func TestNewVerifierRequiresKeyMaterial(t *testing.T) {
	if _, err := NewVerifier(Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without secret, issuer or skip")
	}
	if _, err := NewVerifier(Config{SkipAuth: true}, zerolog.Nop()); err != nil {
		t.Fatalf("skip mode: %v", err)
	}
}

func TestVerify(t *testing.T) {
	v := newVerifier(t, Config{Secret: testSecret})
	agent := Identity{TenantID: "acme", ParticipantID: "alice", Role: types.RoleAgent}

	noTenant, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "AGENT",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString([]byte(testSecret))
	lowerRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID:         "acme",
		Role:             "customer",
		SessionID:        "s-1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "c-1"},
	}).SignedString([]byte(testSecret))
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID:         "acme",
		Role:             "viewer",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x"},
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name     string
		token    string
		wantErr  error
		wantRole types.Role
	}{
		{name: "valid agent", token: mustIssue(t, testSecret, agent, time.Hour), wantRole: types.RoleAgent},
		{name: "lowercase role", token: lowerRole, wantRole: types.RoleCustomer},
		{name: "missing", token: "", wantErr: ErrMissingToken},
		{name: "wrong secret", token: mustIssue(t, "other", agent, time.Hour), wantErr: ErrInvalidToken},
		{name: "expired", token: mustIssue(t, testSecret, agent, -time.Minute), wantErr: ErrInvalidToken},
		{name: "no tenant", token: noTenant, wantErr: ErrInvalidToken},
		{name: "unknown role", token: badRole, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not.a.jwt", wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if id.Role != tt.wantRole {
				t.Errorf("role = %s, want %s", id.Role, tt.wantRole)
			}
			if id.TenantID != "acme" {
				t.Errorf("tenant = %q, want acme", id.TenantID)
			}
		})
	}
}

func TestSkipAuthParsesWithoutSignature(t *testing.T) {
	v := newVerifier(t, Config{SkipAuth: true})
	token := mustIssue(t, "anything", Identity{TenantID: "acme", ParticipantID: "bob", Role: types.RoleAgent}, time.Hour)

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ParticipantID != "bob" {
		t.Errorf("participant = %q, want bob", id.ParticipantID)
	}
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t, Config{Secret: testSecret})
	var seen *Identity
	h := v.Middleware(RequireRole(types.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	admin := mustIssue(t, testSecret, Identity{TenantID: "acme", ParticipantID: "root", Role: types.RoleAdmin}, time.Hour)
	agent := mustIssue(t, testSecret, Identity{TenantID: "acme", ParticipantID: "alice", Role: types.RoleAgent}, time.Hour)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "no token", want: http.StatusUnauthorized},
		{name: "admin header", header: "Bearer " + admin, want: http.StatusNoContent},
		{name: "admin query", query: "?token=" + admin, want: http.StatusNoContent},
		{name: "agent forbidden", header: "Bearer " + agent, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/admin"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && (seen == nil || seen.ParticipantID != "root") {
				t.Errorf("identity = %+v, want root", seen)
			}
		})
	}
}

func TestMiddlewareSkipAuthDevIdentity(t *testing.T) {
	v := newVerifier(t, Config{SkipAuth: true})
	var seen *Identity
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == nil || seen.Role != types.RoleAdmin {
		t.Fatalf("identity = %+v, want dev admin", seen)
	}
}
