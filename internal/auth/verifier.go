package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by handoff tokens. Subject is the participant id.
type Claims struct {
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller
type Identity struct {
	TenantID      string
	ParticipantID string
	Role          types.Role
	SessionID     string
	Name          string
}

// Config selects how tokens are verified. With SkipAuth set, signatures are not checked.
type Config struct {
	Secret     string
	OIDCIssuer string
	SkipAuth   bool
}

// Verifier turns bearer tokens into identities
type Verifier struct {
	secret []byte
	jwks   keyfunc.Keyfunc
	skip   bool
	logger zerolog.Logger
}

// NewVerifier creates a verifier. HS256 tokens are accepted when a secret is set, RS/ES tokens when an
// OIDC issuer is set. One of the two is required unless SkipAuth is on.
func NewVerifier(cfg Config, logger zerolog.Logger) (*Verifier, error) {
	v := &Verifier{skip: cfg.SkipAuth, logger: logger.With().Str("component", "auth").Logger()}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
	}
	if cfg.OIDCIssuer != "" {
		// Keycloak layout
		jwksURL := strings.TrimSuffix(cfg.OIDCIssuer, "/") + "/protocol/openid-connect/certs"
		k, err := keyfunc.NewDefault([]string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create keyfunc: %w", err)
		}
		v.jwks = k
		v.logger.Info().Str("jwks_url", jwksURL).Msg("JWKS loaded")
	}
	if v.secret == nil && v.jwks == nil && !v.skip {
		return nil, errors.New("JWT_SECRET or OIDC_ISSUER is required unless SKIP_AUTH is set")
	}
	if v.skip {
		v.logger.Warn().Msg("SKIP_AUTH enabled - token signatures are not verified")
	}
	return v, nil
}

// Skipping reports whether signature checks are disabled
func (v *Verifier) Skipping() bool {
	return v.skip
}

// Verify validates a token and returns the caller's identity
func (v *Verifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	if v.skip {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
	} else {
		parsed, err := jwt.ParseWithClaims(token, claims, v.keyFor,
			jwt.WithValidMethods([]string{"HS256", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if !parsed.Valid {
			return nil, ErrInvalidToken
		}
	}

	return identityFrom(claims)
}

func (v *Verifier) keyFor(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
		if v.secret == nil {
			return nil, errors.New("HMAC tokens are not accepted")
		}
		return v.secret, nil
	}
	if v.jwks == nil {
		return nil, errors.New("JWKS not available")
	}
	return v.jwks.Keyfunc(t)
}

func identityFrom(c *Claims) (*Identity, error) {
	if c.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id claim is required", ErrInvalidToken)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub claim is required", ErrInvalidToken)
	}
	role := types.Role(strings.ToUpper(c.Role))
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return &Identity{
		TenantID:      c.TenantID,
		ParticipantID: c.Subject,
		Role:          role,
		SessionID:     c.SessionID,
		Name:          c.Name,
	}, nil
}

// IssueToken signs an HS256 token for id. Used by the operator simulator and tests.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID:  id.TenantID,
		Role:      string(id.Role),
		SessionID: id.SessionID,
		Name:      id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
