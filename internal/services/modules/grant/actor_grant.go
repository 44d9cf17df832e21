// Package grant verifies signed actor grants minted by the auth service.
// A grant carries the authenticated actor, the tenant it resolves to, and
// the roles the actor holds within that tenant.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/palettehq/palette/internal/platform/errors"
)

// RoleAdmin is the elevated role required for mutating module state.
const RoleAdmin = "admin"

// actorGrantEnv holds raw env values before post-parse validation.
type actorGrantEnv struct {
	Issuer    string `env:"PALETTE_ACTOR_GRANT_ISSUER"`
	Audience  string `env:"PALETTE_ACTOR_GRANT_AUDIENCE"`
	PublicKey string `env:"PALETTE_ACTOR_GRANT_PUBLIC_KEY"`
}

// Config defines how actor grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Claims captures validated actor grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	ActorID   string
	TenantID  string
	Roles     []string
}

// HasRole reports whether the grant carries the given role.
func (c Claims) HasRole(role string) bool {
	for _, held := range c.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// actorGrantClaims is the internal claims type used for JWT parsing.
type actorGrantClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// LoadConfigFromEnv reads actor grant verification configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw actorGrantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse actor grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("PALETTE_ACTOR_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("PALETTE_ACTOR_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("PALETTE_ACTOR_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode actor grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("actor grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Verify checks an actor grant token's signature and claims.
func Verify(token string, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("actor grant verifier is not configured")
	}

	var parsed actorGrantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant issuer mismatch")
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant not active yet")
	}

	actorID := strings.TrimSpace(parsed.Subject)
	if actorID == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthenticated, "actor grant subject is required")
	}
	tenantID := strings.TrimSpace(parsed.TenantID)
	if tenantID == "" {
		return Claims{}, apperrors.New(apperrors.CodeTenantContextMissing, "actor grant carries no tenant")
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		ActorID:   actorID,
		TenantID:  tenantID,
		Roles:     parsed.Roles,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeUnauthenticated, "actor grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthenticated, "actor grant alg is invalid")
	}
	return apperrors.Wrap(apperrors.CodeUnauthenticated, "actor grant is malformed", err)
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}
