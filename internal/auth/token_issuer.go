package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	// ErrMissingSigningSecret indicates the issuer was built without a key.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingSubject indicates the token request lacked a user subject.
	ErrMissingSubject = errors.New("auth: subject must be provided")
	// ErrMissingOrganization indicates the token request lacked a tenant scope.
	ErrMissingOrganization = errors.New("auth: organization must be provided")
	// ErrMissingDevice indicates the token request lacked a device identifier.
	ErrMissingDevice = errors.New("auth: device must be provided")
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// SyncClaims is the JWT payload carried by sync bearer tokens. Tenant scope is
// resolved exclusively from these claims, never from request parameters.
type SyncClaims struct {
	OrganizationID string `json:"org_id"`
	DeviceID       string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the sync token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the HS256 bearer tokens presented by sync
// clients. Session bootstrap (how a device first obtains a token) lives
// outside this service; the validator is the interface boundary.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueSyncToken produces a signed JWT scoped to one tenant and device,
// returning the token and its expiry in seconds.
func (i *TokenIssuer) IssueSyncToken(_ context.Context, subject, organizationID, deviceID string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, ErrMissingSigningSecret
	}
	if strings.TrimSpace(subject) == "" {
		return "", 0, ErrMissingSubject
	}
	if strings.TrimSpace(organizationID) == "" {
		return "", 0, ErrMissingOrganization
	}
	if strings.TrimSpace(deviceID) == "" {
		return "", 0, ErrMissingDevice
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := SyncClaims{
		OrganizationID: organizationID,
		DeviceID:       deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the bearer token is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (SyncClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return SyncClaims{}, ErrMissingSigningSecret
	}

	claims := &SyncClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithAudience(i.config.Audience),
		jwt.WithTimeFunc(func() time.Time { return i.clock().UTC() }),
	)
	if err != nil {
		return SyncClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SyncClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.OrganizationID) == "" {
		return SyncClaims{}, fmt.Errorf("%w: missing organization", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.DeviceID) == "" {
		return SyncClaims{}, fmt.Errorf("%w: missing device", ErrInvalidToken)
	}
	return *claims, nil
}
