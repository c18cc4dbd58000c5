// Package token implements TokenService: EdDSA-signed JWTs for the four
// token kinds AuthFlow issues (access, refresh, registration, recovery),
// each carrying a purpose claim validators must check before trusting any
// other claim on the token.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Purpose distinguishes the four token kinds a single keypair signs.
type Purpose string

const (
	PurposeAccess       Purpose = "access"
	PurposeRefresh      Purpose = "refresh"
	PurposeRegistration Purpose = "registration"
	PurposeRecovery     Purpose = "recovery"
)

var (
	ErrWrongPurpose = errors.New("token: wrong purpose")
	ErrInvalidToken = errors.New("token: invalid or expired")
)

// Claims is the superset of fields any of the four token kinds may carry;
// individual issuers populate only the fields their kind uses.
type Claims struct {
	jwt.RegisteredClaims
	Purpose     Purpose   `json:"purpose"`
	DeviceID    uuid.UUID `json:"device_id,omitempty"`
	Family      uuid.UUID `json:"family,omitempty"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
}

// UserID parses the subject claim as the authenticated user's ID.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}

// Service signs and validates tokens with one Ed25519 keypair.
type Service struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string

	accessTTL       time.Duration
	refreshTTL      time.Duration
	registrationTTL time.Duration
	recoveryTTL     time.Duration
}

// TTLs groups the four configured token lifetimes.
type TTLs struct {
	Access       time.Duration
	Refresh      time.Duration
	Registration time.Duration
	Recovery     time.Duration
}

// New constructs a Service from an already-parsed Ed25519 keypair.
func New(priv ed25519.PrivateKey, pub ed25519.PublicKey, issuer string, ttls TTLs) *Service {
	return &Service{
		priv: priv, pub: pub, issuer: issuer,
		accessTTL: ttls.Access, refreshTTL: ttls.Refresh,
		registrationTTL: ttls.Registration, recoveryTTL: ttls.Recovery,
	}
}

func (s *Service) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("token: signing: %w", err)
	}
	return signed, nil
}

// RefreshTTL exposes the configured refresh TTL so callers can compute
// expires_at without re-deriving it.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess mints an access token for (userID, deviceID).
func (s *Service) IssueAccess(userID, deviceID uuid.UUID) (string, error) {
	now := time.Now()
	return s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
		Purpose:  PurposeAccess,
		DeviceID: deviceID,
	})
}

// IssueRefresh mints a refresh token within family, returning the signed
// token and its jti so the caller can persist it without re-parsing.
func (s *Service) IssueRefresh(userID, deviceID, family uuid.UUID) (token string, jti string, err error) {
	now := time.Now()
	jti = uuid.NewString()
	token, err = s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			ID:        jti,
		},
		Purpose:  PurposeRefresh,
		DeviceID: deviceID,
		Family:   family,
	})
	return token, jti, err
}

// IssueRegistration mints a registration token carrying email+display_name.
func (s *Service) IssueRegistration(email, displayName string) (string, error) {
	now := time.Now()
	return s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.registrationTTL)),
			ID:        uuid.NewString(),
		},
		Purpose:     PurposeRegistration,
		Email:       email,
		DisplayName: displayName,
	})
}

// IssueRecovery mints a recovery token carrying email+user_id.
func (s *Service) IssueRecovery(email string, userID uuid.UUID) (string, error) {
	now := time.Now()
	return s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.recoveryTTL)),
			ID:        uuid.NewString(),
		},
		Purpose: PurposeRecovery,
		Email:   email,
	})
}

// Validate parses tokenStr, enforces EdDSA, and requires claims.Purpose ==
// want; any mismatch returns ErrWrongPurpose rather than silently
// accepting a token minted for a different flow.
func (s *Service) Validate(tokenStr string, want Purpose) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.pub, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != want {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}
