// Package auth issues and verifies the signed, time-boxed, revocable tokens
// that authenticate socket connections.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidToken indicates the token failed signature, structure, expiry,
// scope or revocation checks. Callers are deliberately not told which.
var ErrInvalidToken = errors.New("invalid token")

// tokenScope marks tokens as socket-auth so tokens minted for other surfaces
// cannot be replayed here.
const tokenScope = "socket"

// Claims captures the verified token payload.
type Claims struct {
	Subject     string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	TokenID     string
}

// Identity is the outcome of authenticating a connection request.
type Identity struct {
	UserID      string
	Permissions []string
	TokenExpiry time.Time
	Anonymous   bool
}

// IdentityProvider supplies the host web application's session identity when
// a request carries no token of its own.
type IdentityProvider interface {
	IdentityFromRequest(r *http.Request) (userID string, permissions []string, ok bool)
}

// TokenService mints and validates HS256 compact tokens with an in-memory
// revocation list.
type TokenService struct {
	secret   []byte
	ttl      time.Duration
	leeway   time.Duration
	fallback IdentityProvider
	now      func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewTokenService constructs a service for the supplied shared secret.
func NewTokenService(secret string, ttl, leeway time.Duration, fallback IdentityProvider) (*TokenService, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenService{
		secret:   []byte(secret),
		ttl:      ttl,
		leeway:   leeway,
		fallback: fallback,
		now:      time.Now,
		revoked:  make(map[string]time.Time),
	}, nil
}

// WithClock overrides the service clock, enabling deterministic unit tests.
func (s *TokenService) WithClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.now = clock
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject     string   `json:"sub"`
	IssuedAt    int64    `json:"iat"`
	Expires     int64    `json:"exp"`
	TokenID     string   `json:"jti"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"perms,omitempty"`
}

// Generate mints a signed token for the user and returns it with its expiry.
func (s *TokenService) Generate(userID string, permissions []string) (string, time.Time, error) {
	if s == nil || len(s.secret) == 0 {
		return "", time.Time{}, errors.New("token service not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("user id must be provided")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	payload := tokenPayload{
		Subject:     userID,
		IssuedAt:    now.Unix(),
		Expires:     expiresAt.Unix(),
		TokenID:     uuid.NewString(),
		Scope:       tokenScope,
		Permissions: permissions,
	}

	headerJSON, err := json.Marshal(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", time.Time{}, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, err
	}
	signing := encodeSegment(headerJSON) + "." + encodeSegment(payloadJSON)
	signature, err := s.sign([]byte(signing))
	if err != nil {
		return "", time.Time{}, err
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(signature), expiresAt, nil
}

// Verify parses the token and validates signature, expiry, scope and the
// revocation list, returning the embedded claims.
func (s *TokenService) Verify(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, errors.New("token service not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	expectedSig, err := s.sign([]byte(parts[0] + "." + parts[1]))
	if err != nil {
		return nil, err
	}
	signatureBytes, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	if payload.Scope != tokenScope {
		return nil, ErrInvalidToken
	}

	now := s.now()
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(s.leeway).Before(now) {
		return nil, ErrInvalidToken
	}
	if s.isRevoked(payload.TokenID, now) {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:     payload.Subject,
		Permissions: payload.Permissions,
		IssuedAt:    time.Unix(payload.IssuedAt, 0),
		ExpiresAt:   expiresAt,
		TokenID:     payload.TokenID,
	}, nil
}

// Revoke blacklists a token id until the token's natural expiry.
func (s *TokenService) Revoke(tokenID string, expiresAt time.Time) {
	if s == nil || strings.TrimSpace(tokenID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(s.ttl)
	}
	s.revoked[tokenID] = expiresAt
}

// RevokedCount reports the live blacklist size for security telemetry.
func (s *TokenService) RevokedCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}

func (s *TokenService) isRevoked(tokenID string, now time.Time) bool {
	if tokenID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Drop blacklist entries whose tokens have expired anyway.
	for id, expiry := range s.revoked {
		if expiry.Add(s.leeway).Before(now) {
			delete(s.revoked, id)
		}
	}
	_, revoked := s.revoked[tokenID]
	return revoked
}

// Authenticate resolves the request to an identity. Tokens are read from the
// auth_token query parameter or the Authorization header; absent a token the
// host session fallback is consulted; everything else is anonymous.
func (s *TokenService) Authenticate(r *http.Request) Identity {
	if s == nil || r == nil {
		return Identity{Anonymous: true}
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	if token != "" {
		claims, err := s.Verify(token)
		if err != nil {
			return Identity{Anonymous: true}
		}
		return Identity{
			UserID:      claims.Subject,
			Permissions: claims.Permissions,
			TokenExpiry: claims.ExpiresAt,
		}
	}
	if s.fallback != nil {
		if userID, permissions, ok := s.fallback.IdentityFromRequest(r); ok && userID != "" {
			return Identity{UserID: userID, Permissions: permissions}
		}
	}
	return Identity{Anonymous: true}
}

func (s *TokenService) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func encodeSegment(segment []byte) string {
	return base64.RawURLEncoding.EncodeToString(segment)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
