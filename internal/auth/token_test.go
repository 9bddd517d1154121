package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, now *time.Time, fallback IdentityProvider) *TokenService {
	t.Helper()
	service, err := NewTokenService("test-secret", time.Hour, 2*time.Second, fallback)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	service.WithClock(func() time.Time { return *now })
	return service
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, expiresAt, err := service.Generate("user-7", []string{"subscribe:campaign", "publish:task"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiry = %v, want +1h", expiresAt)
	}

	claims, err := service.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-7" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if len(claims.Permissions) != 2 || claims.Permissions[0] != "subscribe:campaign" {
		t.Fatalf("permissions = %v", claims.Permissions)
	}
	if claims.TokenID == "" {
		t.Fatal("token must carry a unique id")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, _, err := service.Generate("user-7", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	now = now.Add(time.Hour + 3*time.Second)
	if _, err := service.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, _, err := service.Generate("user-7", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if _, err := service.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestVerifyRejectsRevoked(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, expiresAt, err := service.Generate("user-7", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := service.Verify(token)
	if err != nil {
		t.Fatalf("Verify before revocation: %v", err)
	}

	service.Revoke(claims.TokenID, expiresAt)
	if _, err := service.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to read as invalid, got %v", err)
	}
}

func TestRevocationListPrunesExpiredEntries(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, expiresAt, err := service.Generate("user-7", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, _ := service.Verify(token)
	service.Revoke(claims.TokenID, expiresAt)
	if service.RevokedCount() != 1 {
		t.Fatal("expected one blacklist entry")
	}

	now = now.Add(2 * time.Hour)
	_, _ = service.Verify(token)
	if service.RevokedCount() != 0 {
		t.Fatal("expired blacklist entries should be pruned")
	}
}

type staticProvider struct {
	userID string
	perms  []string
}

func (p staticProvider) IdentityFromRequest(*http.Request) (string, []string, bool) {
	return p.userID, p.perms, p.userID != ""
}

func TestAuthenticateTokenFromQuery(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, _, _ := service.Generate("user-7", []string{"subscribe:*"})
	r := httptest.NewRequest(http.MethodGet, "/socket?auth_token="+token, nil)

	identity := service.Authenticate(r)
	if identity.Anonymous || identity.UserID != "user-7" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestAuthenticateTokenFromHeader(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, nil)

	token, _, _ := service.Generate("user-8", nil)
	r := httptest.NewRequest(http.MethodGet, "/socket", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	identity := service.Authenticate(r)
	if identity.Anonymous || identity.UserID != "user-8" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestAuthenticateFallsBackToHostSession(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, staticProvider{userID: "web-user", perms: []string{"subscribe:campaign"}})

	r := httptest.NewRequest(http.MethodGet, "/socket", nil)
	identity := service.Authenticate(r)
	if identity.Anonymous || identity.UserID != "web-user" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestAuthenticateAnonymousOnBadToken(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, &now, staticProvider{userID: "web-user"})

	r := httptest.NewRequest(http.MethodGet, "/socket?auth_token=garbage", nil)
	identity := service.Authenticate(r)
	if !identity.Anonymous {
		t.Fatal("invalid token must not fall through to the host session")
	}
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService("  ", time.Hour, 0, nil); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
}
