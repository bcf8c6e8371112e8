package authcache_test

import (
	"testing"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/authcache"
)

func TestSessionVerifier_IssueThenVerify(t *testing.T) {
	v := authcache.NewSessionVerifier([]byte("test-secret"))

	token, err := v.Issue("u1", "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "u1" || claims.SessionID != "sess-1" {
		t.Errorf("claims = %+v, want user_id=u1 session_id=sess-1", claims)
	}
}

func TestSessionVerifier_RejectsWrongSecret(t *testing.T) {
	issuer := authcache.NewSessionVerifier([]byte("secret-a"))
	verifier := authcache.NewSessionVerifier([]byte("secret-b"))

	token, err := issuer.Issue("u1", "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := verifier.Verify(token); err == nil {
		t.Error("expected verification to fail with the wrong secret")
	}
}

func TestSessionVerifier_RejectsExpiredToken(t *testing.T) {
	v := authcache.NewSessionVerifier([]byte("test-secret"))

	token, err := v.Issue("u1", "sess-1", -time.Minute) // already expired
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := v.Verify(token); err == nil {
		t.Error("expected verification to fail for an expired token")
	}
}

func TestSessionVerifier_RejectsMalformedToken(t *testing.T) {
	v := authcache.NewSessionVerifier([]byte("test-secret"))

	if _, err := v.Verify("not-a-jwt"); err == nil {
		t.Error("expected verification to fail for a malformed token")
	}
}
