package auth

import (
	"testing"
	"time"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("0123456789abcdef0123456789abcdef"), "imagequeue", "imagequeue-api", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	s := testSigner(t)
	token, err := s.Issue("user-1", "member")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := s.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "member" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	s := testSigner(t)
	token, _ := s.Issue("user-1", "member")
	tampered := token[:len(token)-1] + "x"

	if _, err := s.Validate(tampered); err == nil {
		t.Fatal("expected tampered token to fail validation")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	s, _ := NewSigner([]byte("0123456789abcdef0123456789abcdef"), "imagequeue", "imagequeue-api", -time.Hour)
	token, _ := s.Issue("user-1", "member")

	if _, err := s.Validate(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestNewSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewSigner([]byte("short"), "iss", "aud", time.Hour); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}
